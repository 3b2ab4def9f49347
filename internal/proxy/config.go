package proxy

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/gatekeep/internal/blocklist"
	"github.com/die-net/gatekeep/internal/cache"
	"github.com/die-net/gatekeep/internal/dialer"
)

// MaxHeadBytes bounds the request head read from a client.
const MaxHeadBytes = 8 << 10

type Config struct {
	// NegotiationTimeout bounds reading the request head.
	NegotiationTimeout time.Duration

	// IdleTimeout bounds each read and write once a request is being served.
	IdleTimeout time.Duration

	// MaxObjectBytes is the largest response that will be cached; zero
	// means no limit.
	MaxObjectBytes int64

	// BlockConnect applies the block list to CONNECT targets as well.
	BlockConnect bool

	Dialer dialer.Dialer
	Blocks *blocklist.List
	Cache  *cache.Store
	Log    zerolog.Logger
}
