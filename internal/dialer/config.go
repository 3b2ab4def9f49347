package dialer

import (
	"net"
	"time"
)

// Config applies to every outbound connection, including the hop to an
// upstream proxy.
type Config struct {
	// DialTimeout bounds establishing the TCP connection.
	DialTimeout time.Duration

	// NegotiationTimeout bounds the CONNECT or SOCKS5 exchange with an
	// upstream proxy.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig
}
