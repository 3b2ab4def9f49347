package dialer

import (
	"context"
	"fmt"
	"net"
)

// Direct dials destinations itself.
type Direct struct {
	d net.Dialer
}

func NewDirect(cfg Config) *Direct {
	return &Direct{d: net.Dialer{
		Timeout:         cfg.DialTimeout,
		KeepAliveConfig: cfg.KeepAlive,
	}}
}

func (f *Direct) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c, err := f.d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return c, nil
}
