package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/gatekeep/internal/socks5"
)

// SOCKS5ProxyDialer reaches destinations through an upstream SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	cfg    Config
	addr   string
	auth   socks5.Auth
	direct *Direct
}

func NewSOCKS5ProxyDialer(cfg Config, addr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:    cfg,
		addr:   addr,
		auth:   socks5.Auth{Username: username, Password: password},
		direct: NewDirect(cfg),
	}
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, network, f.addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	err = negotiate(ctx, c, f.cfg.NegotiationTimeout, func() error {
		return socks5.Connect(c, f.auth, address)
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy connect %s via %s: %w", address, f.addr, err)
	}
	return c, nil
}
