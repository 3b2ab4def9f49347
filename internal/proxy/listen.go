package proxy

import (
	"context"
	"fmt"
	"net"
)

// ListenTCP listens on addr and applies ka to every accepted connection.
// With reusePort the socket is opened with SO_REUSEPORT so several processes
// can share the address.
func ListenTCP(ctx context.Context, addr string, ka net.KeepAliveConfig, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = reusePortControl
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &KeepAliveListener{Listener: ln, KeepAliveConfig: ka}, nil
}

// KeepAliveListener applies KeepAliveConfig to accepted TCP connections.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}
	return conn, nil
}
