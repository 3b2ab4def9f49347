package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Dialer matches net.Dialer's DialContext.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New builds the Dialer described by upstream. An empty upstream dials
// directly. Otherwise upstream is a URL:
//
//	direct://
//	http://[user:pass@]host[:port]
//	https://[user:pass@]host[:port]
//	socks5://[user:pass@]host[:port]
//
// Missing ports default to 80, 443 and 1080 respectively.
func New(cfg Config, upstream string) (Dialer, error) {
	if upstream == "" {
		return NewDirect(cfg), nil
	}

	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("upstream %q: unexpected path", upstream)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return nil, fmt.Errorf("upstream %q: missing scheme", upstream)
	}
	if scheme == "direct" {
		return NewDirect(cfg), nil
	}

	port, ok := defaultPorts[scheme]
	if !ok {
		return nil, fmt.Errorf("upstream %q: unsupported scheme %q", upstream, scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("upstream %q: missing host", upstream)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	if scheme == "socks5" {
		return NewSOCKS5ProxyDialer(cfg, addr, user, pass), nil
	}
	return NewHTTPProxyDialer(cfg, addr, scheme == "https", user, pass), nil
}

var defaultPorts = map[string]string{
	"http":   "80",
	"https":  "443",
	"socks5": "1080",
}

var errNegotiationCanceled = errors.New("negotiation canceled")

// negotiate runs fn with c's deadline bounded by timeout and by ctx, then
// clears the deadline again. Cancelling ctx aborts fn's pending I/O.
func negotiate(ctx context.Context, c net.Conn, timeout time.Duration, fn func() error) error {
	if timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})

	err := fn()

	if !stop() {
		if err == nil {
			err = errNegotiationCanceled
		}
		return fmt.Errorf("%w: %w", err, context.Cause(ctx))
	}
	if err != nil {
		return err
	}
	return c.SetDeadline(time.Time{})
}
