package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// HTTPProxyDialer reaches destinations through an upstream proxy's CONNECT
// method, optionally speaking TLS to the proxy itself.
type HTTPProxyDialer struct {
	cfg    Config
	addr   string
	tls    bool
	auth   string
	direct *Direct
}

// NewHTTPProxyDialer returns a dialer tunnelling through the proxy at addr.
// A non-empty username adds Basic Proxy-Authorization.
func NewHTTPProxyDialer(cfg Config, addr string, useTLS bool, username, password string) *HTTPProxyDialer {
	d := &HTTPProxyDialer{cfg: cfg, addr: addr, tls: useTLS, direct: NewDirect(cfg)}
	if username != "" {
		d.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}
	return d
}

// DialContext returns a connection that is already tunnelled to address.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, network, f.addr)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	var tunnel net.Conn
	err = negotiate(ctx, c, f.cfg.NegotiationTimeout, func() error {
		if f.tls {
			host, _, _ := net.SplitHostPort(f.addr)
			tc := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host})
			if err := tc.HandshakeContext(ctx); err != nil {
				return fmt.Errorf("tls handshake: %w", err)
			}
			c = tc
		}
		tunnel, err = f.connect(c, address)
		return err
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect %s via %s: %w", address, f.addr, err)
	}
	return tunnel, nil
}

func (f *HTTPProxyDialer) connect(c net.Conn, address string) (net.Conn, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", address, address)
	if f.auth != "" {
		fmt.Fprintf(&b, "Proxy-Authorization: %s\r\n", f.auth)
	}
	b.WriteString("\r\n")
	if _, err := c.Write([]byte(b.String())); err != nil {
		return nil, err
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return nil, err
	}
	// The body of a CONNECT response is the tunnel itself; it is not drained.
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("upstream answered %s", resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

// bufferedConn replays bytes the upstream sent right after its CONNECT
// response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
