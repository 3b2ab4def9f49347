// Package origin fetches responses from origin servers on behalf of proxy
// clients.
package origin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/die-net/gatekeep/internal/dialer"
)

var (
	// ErrUnreachable wraps failures to connect or to send the request.
	ErrUnreachable = errors.New("origin unreachable")

	// ErrRead wraps failures while receiving the response.
	ErrRead = errors.New("origin read failed")
)

// Fetcher issues one HTTP/1.0 request per Fetch over a fresh connection.
type Fetcher struct {
	dialer dialer.Dialer
	idle   time.Duration
}

// NewFetcher dials origins with d. Reads from a Stream fail once idle
// passes without data; zero disables the limit.
func NewFetcher(d dialer.Dialer, idle time.Duration) *Fetcher {
	return &Fetcher{dialer: d, idle: idle}
}

// Fetch connects to host:port and requests path with method. The response,
// status line included, is read from the returned Stream until EOF.
func (f *Fetcher) Fetch(ctx context.Context, method, host, port, path string) (*Stream, error) {
	addr := net.JoinHostPort(host, port)

	conn, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	hostHeader := host
	if port != "80" {
		hostHeader = addr
	}
	req := fmt.Sprintf("%s %s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", method, path, hostHeader)

	if f.idle > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(f.idle))
	}
	if _, err := io.WriteString(conn, req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: write request to %s: %w", ErrUnreachable, addr, err)
	}

	s := &Stream{conn: conn, idle: f.idle}
	s.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return s, nil
}

// Stream is an in-flight origin response.
type Stream struct {
	conn net.Conn
	idle time.Duration
	stop func() bool
}

// Read returns io.EOF at the end of the response and errors wrapping ErrRead
// otherwise.
func (s *Stream) Read(p []byte) (int, error) {
	if s.idle > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
	}
	n, err := s.conn.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %w", ErrRead, err)
	}
	return n, err
}

func (s *Stream) Close() error {
	s.stop()
	return s.conn.Close()
}

// StatusCode extracts the code from the status line at the start of resp.
// It reports false until a complete status line is present.
func StatusCode(resp []byte) (int, bool) {
	line, _, ok := bytes.Cut(resp, []byte("\n"))
	if !ok {
		return 0, false
	}
	fields := bytes.Fields(line)
	if len(fields) < 2 || !bytes.HasPrefix(fields[0], []byte("HTTP/")) {
		return 0, false
	}
	code, err := strconv.Atoi(string(fields[1]))
	if err != nil {
		return 0, false
	}
	return code, true
}
