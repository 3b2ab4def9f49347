package testutil

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Origin is a plain HTTP server that answers every request with the same
// response and counts what it served.
type Origin struct {
	ln    net.Listener
	hits  atomic.Int64
	mu    sync.Mutex
	lines []string
}

// StartOrigin serves status and body until the test ends.
func StartOrigin(t *testing.T, ctx context.Context, status int, body string) *Origin {
	t.Helper()

	o := &Origin{ln: Listen(t, ctx)}

	var wg sync.WaitGroup
	wg.Add(1)
	go serve(o.ln, &wg, func(c net.Conn) {
		br := bufio.NewReader(c)
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		for {
			l, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimRight(l, "\r\n") == "" {
				break
			}
		}

		o.hits.Add(1)
		o.mu.Lock()
		o.lines = append(o.lines, strings.TrimRight(line, "\r\n"))
		o.mu.Unlock()

		_, _ = io.WriteString(c, Response(status, body))
	})
	t.Cleanup(func() {
		_ = o.ln.Close()
		wg.Wait()
	})
	return o
}

// Addr is the origin's host:port.
func (o *Origin) Addr() string { return o.ln.Addr().String() }

// URL returns an absolute http URL for path on this origin.
func (o *Origin) URL(path string) string { return "http://" + o.Addr() + path }

// Hits counts requests answered so far.
func (o *Origin) Hits() int { return int(o.hits.Load()) }

// RequestLines returns the request lines received, in order.
func (o *Origin) RequestLines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.lines...)
}

// Status renders an HTTP/1.0 status line without its CRLF.
func Status(code int) string {
	return fmt.Sprintf("HTTP/1.0 %d %s", code, http.StatusText(code))
}

// Response is the exact bytes Origin sends for status and body.
func Response(status int, body string) string {
	return fmt.Sprintf("%s\r\nContent-Length: %d\r\n\r\n%s", Status(status), len(body), body)
}
