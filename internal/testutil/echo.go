package testutil

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
)

// StartEchoServer echoes every byte it receives on every connection until
// the test ends.
func StartEchoServer(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	ln := Listen(t, ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go serve(ln, &wg, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	return ln
}

// AssertEcho writes msg to w and expects the same bytes back on r.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", msg, buf)
	}
}
