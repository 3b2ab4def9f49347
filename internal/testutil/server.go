// Package testutil holds throwaway TCP servers for package tests.
package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

// Listen opens a loopback listener that is closed when the test ends.
func Listen(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

// ServeOnce accepts a single connection and hands it to handler. The
// returned wait closes the listener and blocks until handler returns.
func ServeOnce(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	ln := Listen(t, ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}()

	return ln, func() {
		_ = ln.Close()
		wg.Wait()
	}
}

// serve runs handler for every accepted connection until ln closes, then
// closes whatever connections are still open.
func serve(ln net.Listener, wg *sync.WaitGroup, handler func(net.Conn)) {
	defer wg.Done()

	var mu sync.Mutex
	open := make(map[net.Conn]struct{})
	defer func() {
		mu.Lock()
		for c := range open {
			_ = c.Close()
		}
		mu.Unlock()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		mu.Lock()
		open[c] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(open, c)
				mu.Unlock()
				_ = c.Close()
			}()
			handler(c)
		}()
	}
}
