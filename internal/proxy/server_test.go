package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/gatekeep/internal/blocklist"
	"github.com/die-net/gatekeep/internal/cache"
	"github.com/die-net/gatekeep/internal/dialer"
	"github.com/die-net/gatekeep/internal/testutil"
)

type countingDialer struct {
	d     dialer.Dialer
	dials atomic.Int64
}

func (c *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c.dials.Add(1)
	return c.d.DialContext(ctx, network, address)
}

type testProxy struct {
	srv    *Server
	addr   string
	store  *cache.Store
	dialer *countingDialer
}

func startProxy(t *testing.T, ctx context.Context, mutate func(*Config)) *testProxy {
	t.Helper()

	payloads, err := cache.NewFilePayloads(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := cache.New(cache.Config{MaxEntries: 10, Freshness: time.Hour}, payloads, zerolog.Nop())
	t.Cleanup(func() { _ = store.Close() })

	cd := &countingDialer{d: dialer.NewDirect(dialer.Config{DialTimeout: time.Second})}
	cfg := Config{
		NegotiationTimeout: time.Second,
		IdleTimeout:        2 * time.Second,
		Dialer:             cd,
		Blocks:             blocklist.New(),
		Cache:              store,
		Log:                zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(cfg)
	ln := testutil.Listen(t, ctx)
	go func() { _ = srv.Serve(ctx, ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return &testProxy{srv: srv, addr: ln.Addr().String(), store: store, dialer: cd}
}

// roundTrip sends raw and returns everything the proxy writes before closing.
func (p *testProxy) roundTrip(t *testing.T, raw string) string {
	t.Helper()

	c, err := net.Dial("tcp", p.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(c, raw); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	return string(got)
}

func get(url string) string {
	return "GET " + url + " HTTP/1.1\r\nUser-Agent: test\r\n\r\n"
}

func TestBlockedRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := startProxy(t, ctx, func(cfg *Config) {
		cfg.Blocks = blocklist.New("blocked.example")
	})

	got := p.roundTrip(t, get("http://blocked.example/"))
	if want := "HTTP/1.0 403 Forbidden\r\n\r\nBlocked by Proxy Server"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if n := p.store.Len(); n != 0 {
		t.Fatalf("cache has %d entries", n)
	}
	if n := p.dialer.dials.Load(); n != 0 {
		t.Fatalf("dialed %d times", n)
	}
	if s := p.srv.Stats(); s.Blocked != 1 {
		t.Fatalf("blocked=%d", s.Blocked)
	}
}

func TestMissThenHit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o := testutil.StartOrigin(t, ctx, 200, "payload")
	p := startProxy(t, ctx, nil)
	want := testutil.Response(200, "payload")

	if got := p.roundTrip(t, get(o.URL("/page"))); got != want {
		t.Fatalf("miss: got %q want %q", got, want)
	}
	if o.Hits() != 1 {
		t.Fatalf("origin hits=%d", o.Hits())
	}
	if _, ok := p.store.Lookup(o.URL("/page")); !ok {
		t.Fatal("response was not cached")
	}

	if got := p.roundTrip(t, get(o.URL("/page"))); got != want {
		t.Fatalf("hit: got %q want %q", got, want)
	}
	if o.Hits() != 1 {
		t.Fatalf("cache hit contacted origin: hits=%d", o.Hits())
	}
	if n := p.dialer.dials.Load(); n != 1 {
		t.Fatalf("dials=%d", n)
	}
	if s := p.srv.Stats(); s.CacheHits != 1 || s.Fetches != 1 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o := testutil.StartOrigin(t, ctx, 200, "x")

	payloads, err := cache.NewFilePayloads(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := cache.New(cache.Config{MaxEntries: 2, Freshness: time.Hour}, payloads, zerolog.Nop())
	p := startProxy(t, ctx, func(cfg *Config) { cfg.Cache = store })

	for _, path := range []string{"/a", "/b", "/a", "/c"} {
		p.roundTrip(t, get(o.URL(path)))
	}

	var keys []string
	for _, e := range store.Entries() {
		keys = append(keys, e.Key)
	}
	want := []string{o.URL("/a"), o.URL("/c")}
	if strings.Join(keys, " ") != strings.Join(want, " ") {
		t.Fatalf("entries=%q want %q", keys, want)
	}
	if o.Hits() != 3 {
		t.Fatalf("origin hits=%d", o.Hits())
	}
}

func TestStaleEntryIsRefetched(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o := testutil.StartOrigin(t, ctx, 200, "x")

	payloads, err := cache.NewFilePayloads(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := cache.New(cache.Config{MaxEntries: 10, Freshness: time.Nanosecond}, payloads, zerolog.Nop())
	p := startProxy(t, ctx, func(cfg *Config) { cfg.Cache = store })

	p.roundTrip(t, get(o.URL("/")))
	time.Sleep(time.Millisecond)
	p.roundTrip(t, get(o.URL("/")))

	if o.Hits() != 2 {
		t.Fatalf("origin hits=%d", o.Hits())
	}
	if store.Len() != 1 {
		t.Fatalf("entries=%d", store.Len())
	}
}

func TestStaleEntryDroppedWhenRefetchFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	want := testutil.Response(200, "old")
	ln, wait := testutil.ServeOnce(t, ctx, func(c net.Conn) {
		if readOriginRequest(c) == nil {
			_, _ = io.WriteString(c, want)
		}
	})
	url := "http://" + ln.Addr().String() + "/"

	payloads, err := cache.NewFilePayloads(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := cache.New(cache.Config{MaxEntries: 10, Freshness: 50 * time.Millisecond}, payloads, zerolog.Nop())
	p := startProxy(t, ctx, func(cfg *Config) { cfg.Cache = store })

	if got := p.roundTrip(t, get(url)); got != want {
		t.Fatalf("first: got %q want %q", got, want)
	}
	wait()
	time.Sleep(100 * time.Millisecond)

	for i := range 2 {
		got := p.roundTrip(t, get(url))
		if !strings.HasPrefix(got, "HTTP/1.0 502 Bad Gateway\r\n\r\n") {
			t.Fatalf("request %d after expiry: got %q", i+2, got)
		}
	}
	if store.Len() != 0 {
		t.Fatalf("entries=%d", store.Len())
	}
}

func TestRequestLineOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o := testutil.StartOrigin(t, ctx, 200, "line")
	p := startProxy(t, ctx, func(cfg *Config) { cfg.NegotiationTimeout = 5 * time.Second })

	c, err := net.Dial("tcp", p.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(3 * time.Second))

	if _, err := io.WriteString(c, "GET "+o.URL("/")+" HTTP/1.0\r\n"); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if want := testutil.Response(200, "line"); string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestPartialResponseNotCached(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	partial := testutil.Status(200) + "\r\nContent-Length: 100\r\n\r\nhalf"
	ln, wait := testutil.ServeOnce(t, ctx, func(c net.Conn) {
		br := bufio.NewReader(c)
		if readOriginRequest(br) != nil {
			return
		}
		_, _ = io.WriteString(c, partial)
		// Stall until the proxy gives up and hangs up.
		_, _ = io.Copy(io.Discard, br)
	})
	defer wait()

	p := startProxy(t, ctx, func(cfg *Config) { cfg.IdleTimeout = 200 * time.Millisecond })

	got := p.roundTrip(t, get("http://"+ln.Addr().String()+"/"))
	if got != partial {
		t.Fatalf("got %q want %q", got, partial)
	}
	waitIdle(t, p.srv)
	if p.store.Len() != 0 {
		t.Fatalf("entries=%d", p.store.Len())
	}
	if s := p.srv.Stats(); s.Failures != 1 {
		t.Fatalf("failures=%d", s.Failures)
	}
}

func TestClientGoneMidBodyNotCached(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	head := testutil.Status(200) + "\r\n\r\n"
	clientGone := make(chan struct{})
	ln, wait := testutil.ServeOnce(t, ctx, func(c net.Conn) {
		if readOriginRequest(c) != nil {
			return
		}
		if _, err := io.WriteString(c, head); err != nil {
			return
		}
		<-clientGone
		chunk := []byte(strings.Repeat("b", 32<<10))
		for range 64 {
			if _, err := c.Write(chunk); err != nil {
				return
			}
		}
	})
	defer wait()

	p := startProxy(t, ctx, nil)

	c, err := net.Dial("tcp", p.addr)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(c, get("http://"+ln.Addr().String()+"/")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(head))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	_ = c.Close()
	close(clientGone)

	waitIdle(t, p.srv)
	if p.store.Len() != 0 {
		t.Fatalf("entries=%d", p.store.Len())
	}
}

func TestNotCached(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		method string
		max    int64
	}{
		{name: "not found", status: 404, body: "nope", method: "GET"},
		{name: "head", status: 200, body: "", method: "HEAD"},
		{name: "too large", status: 200, body: strings.Repeat("z", 100), method: "GET", max: 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			o := testutil.StartOrigin(t, ctx, tt.status, tt.body)
			p := startProxy(t, ctx, func(cfg *Config) { cfg.MaxObjectBytes = tt.max })

			raw := tt.method + " " + o.URL("/") + " HTTP/1.1\r\n\r\n"
			want := testutil.Response(tt.status, tt.body)
			for range 2 {
				if got := p.roundTrip(t, raw); got != want {
					t.Fatalf("got %q want %q", got, want)
				}
			}
			if o.Hits() != 2 {
				t.Fatalf("origin hits=%d", o.Hits())
			}
			if p.store.Len() != 0 {
				t.Fatalf("entries=%d", p.store.Len())
			}
		})
	}
}

func TestOriginUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln := testutil.Listen(t, ctx)
	dead := ln.Addr().String()
	_ = ln.Close()

	p := startProxy(t, ctx, nil)

	got := p.roundTrip(t, get("http://"+dead+"/"))
	if !strings.HasPrefix(got, "HTTP/1.0 502 Bad Gateway\r\n\r\n") {
		t.Fatalf("got %q", got)
	}
	if p.store.Len() != 0 {
		t.Fatalf("entries=%d", p.store.Len())
	}
}

func TestBadRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := startProxy(t, ctx, nil)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "one token", raw: "GARBAGE\r\n\r\n", want: "HTTP/1.0 400 Bad Request\r\n\r\nBad Request"},
		{name: "no host", raw: "GET /index.html HTTP/1.1\r\n\r\n", want: "HTTP/1.0 400 Bad Request\r\n\r\nBad Request"},
		{name: "post", raw: "POST http://example.com/ HTTP/1.1\r\n\r\n", want: "HTTP/1.0 501 Not Implemented\r\n\r\nNot Implemented"},
		{name: "too large", raw: "GET http://example.com/" + strings.Repeat("a", MaxHeadBytes-len("GET http://example.com/")), want: "HTTP/1.0 400 Bad Request\r\n\r\nBad Request"},
		{name: "empty", raw: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := net.Dial("tcp", p.addr)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))

			if _, err := io.WriteString(c, tt.raw); err != nil {
				t.Fatal(err)
			}
			if tt.raw == "" {
				_ = c.(*net.TCPConn).CloseWrite()
			}
			got, _ := io.ReadAll(c)
			if string(got) != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}

	if n := p.dialer.dials.Load(); n != 0 {
		t.Fatalf("dials=%d", n)
	}
}

func TestConnectTunnel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echo := testutil.StartEchoServer(t, ctx)
	p := startProxy(t, ctx, func(cfg *Config) {
		cfg.Blocks = blocklist.New(echo.Addr().String())
	})

	c, err := net.Dial("tcp", p.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	// Bytes sent right behind the head must reach the origin first.
	if _, err := io.WriteString(c, "CONNECT "+echo.Addr().String()+" HTTP/1.1\r\n\r\nearly"); err != nil {
		t.Fatal(err)
	}
	want := connectEstablished + "early"
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != want {
		t.Fatalf("got %q want %q", buf, want)
	}

	testutil.AssertEcho(t, c, c, []byte("hello through the tunnel"))
	_ = c.Close()

	waitIdle(t, p.srv)
	if s := p.srv.Stats(); s.Tunnels != 1 {
		t.Fatalf("tunnels=%d", s.Tunnels)
	}
}

func TestConnectBlocked(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := startProxy(t, ctx, func(cfg *Config) {
		cfg.Blocks = blocklist.New("tunnel.example")
		cfg.BlockConnect = true
	})

	got := p.roundTrip(t, "CONNECT tunnel.example:443 HTTP/1.1\r\n\r\n")
	if want := "HTTP/1.0 403 Forbidden\r\n\r\nBlocked by Proxy Server"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if n := p.dialer.dials.Load(); n != 0 {
		t.Fatalf("dials=%d", n)
	}
}

func TestConnectUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln := testutil.Listen(t, ctx)
	dead := ln.Addr().String()
	_ = ln.Close()

	p := startProxy(t, ctx, nil)
	got := p.roundTrip(t, "CONNECT "+dead+" HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(got, "HTTP/1.0 502 Bad Gateway\r\n\r\n") {
		t.Fatalf("got %q", got)
	}
}

func TestShutdownForcesTunnelsClosed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echo := testutil.StartEchoServer(t, ctx)
	p := startProxy(t, ctx, nil)

	c, err := net.Dial("tcp", p.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(c, "CONNECT "+echo.Addr().String()+" HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(connectEstablished))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}

	sctx, scancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer scancel()
	if err := p.srv.Shutdown(sctx); err == nil {
		t.Fatal("expected drain deadline to pass with a tunnel open")
	}

	if _, err := io.ReadAll(c); err != nil {
		t.Fatalf("tunnel not closed cleanly: %v", err)
	}
	if a := p.srv.Stats().Active; a != 0 {
		t.Fatalf("active=%d", a)
	}

	if _, err := net.DialTimeout("tcp", p.addr, time.Second); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}
}

func TestShutdownWaitsForInflightResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	want := testutil.Response(200, "slow body")
	received := make(chan struct{})
	ln, wait := testutil.ServeOnce(t, ctx, func(c net.Conn) {
		if readOriginRequest(c) != nil {
			return
		}
		close(received)
		time.Sleep(300 * time.Millisecond)
		_, _ = io.WriteString(c, want)
	})
	defer wait()

	p := startProxy(t, ctx, nil)

	c, err := net.Dial("tcp", p.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(c, get("http://"+ln.Addr().String()+"/")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-received:
	case <-ctx.Done():
		t.Fatal("origin never saw the request")
	}

	shutdownErr := make(chan error, 1)
	go func() {
		sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
		defer scancel()
		shutdownErr <- p.srv.Shutdown(sctx)
	}()

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if err := <-shutdownErr; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if p.store.Len() != 1 {
		t.Fatalf("entries=%d", p.store.Len())
	}
}

// readOriginRequest consumes one request head from r.
func readOriginRequest(r io.Reader) error {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

func waitIdle(t *testing.T, s *Server) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().Active != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connections still active")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
