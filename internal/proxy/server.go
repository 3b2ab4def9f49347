package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/gatekeep/internal/origin"
)

// ErrServerClosed is returned by Serve once Shutdown or Close was called.
var ErrServerClosed = errors.New("proxy: server closed")

// Stats counts connections and request outcomes since start.
type Stats struct {
	Accepted  uint64
	Active    int64
	Blocked   uint64
	Tunnels   uint64
	CacheHits uint64
	Fetches   uint64
	Failures  uint64
}

// Server handles proxy connections. Create it with NewServer.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	fetcher *origin.Fetcher

	// connCtx is canceled to force open connections closed.
	connCtx     context.Context
	cancelConns context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    bool
	wg        sync.WaitGroup

	accepted  atomic.Uint64
	active    atomic.Int64
	blocked   atomic.Uint64
	tunnels   atomic.Uint64
	cacheHits atomic.Uint64
	fetches   atomic.Uint64
	failures  atomic.Uint64
}

func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		log:         cfg.Log.With().Str("component", "proxy").Logger(),
		fetcher:     origin.NewFetcher(cfg.Dialer, cfg.IdleTimeout),
		connCtx:     ctx,
		cancelConns: cancel,
		listeners:   make(map[net.Listener]struct{}),
	}
}

// Serve accepts connections on ln until ctx is canceled or the server is
// shut down, handling each on its own goroutine. It always returns a
// non-nil error; ErrServerClosed after an orderly stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.track(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrack(ln)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		s.mu.Unlock()

		s.accepted.Add(1)
		go func() {
			defer s.wg.Done()
			s.active.Add(1)
			defer s.active.Add(-1)
			s.handle(s.connCtx, c)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight connections. If ctx ends
// first the remaining connections are closed and ctx's error returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeListeners()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelConns()
		return nil
	case <-ctx.Done():
		s.cancelConns()
		<-done
		return ctx.Err()
	}
}

// Close stops accepting and closes every open connection.
func (s *Server) Close() error {
	s.closeListeners()
	s.cancelConns()
	s.wg.Wait()
	return nil
}

func (s *Server) Stats() Stats {
	return Stats{
		Accepted:  s.accepted.Load(),
		Active:    s.active.Load(),
		Blocked:   s.blocked.Load(),
		Tunnels:   s.tunnels.Load(),
		CacheHits: s.cacheHits.Load(),
		Fetches:   s.fetches.Load(),
		Failures:  s.failures.Load(),
	}
}

func (s *Server) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrack(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()
}
