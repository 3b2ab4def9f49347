package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Relay copies bytes in both directions between client and origin until
// either side finishes, then closes both. Each read must complete within
// idle; zero disables the limit. Cancelling ctx closes both connections.
func Relay(ctx context.Context, client, origin net.Conn, idle time.Duration) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = origin.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return ignoreClosed(pipe(origin, client, idle))
	})
	g.Go(func() error {
		defer closeBoth()
		return ignoreClosed(pipe(client, origin, idle))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return context.Cause(ctx)
}

// ignoreClosed drops the error a copy sees when the other direction has
// already closed both connections.
func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

func pipe(dst io.Writer, src net.Conn, idle time.Duration) error {
	bp := buffers.Get()
	defer buffers.Put(bp)
	buf := *bp

	for {
		if idle > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
