package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/gatekeep/internal/admin"
	"github.com/die-net/gatekeep/internal/blocklist"
	"github.com/die-net/gatekeep/internal/cache"
	"github.com/die-net/gatekeep/internal/config"
	"github.com/die-net/gatekeep/internal/dialer"
	"github.com/die-net/gatekeep/internal/logging"
	"github.com/die-net/gatekeep/internal/persist"
	"github.com/die-net/gatekeep/internal/proxy"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.FromArgs(args, os.Stderr)
	if err != nil {
		return err
	}

	log, closeLog, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ka, err := config.ParseTCPKeepAlive(cfg.Server.TCPKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	d, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.Upstream.GetDialTimeout(),
		NegotiationTimeout: cfg.Server.GetNegotiationTimeout(),
		KeepAlive:          ka,
	}, cfg.Upstream.URL)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	payloads, err := openPayloads(cfg.Cache)
	if err != nil {
		return err
	}
	store := cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		Freshness:  cfg.Cache.GetFreshness(),
	}, payloads, log)
	defer store.Close()

	blocks := blocklist.New()
	if err := persist.LoadBlockList(cfg.Persistence.BlockListFile, blocks); err != nil {
		log.Warn().Err(err).Msg("starting with an empty block list")
	}
	n, err := persist.LoadIndex(cfg.Persistence.CacheIndexFile, store)
	if err != nil {
		log.Warn().Err(err).Msg("cache index partly restored")
	}
	log.Info().Int("blocked", blocks.Len()).Int("cached", n).Msg("state loaded")

	save := func() error {
		return errors.Join(
			persist.SaveBlockList(cfg.Persistence.BlockListFile, blocks),
			persist.SaveIndex(cfg.Persistence.CacheIndexFile, store),
		)
	}

	srv := proxy.NewServer(proxy.Config{
		NegotiationTimeout: cfg.Server.GetNegotiationTimeout(),
		IdleTimeout:        cfg.Server.GetIdleTimeout(),
		MaxObjectBytes:     cfg.Cache.MaxObjectBytes,
		BlockConnect:       cfg.Server.BlockConnect,
		Dialer:             d,
		Blocks:             blocks,
		Cache:              store,
		Log:                log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := proxy.ListenTCP(ctx, cfg.Server.Listen, ka, cfg.Server.ReusePort)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(gctx, ln); !errors.Is(err, proxy.ErrServerClosed) {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	log.Info().Str("listen", ln.Addr().String()).Str("upstream", cfg.Upstream.URL).Msg("proxy listening")

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("closed connections that did not finish in time")
		}
		return nil
	})

	if cfg.Server.Console {
		console := admin.New(admin.Config{
			Blocks:   blocks,
			Cache:    store,
			Stats:    srv.Stats,
			Save:     save,
			Shutdown: cancel,
			Log:      log,
		})
		g.Go(func() error {
			return console.Run(gctx, os.Stdin, os.Stdout)
		})
	}

	if every := cfg.Persistence.GetAutoSaveInterval(); every > 0 {
		g.Go(func() error {
			autoSave(gctx, log, every, save)
			return nil
		})
	}

	err = g.Wait()

	if serr := save(); serr != nil {
		log.Error().Err(serr).Msg("saving state failed")
	} else {
		log.Info().Int("blocked", blocks.Len()).Int("cached", store.Len()).Msg("state saved")
	}
	return err
}

func openPayloads(c config.CacheConfig) (cache.Payloads, error) {
	if c.Backend == config.BackendLevelDB {
		return cache.OpenLevelDBPayloads(c.Dir)
	}
	return cache.NewFilePayloads(c.Dir)
}

func autoSave(ctx context.Context, log zerolog.Logger, every time.Duration, save func() error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := save(); err != nil {
				log.Warn().Err(err).Msg("periodic save failed")
			}
		}
	}
}
