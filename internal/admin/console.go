// Package admin is the operator console: line commands that inspect and
// change the block list and cache, and stop the proxy.
package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/gatekeep/internal/blocklist"
	"github.com/die-net/gatekeep/internal/cache"
	"github.com/die-net/gatekeep/internal/proxy"
)

const prompt = "command (help for a list): "

type Config struct {
	Blocks *blocklist.List
	Cache  *cache.Store

	// Stats reports server counters; nil omits them from "stats".
	Stats func() proxy.Stats

	// Save persists state for "save".
	Save func() error

	// Shutdown stops the proxy for "close".
	Shutdown func()

	Log zerolog.Logger
}

type Console struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Console {
	return &Console{cfg: cfg, log: cfg.Log.With().Str("component", "console").Logger()}
}

// Run executes commands read from in until "close", the end of in, or the
// cancellation of ctx. Reaching the end of in does not stop the proxy.
func (c *Console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		fmt.Fprint(out, prompt)
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			fmt.Fprintln(out)
			if err != nil {
				return fmt.Errorf("console input: %w", err)
			}
			c.log.Info().Msg("console input closed")
			return nil
		case line := <-lines:
			if c.Exec(line, out) {
				return nil
			}
		}
	}
}

// Exec runs one command line, writing its output to out. It reports whether
// the command was "close".
func (c *Console) Exec(line string, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "blocked":
		c.listBlocked(out)
	case "cached":
		c.listCached(out)
	case "block", "unblock", "purge":
		if len(args) != 1 {
			fmt.Fprintf(out, "usage: %s <url>\n", cmd)
			return false
		}
		c.edit(out, cmd, args[0])
	case "stats":
		c.stats(out)
	case "save":
		if c.cfg.Save == nil {
			fmt.Fprintln(out, "saving is not configured")
			return false
		}
		if err := c.cfg.Save(); err != nil {
			fmt.Fprintf(out, "save failed: %v\n", err)
			return false
		}
		fmt.Fprintln(out, "state saved")
	case "close":
		fmt.Fprintln(out, "Shutting down server...")
		c.log.Info().Msg("shutdown requested from console")
		if c.cfg.Shutdown != nil {
			c.cfg.Shutdown()
		}
		return true
	case "help":
		fmt.Fprint(out, help)
	default:
		fmt.Fprintf(out, "Unknown command: %s\n", fields[0])
	}
	return false
}

const help = `blocked           list blocked patterns
cached            list cached URLs, least recently used first
block <pattern>   block URLs starting with pattern
unblock <pattern> remove a pattern
purge <url>       drop a cached response
stats             show counters
save              write block list and cache index now
close             shut the proxy down
`

func (c *Console) listBlocked(out io.Writer) {
	patterns := c.cfg.Blocks.List()
	if len(patterns) == 0 {
		fmt.Fprintln(out, "No blocked sites.")
		return
	}
	for _, p := range patterns {
		fmt.Fprintf(out, "URL: %s\n", p)
	}
}

func (c *Console) listCached(out io.Writer) {
	entries := c.cfg.Cache.Entries()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No cached sites.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(out, "URL: %s, File: %s, Bytes: %d, Last used: %s\n",
			e.Key, e.Payload, e.Size, e.LastAccessedAt.Format(time.RFC3339))
	}
}

func (c *Console) edit(out io.Writer, cmd, arg string) {
	var ok bool
	var done, noop string
	switch cmd {
	case "block":
		ok, done, noop = c.cfg.Blocks.Add(arg), "blocked", "already blocked"
	case "unblock":
		ok, done, noop = c.cfg.Blocks.Remove(arg), "unblocked", "not blocked"
	case "purge":
		ok, done, noop = c.cfg.Cache.Remove(arg), "purged", "not cached"
	}
	if ok {
		c.log.Info().Str("command", cmd).Str("arg", arg).Msg("console change")
		fmt.Fprintf(out, "%s: %s\n", done, arg)
		return
	}
	fmt.Fprintf(out, "%s: %s\n", noop, arg)
}

func (c *Console) stats(out io.Writer) {
	cs := c.cfg.Cache.Stats()
	fmt.Fprintf(out, "cache: entries=%d/%d bytes=%d hits=%d misses=%d inserts=%d evictions=%d\n",
		cs.Entries, cs.MaxEntries, cs.Bytes, cs.Hits, cs.Misses, cs.Inserts, cs.Evictions)
	fmt.Fprintf(out, "blocked patterns: %d\n", c.cfg.Blocks.Len())
	if c.cfg.Stats != nil {
		ps := c.cfg.Stats()
		fmt.Fprintf(out, "proxy: accepted=%d active=%d blocked=%d tunnels=%d cache_hits=%d fetches=%d failures=%d\n",
			ps.Accepted, ps.Active, ps.Blocked, ps.Tunnels, ps.CacheHits, ps.Fetches, ps.Failures)
	}
}
