package config

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// FromArgs builds the configuration for a command line. args excludes the
// program name. A --config file is read first so that other flags override
// it. Usage goes to out; pflag.ErrHelp is returned for --help.
func FromArgs(args []string, out io.Writer) (*Config, error) {
	path, err := configPath(args)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	fs := pflag.NewFlagSet("gatekeep", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(out)
	bind(fs, cfg)
	fs.String("config", path, "TOML or YAML config file; flags override its values")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %q", fs.Args())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configPath finds --config without rejecting the flags it does not know.
func configPath(args []string) (string, error) {
	fs := pflag.NewFlagSet("gatekeep", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	path := fs.String("config", "", "")
	fs.BoolP("help", "h", false, "")

	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *path, nil
}

func bind(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.Server.Listen, "listen", c.Server.Listen, "Proxy listen address")
	fs.BoolVar(&c.Server.ReusePort, "reuse-port", c.Server.ReusePort, "Open the listener with SO_REUSEPORT")
	fs.StringVar(&c.Upstream.URL, "upstream", c.Upstream.URL, "Outbound route: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
	fs.StringVar(&c.Upstream.DialTimeout, "dial-timeout", c.Upstream.DialTimeout, "Timeout for outbound DNS lookup and TCP connect")
	fs.StringVar(&c.Server.IdleTimeout, "idle-timeout", c.Server.IdleTimeout, "Timeout for each read or write while serving a request")
	fs.StringVar(&c.Server.NegotiationTimeout, "negotiation-timeout", c.Server.NegotiationTimeout, "Timeout for reading the request head and upstream handshakes")
	fs.StringVar(&c.Server.ShutdownTimeout, "shutdown-timeout", c.Server.ShutdownTimeout, "How long shutdown waits for open connections before closing them")
	fs.StringVar(&c.Server.TCPKeepAlive, "tcp-keepalive", c.Server.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.StringVar(&c.Cache.Dir, "cache-dir", c.Cache.Dir, "Directory holding cached responses")
	fs.StringVar(&c.Cache.Backend, "cache-backend", c.Cache.Backend, "Cached response storage: files|leveldb")
	fs.IntVar(&c.Cache.MaxEntries, "cache-max-entries", c.Cache.MaxEntries, "Maximum number of cached responses (0 is unbounded)")
	fs.StringVar(&c.Cache.Freshness, "cache-freshness", c.Cache.Freshness, "How long after its last use a cached response is still served")
	fs.Int64Var(&c.Cache.MaxObjectBytes, "cache-max-object-bytes", c.Cache.MaxObjectBytes, "Largest response that is cached (0 is unbounded)")
	fs.StringVar(&c.Persistence.BlockListFile, "block-list-file", c.Persistence.BlockListFile, "Block list file loaded at start and saved on exit")
	fs.StringVar(&c.Persistence.CacheIndexFile, "cache-index-file", c.Persistence.CacheIndexFile, "Cache index file loaded at start and saved on exit")
	fs.StringVar(&c.Persistence.AutoSaveInterval, "auto-save-interval", c.Persistence.AutoSaveInterval, "Also save state at this interval (0 disables)")
	fs.BoolVar(&c.Server.BlockConnect, "block-connect", c.Server.BlockConnect, "Apply the block list to CONNECT targets")
	fs.BoolVar(&c.Server.Console, "console", c.Server.Console, "Read admin commands from stdin")
	fs.StringVar(&c.Logging.Level, "log-level", c.Logging.Level, "Log level: debug|info|warn|error")
	fs.StringVar(&c.Logging.Format, "log-format", c.Logging.Format, "Log format: console|json")
	fs.StringVar(&c.Logging.File, "log-file", c.Logging.File, "Also append logs to this file")
}
