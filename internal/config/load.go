package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/die-net/gatekeep/internal/dialer"
)

// Load returns the defaults overlaid with the file at path, chosen by
// extension: .toml, .yaml or .yml.
func Load(path string) (*Config, error) {
	cfg := Default()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %s: unknown format, want .toml, .yaml or .yml", path)
	}

	cfg.LoadedPath = path
	return cfg, nil
}

// Validate reports every setting that cannot be used.
func (c *Config) Validate() error {
	var errs []error

	durations := []struct{ name, value string }{
		{"server.negotiation_timeout", c.Server.NegotiationTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"upstream.dial_timeout", c.Upstream.DialTimeout},
		{"cache.freshness", c.Cache.Freshness},
		{"persistence.auto_save_interval", c.Persistence.AutoSaveInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err == nil && v < 0 {
			err = errors.New("must not be negative")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", d.name, d.value, err))
		}
	}

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen: empty"))
	}
	if _, err := ParseTCPKeepAlive(c.Server.TCPKeepAlive); err != nil {
		errs = append(errs, fmt.Errorf("server.tcp_keepalive %q: %w", c.Server.TCPKeepAlive, err))
	}
	if _, err := dialer.New(dialer.Config{}, c.Upstream.URL); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.Backend != BackendFiles && c.Cache.Backend != BackendLevelDB {
		errs = append(errs, fmt.Errorf("cache.backend %q: want %s or %s", c.Cache.Backend, BackendFiles, BackendLevelDB))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries %d: must not be negative", c.Cache.MaxEntries))
	}
	if c.Cache.MaxObjectBytes < 0 {
		errs = append(errs, fmt.Errorf("cache.max_object_bytes %d: must not be negative", c.Cache.MaxObjectBytes))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q: want debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want console or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}
