// Package config holds gatekeep's settings. Values come from built-in
// defaults, then an optional TOML or YAML file, then command-line flags.
package config

import (
	"os"
	"time"
)

type Config struct {
	Server      ServerConfig      `toml:"server" yaml:"server"`
	Upstream    UpstreamConfig    `toml:"upstream" yaml:"upstream"`
	Cache       CacheConfig       `toml:"cache" yaml:"cache"`
	Persistence PersistenceConfig `toml:"persistence" yaml:"persistence"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging"`
	LoadedPath  string            `toml:"-" yaml:"-"`
}

type ServerConfig struct {
	Listen             string `toml:"listen" yaml:"listen"`
	ReusePort          bool   `toml:"reuse_port" yaml:"reuse_port"`
	TCPKeepAlive       string `toml:"tcp_keepalive" yaml:"tcp_keepalive"`
	NegotiationTimeout string `toml:"negotiation_timeout" yaml:"negotiation_timeout"`
	IdleTimeout        string `toml:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout    string `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	BlockConnect       bool   `toml:"block_connect" yaml:"block_connect"`
	Console            bool   `toml:"console" yaml:"console"`
}

type UpstreamConfig struct {
	// URL is direct:// or an http, https or socks5 proxy URL.
	URL         string `toml:"url" yaml:"url"`
	DialTimeout string `toml:"dial_timeout" yaml:"dial_timeout"`
}

type CacheConfig struct {
	Dir            string `toml:"dir" yaml:"dir"`
	Backend        string `toml:"backend" yaml:"backend"`
	MaxEntries     int    `toml:"max_entries" yaml:"max_entries"`
	Freshness      string `toml:"freshness" yaml:"freshness"`
	MaxObjectBytes int64  `toml:"max_object_bytes" yaml:"max_object_bytes"`
}

type PersistenceConfig struct {
	BlockListFile  string `toml:"block_list_file" yaml:"block_list_file"`
	CacheIndexFile string `toml:"cache_index_file" yaml:"cache_index_file"`
	// AutoSaveInterval saves state periodically; "0" saves only on exit.
	AutoSaveInterval string `toml:"auto_save_interval" yaml:"auto_save_interval"`
}

type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
	File   string `toml:"file" yaml:"file"`
}

const (
	BackendFiles   = "files"
	BackendLevelDB = "leveldb"
)

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:             "127.0.0.1:8080",
			TCPKeepAlive:       "45:45:3",
			NegotiationTimeout: "10s",
			IdleTimeout:        "2m",
			ShutdownTimeout:    "10s",
			Console:            true,
		},
		Upstream: UpstreamConfig{
			URL:         defaultUpstream(),
			DialTimeout: "10s",
		},
		Cache: CacheConfig{
			Dir:            "cached",
			Backend:        BackendFiles,
			MaxEntries:     10,
			Freshness:      "24h",
			MaxObjectBytes: 10 << 20,
		},
		Persistence: PersistenceConfig{
			BlockListFile:    "blocked_sites.txt",
			CacheIndexFile:   "cached_sites.txt",
			AutoSaveInterval: "0",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}
	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}
	return "direct://"
}

func (s *ServerConfig) GetNegotiationTimeout() time.Duration {
	return parseDuration(s.NegotiationTimeout, 10*time.Second)
}

func (s *ServerConfig) GetIdleTimeout() time.Duration {
	return parseDuration(s.IdleTimeout, 2*time.Minute)
}

func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return parseDuration(s.ShutdownTimeout, 10*time.Second)
}

func (u *UpstreamConfig) GetDialTimeout() time.Duration {
	return parseDuration(u.DialTimeout, 10*time.Second)
}

func (c *CacheConfig) GetFreshness() time.Duration {
	return parseDuration(c.Freshness, 24*time.Hour)
}

func (p *PersistenceConfig) GetAutoSaveInterval() time.Duration {
	return parseDuration(p.AutoSaveInterval, 0)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
