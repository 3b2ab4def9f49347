// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/gatekeep/internal/config"
)

// New returns a logger writing to stderr, and also to cfg.File when set. The
// returned close function releases that file.
func New(cfg config.LoggingConfig, stderr io.Writer) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		return zerolog.Nop(), nil, fmt.Errorf("log level %q: invalid", cfg.Level)
	}

	var out io.Writer = stderr
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}

	closer := func() error { return nil }
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log file: %w", err)
		}
		// The file always gets JSON, one event per line.
		out = zerolog.MultiLevelWriter(out, f)
		closer = f.Close
	}

	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log, closer, nil
}
