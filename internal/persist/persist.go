// Package persist saves and restores proxy state across restarts: the block
// list as one pattern per line, and the cache index as
// "<url> <payload-ref> <size>" lines ordered from least to most recently used.
//
// Files are replaced atomically, and a missing file loads as empty state.
package persist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/die-net/gatekeep/internal/blocklist"
	"github.com/die-net/gatekeep/internal/cache"
)

// LoadBlockList adds the patterns stored at path to l.
func LoadBlockList(path string, l *blocklist.List) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load block list: %w", err)
	}
	defer f.Close()

	if err := l.LoadFrom(f); err != nil {
		return fmt.Errorf("load block list %s: %w", path, err)
	}
	return nil
}

// SaveBlockList writes l's patterns to path.
func SaveBlockList(path string, l *blocklist.List) error {
	if err := writeFile(path, l.SaveTo); err != nil {
		return fmt.Errorf("save block list: %w", err)
	}
	return nil
}

// LoadIndex restores the entries listed at path into s and returns how many
// were restored. Lines are "<url> <payload> [<size>]"; malformed lines are
// skipped.
func LoadIndex(path string, s *cache.Store) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cache index: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		var size int64
		switch len(fields) {
		case 2:
		case 3:
			size, err = strconv.ParseInt(fields[2], 10, 64)
			if err != nil || size < 0 {
				continue
			}
		default:
			continue
		}
		s.Restore(fields[0], fields[1], size)
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("load cache index %s: %w", path, err)
	}
	return n, nil
}

// SaveIndex writes s's entries to path, least recently used first.
func SaveIndex(path string, s *cache.Store) error {
	err := writeFile(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		for _, e := range s.Entries() {
			if _, err := fmt.Fprintf(bw, "%s %s %d\n", e.Key, e.Payload, e.Size); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
	if err != nil {
		return fmt.Errorf("save cache index: %w", err)
	}
	return nil
}

// writeFile replaces path with whatever fill writes, via a temporary file
// in the same directory.
func writeFile(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
