package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"
)

// ErrPayload wraps every payload backend failure.
var ErrPayload = errors.New("cache payload")

// Payloads stores response bodies out of band. Put returns an opaque
// reference that is recorded in the cache index and later handed back to Get
// and Delete.
type Payloads interface {
	Put(key string, data []byte) (ref string, err error)
	Get(ref string) ([]byte, error)
	Delete(ref string) error
	Close() error
}

// refGen names payloads by creation time in nanoseconds plus a counter.
type refGen struct {
	n atomic.Uint64
}

func (g *refGen) next(ext string) string {
	return strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.FormatUint(g.n.Add(1), 10) + ext
}

// FilePayloads keeps one file per payload in a directory.
type FilePayloads struct {
	dir  string
	refs refGen
}

// NewFilePayloads creates dir if needed.
func NewFilePayloads(dir string) (*FilePayloads, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrPayload, dir, err)
	}
	return &FilePayloads{dir: dir}, nil
}

// Dir returns the directory holding payload files.
func (f *FilePayloads) Dir() string {
	return f.dir
}

// Put writes data to a new file through a temp file and rename.
func (f *FilePayloads) Put(_ string, data []byte) (string, error) {
	ref := f.refs.next(".http")

	tmp, err := os.CreateTemp(f.dir, "payload-*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPayload, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("%w: write %s: %w", ErrPayload, ref, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %w", ErrPayload, ref, err)
	}
	if err := os.Rename(tmp.Name(), f.path(ref)); err != nil {
		return "", fmt.Errorf("%w: rename %s: %w", ErrPayload, ref, err)
	}
	return ref, nil
}

func (f *FilePayloads) Get(ref string) ([]byte, error) {
	b, err := os.ReadFile(f.path(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrPayload, ref, err)
	}
	return b, nil
}

// Delete removes the payload file; a missing file is not an error.
func (f *FilePayloads) Delete(ref string) error {
	if err := os.Remove(f.path(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %w", ErrPayload, ref, err)
	}
	return nil
}

func (f *FilePayloads) Close() error {
	return nil
}

// path confines ref to the payload directory; index files are operator
// editable.
func (f *FilePayloads) path(ref string) string {
	return filepath.Join(f.dir, filepath.Base(ref))
}
