package cache

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const payloadPrefix = "p:"

// LevelDBPayloads keeps payloads in a goleveldb database.
type LevelDBPayloads struct {
	db   *leveldb.DB
	refs refGen
}

// OpenLevelDBPayloads opens (or creates) the database at path.
func OpenLevelDBPayloads(path string) (*LevelDBPayloads, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open leveldb %s: %w", ErrPayload, path, err)
	}
	return &LevelDBPayloads{db: db}, nil
}

func (l *LevelDBPayloads) Put(_ string, data []byte) (string, error) {
	ref := l.refs.next("")
	if err := l.db.Put([]byte(payloadPrefix+ref), data, &opt.WriteOptions{Sync: true}); err != nil {
		return "", fmt.Errorf("%w: put %s: %w", ErrPayload, ref, err)
	}
	return ref, nil
}

func (l *LevelDBPayloads) Get(ref string) ([]byte, error) {
	b, err := l.db.Get([]byte(payloadPrefix+ref), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrPayload, ref, err)
	}
	return b, nil
}

// Delete removes the payload; a missing key is not an error.
func (l *LevelDBPayloads) Delete(ref string) error {
	if err := l.db.Delete([]byte(payloadPrefix+ref), nil); err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("%w: delete %s: %w", ErrPayload, ref, err)
	}
	return nil
}

func (l *LevelDBPayloads) Close() error {
	return l.db.Close()
}
