package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Config bounds a Store.
type Config struct {
	// MaxEntries caps the number of live entries; 0 means unbounded.
	MaxEntries int

	// Freshness is the sliding window after the last access during which an
	// entry may be served without refetching.
	Freshness time.Duration

	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Entry describes one cached response. Callers only ever see copies.
type Entry struct {
	Key            string
	Payload        string
	Size           int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Stats is a point-in-time view of store counters.
type Stats struct {
	Entries    int
	MaxEntries int
	Bytes      int64
	Hits       uint64
	Misses     uint64
	Inserts    uint64
	Evictions  uint64
}

// Store is a bounded URL -> response mapping with LRU eviction. Every method
// is safe for concurrent use; payload I/O never happens under the lock.
type Store struct {
	mu    sync.Mutex
	items map[string]*list.Element // key -> element holding *Entry
	lru   *list.List               // front = most recently used
	bytes int64

	maxEntries int
	freshness  time.Duration
	now        func() time.Time

	payloads Payloads
	reads    singleflight.Group
	log      zerolog.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	inserts   atomic.Uint64
	evictions atomic.Uint64
}

// New returns an empty Store whose payloads live in p.
func New(cfg Config, p Payloads, log zerolog.Logger) *Store {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		items:      make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: cfg.MaxEntries,
		freshness:  cfg.Freshness,
		now:        now,
		payloads:   p,
		log:        log.With().Str("component", "cache").Logger(),
	}
}

// Lookup finds key and records the access. The returned Entry is the state
// before this access, so IsFresh on it measures the gap since the previous
// hit. Only fresh entries count as hits in Stats.
func (s *Store) Lookup(key string) (Entry, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		s.misses.Add(1)
		return Entry{}, false
	}

	e := el.Value.(*Entry)
	prev := *e
	touch(e, now)
	s.lru.MoveToFront(el)
	if s.IsFresh(prev, now) {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return prev, true
}

// IsFresh reports whether e was accessed less than the freshness window
// before now. An age exactly equal to the window is stale.
func (s *Store) IsFresh(e Entry, now time.Time) bool {
	return now.Sub(e.LastAccessedAt) < s.freshness
}

// Insert stores payload under key, replacing any previous entry and evicting
// least recently used entries to stay within MaxEntries. The payload is
// written before the entry becomes visible; if that write fails nothing is
// inserted.
func (s *Store) Insert(key string, payload []byte) (Entry, error) {
	ref, err := s.payloads.Put(key, payload)
	if err != nil {
		return Entry{}, err
	}

	now := s.now()
	size := int64(len(payload))

	var drop []string

	s.mu.Lock()
	var out Entry
	if el, ok := s.items[key]; ok {
		e := el.Value.(*Entry)
		drop = append(drop, e.Payload)
		s.bytes += size - e.Size
		e.Payload = ref
		e.Size = size
		e.CreatedAt = now
		touch(e, now)
		s.lru.MoveToFront(el)
		out = *e
	} else {
		for s.maxEntries > 0 && s.lru.Len() >= s.maxEntries {
			victim := s.removeOldestLocked()
			drop = append(drop, victim.Payload)
		}
		e := &Entry{Key: key, Payload: ref, Size: size, CreatedAt: now, LastAccessedAt: now}
		s.items[key] = s.lru.PushFront(e)
		s.bytes += size
		out = *e
	}
	s.mu.Unlock()

	s.inserts.Add(1)
	s.dropPayloads(drop)
	return out, nil
}

// Evict removes the least recently used entry and its payload.
func (s *Store) Evict() (Entry, bool) {
	s.mu.Lock()
	if s.lru.Len() == 0 {
		s.mu.Unlock()
		return Entry{}, false
	}
	victim := s.removeOldestLocked()
	s.mu.Unlock()

	s.dropPayloads([]string{victim.Payload})
	return victim, true
}

// Remove deletes key and its payload, reporting whether it was present.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e := s.removeLocked(el)
	s.mu.Unlock()

	s.dropPayloads([]string{e.Payload})
	return true
}

// RemoveIf deletes key only while it still refers to payload ref, so a
// caller acting on an old Entry cannot drop a newer replacement.
func (s *Store) RemoveIf(key, ref string) bool {
	s.mu.Lock()
	el, ok := s.items[key]
	if !ok || el.Value.(*Entry).Payload != ref {
		s.mu.Unlock()
		return false
	}
	e := s.removeLocked(el)
	s.mu.Unlock()

	s.dropPayloads([]string{e.Payload})
	return true
}

// Restore registers an entry whose payload of size bytes already exists in
// the backend, as when reloading a persisted index. Restored entries count as accessed
// now and are pushed to the front, so restoring an index written oldest
// first reproduces its LRU order.
func (s *Store) Restore(key, ref string, size int64) {
	now := s.now()

	var drop []string

	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		e := el.Value.(*Entry)
		if e.Payload != ref {
			drop = append(drop, e.Payload)
			e.Payload = ref
		}
		s.bytes += size - e.Size
		e.Size = size
		touch(e, now)
		s.lru.MoveToFront(el)
	} else {
		for s.maxEntries > 0 && s.lru.Len() >= s.maxEntries {
			victim := s.removeOldestLocked()
			drop = append(drop, victim.Payload)
		}
		e := &Entry{Key: key, Payload: ref, Size: size, CreatedAt: now, LastAccessedAt: now}
		s.items[key] = s.lru.PushFront(e)
		s.bytes += size
	}
	s.mu.Unlock()

	s.dropPayloads(drop)
}

// ReadPayload loads the body referenced by e. Concurrent reads of the same
// payload share a single backend read.
func (s *Store) ReadPayload(e Entry) ([]byte, error) {
	v, err, _ := s.reads.Do(e.Payload, func() (any, error) {
		return s.payloads.Get(e.Payload)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Entries returns a snapshot ordered from least to most recently used.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, s.lru.Len())
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		out = append(out, *el.Value.(*Entry))
	}
	return out
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	n, b := s.lru.Len(), s.bytes
	s.mu.Unlock()

	return Stats{
		Entries:    n,
		MaxEntries: s.maxEntries,
		Bytes:      b,
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Inserts:    s.inserts.Load(),
		Evictions:  s.evictions.Load(),
	}
}

// Close releases the payload backend.
func (s *Store) Close() error {
	return s.payloads.Close()
}

// Must be called with s.mu held.
func (s *Store) removeOldestLocked() Entry {
	e := s.removeLocked(s.lru.Back())
	s.evictions.Add(1)
	s.log.Debug().Str("key", e.Key).Time("last_access", e.LastAccessedAt).Msg("evicted")
	return e
}

// Must be called with s.mu held.
func (s *Store) removeLocked(el *list.Element) Entry {
	e := s.lru.Remove(el).(*Entry)
	delete(s.items, e.Key)
	s.bytes -= e.Size
	return *e
}

func (s *Store) dropPayloads(refs []string) {
	for _, ref := range refs {
		if err := s.payloads.Delete(ref); err != nil {
			s.log.Warn().Err(err).Str("payload", ref).Msg("payload delete failed")
		}
	}
}

func touch(e *Entry, now time.Time) {
	if now.After(e.LastAccessedAt) {
		e.LastAccessedAt = now
	}
}
