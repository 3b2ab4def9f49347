package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// List is a concurrency-safe, insertion-ordered set of block patterns.
type List struct {
	mu       sync.RWMutex
	patterns []string
	index    map[string]struct{}
}

// New returns a List seeded with patterns. Duplicates are dropped.
func New(patterns ...string) *List {
	l := &List{index: make(map[string]struct{})}
	for _, p := range patterns {
		l.Add(p)
	}
	return l
}

// IsBlocked reports whether url matches any stored pattern.
func (l *List) IsBlocked(url string) bool {
	u := normalize(url)
	if u == "" {
		return false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.index[u]; ok {
		return true
	}
	for _, p := range l.patterns {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

// Add inserts pattern and reports whether it was not already present.
func (l *List) Add(pattern string) bool {
	p := normalize(pattern)
	if p == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[p]; ok {
		return false
	}
	l.index[p] = struct{}{}
	l.patterns = append(l.patterns, p)
	return true
}

// Remove deletes pattern and reports whether it was present.
func (l *List) Remove(pattern string) bool {
	p := normalize(pattern)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[p]; !ok {
		return false
	}
	delete(l.index, p)
	for i, q := range l.patterns {
		if q == p {
			l.patterns = append(l.patterns[:i], l.patterns[i+1:]...)
			break
		}
	}
	return true
}

// List returns a snapshot of the patterns in insertion order.
func (l *List) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, len(l.patterns))
	copy(out, l.patterns)
	return out
}

// Len returns the number of stored patterns.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.patterns)
}

// LoadFrom adds every whitespace-separated pattern read from r. Blank lines
// and lines starting with '#' are skipped.
func (l *List) LoadFrom(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, p := range strings.Fields(line) {
			l.Add(p)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read block list: %w", err)
	}
	return nil
}

// SaveTo writes one pattern per line to w.
func (l *List) SaveTo(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, p := range l.List() {
		if _, err := fmt.Fprintln(bw, p); err != nil {
			return fmt.Errorf("write block list: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write block list: %w", err)
	}
	return nil
}

func normalize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	return s
}
