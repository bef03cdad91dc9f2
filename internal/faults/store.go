package faults

import (
	"sync"
	"time"
)

// StoreConfig configures the error history store.
type StoreConfig struct {
	// Capacity is the maximum number of retained errors.
	Capacity int `yaml:"capacity"`
	// DedupeWindow is how long duplicates of one signature are folded into
	// a single entry.
	DedupeWindow time.Duration `yaml:"dedupe_window"`
	// DedupeThreshold is how many occurrences within the window are kept
	// before further duplicates are dropped.
	DedupeThreshold int `yaml:"dedupe_threshold"`
}

// DefaultStoreConfig returns the default error store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Capacity:        200,
		DedupeWindow:    time.Minute,
		DedupeThreshold: 3,
	}
}

// Store is a ring buffer of recent classified errors with signature-based
// deduplication. All methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	config StoreConfig
	ring   []*ClassifiedError
	next   int
	full   bool

	// recent tracks occurrences per signature inside the dedupe window.
	recent map[string]*sigWindow
	counts map[string]int64
	now    func() time.Time
}

type sigWindow struct {
	first time.Time
	count int
}

// NewStore creates an error store.
func NewStore(config StoreConfig) *Store {
	if config.Capacity <= 0 {
		config.Capacity = 200
	}
	if config.DedupeWindow <= 0 {
		config.DedupeWindow = time.Minute
	}
	if config.DedupeThreshold <= 0 {
		config.DedupeThreshold = 3
	}
	return &Store{
		config: config,
		ring:   make([]*ClassifiedError, config.Capacity),
		recent: make(map[string]*sigWindow),
		counts: make(map[string]int64),
		now:    time.Now,
	}
}

// Push records an error. Duplicates of the same signature past the dedupe
// threshold within the window are dropped (the per-signature total still
// increments). Returns whether the error was stored.
func (s *Store) Push(ce *ClassifiedError) bool {
	if ce == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.counts[ce.Signature]++

	w := s.recent[ce.Signature]
	if w == nil || now.Sub(w.first) > s.config.DedupeWindow {
		w = &sigWindow{first: now}
		s.recent[ce.Signature] = w
	}
	w.count++
	if w.count > s.config.DedupeThreshold {
		return false
	}

	s.ring[s.next] = ce
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	return true
}

// Recent returns up to n errors, newest first.
func (s *Store) Recent(n int) []*ClassifiedError {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.next
	if s.full {
		size = len(s.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]*ClassifiedError, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.ring)) % len(s.ring)
		if s.ring[idx] != nil {
			out = append(out, s.ring[idx])
		}
	}
	return out
}

// Count returns the total occurrences recorded for a signature, including
// deduplicated ones.
func (s *Store) Count(signature string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[signature]
}

// Summary returns per-category totals over the retained history.
func (s *Store) Summary() map[Category]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Category]int)
	for _, ce := range s.ring {
		if ce != nil {
			out[ce.Category]++
		}
	}
	return out
}
