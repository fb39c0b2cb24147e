// Package journal records executed policy mutations.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultLimit = 10000

// Entry is one executed policy operation.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Domain     string    `json:"domain"`
	Target     string    `json:"target"`
	Kind       string    `json:"kind,omitempty"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	State      string    `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	Timer      int64     `json:"timer,omitempty"` // seconds
	DurationMS int64     `json:"duration_ms"`
}

// Store persists entries. List returns the newest entries first together
// with the total number stored.
type Store interface {
	Add(ctx context.Context, e Entry) (Entry, error)
	List(ctx context.Context, offset, limit int) ([]Entry, int, error)
	Close() error
}

// Open returns a SQLite store at path, or an in-memory store when path is
// empty.
func Open(path string, limit int) (Store, error) {
	if path == "" {
		return NewMemoryStore(limit), nil
	}
	return OpenSQLite(path, limit)
}

func stamp(e Entry, now func() time.Time) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now().UTC()
	}
	return e
}

// MemoryStore keeps the most recent entries in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	limit   int
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore holding at most limit entries.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryStore{
		entries: make([]Entry, 0, min(limit, 1024)),
		limit:   limit,
		now:     time.Now,
	}
}

// Add stores an entry, dropping the oldest once the limit is reached.
func (s *MemoryStore) Add(_ context.Context, e Entry) (Entry, error) {
	e = stamp(e, s.now)

	s.mu.Lock()
	s.entries = append(s.entries, e)
	if len(s.entries) > s.limit {
		s.entries = s.entries[len(s.entries)-s.limit:]
	}
	s.mu.Unlock()
	return e, nil
}

// List returns a page of entries, newest first.
func (s *MemoryStore) List(_ context.Context, offset, limit int) ([]Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.entries)
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = total
	}

	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	result := make([]Entry, 0, end-start)
	for i := start; i < end; i++ {
		result = append(result, s.entries[total-1-i])
	}
	return result, total, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
