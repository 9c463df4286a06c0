package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Note is one stored content record. ID is the event hash, which doubles
// as the stable ordering key for pagination.
type Note struct {
	ID        string
	Content   string
	CreatedAt time.Time
}

// EventStore answers windowed, deterministically ordered content queries.
// The ordering key must be content-derived so that re-querying the same
// window and offset stays reproducible for already-seen items even after
// the store grows.
type EventStore interface {
	Query(ctx context.Context, kind int, createdAfter int64, limit, offset int) ([]Note, error)
}

// MemoryEventStore holds notes in memory for tests and local development.
type MemoryEventStore struct {
	mu    sync.RWMutex
	kinds map[int][]Note
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{kinds: make(map[int][]Note)}
}

func (s *MemoryEventStore) Add(kind int, notes ...Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[kind] = append(s.kinds[kind], notes...)
}

func (s *MemoryEventStore) Query(_ context.Context, kind int, createdAfter int64, limit, offset int) ([]Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Note, 0)
	for _, note := range s.kinds[kind] {
		if note.CreatedAt.Unix() > createdAfter {
			matched = append(matched, note)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ID < matched[j].ID
	})

	if offset >= len(matched) {
		return []Note{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}
