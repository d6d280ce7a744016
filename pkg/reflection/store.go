package reflection

import (
	"context"
	"slices"
	"sync"
)

// Store persists reflection records. Latest returns newest first.
type Store interface {
	Store(ctx context.Context, r Record) error
	Latest(ctx context.Context, n int) ([]Record, error)
}

// DefaultMemoryCapacity bounds a MemoryStore created with capacity <= 0.
const DefaultMemoryCapacity = 100

// MemoryStore keeps the most recent records in memory.
type MemoryStore struct {
	mu       sync.Mutex
	records  []Record
	capacity int
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity}
}

func (s *MemoryStore) Store(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	if over := len(s.records) - s.capacity; over > 0 {
		s.records = slices.Delete(s.records, 0, over)
	}
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, n int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.records) {
		n = len(s.records)
	}
	out := make([]Record, 0, n)
	for i := len(s.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Lessons flattens the improvements of the n most recent records.
func Lessons(ctx context.Context, s Store, n int) ([]string, error) {
	recs, err := s.Latest(ctx, n)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range recs {
		out = append(out, r.Lessons()...)
	}
	return out, nil
}
