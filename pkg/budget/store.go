package budget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

// ErrInvalidWindow is returned when a store is asked for a non-positive window.
var ErrInvalidWindow = errors.New("budget: window must be positive")

// Ceiling describes a keyed rolling budget.
type Ceiling struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Store holds keyed rolling windows. Take is atomic: it records an
// occurrence only when it fits under the ceiling.
type Store interface {
	Take(ctx context.Context, c Ceiling) (bool, error)
	Count(ctx context.Context, c Ceiling) (int, error)
}

// MemoryStore keeps windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*RollingWindow
	clock   clock.Clock
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{windows: make(map[string]*RollingWindow), clock: clock.Or(c)}
}

func (s *MemoryStore) Take(_ context.Context, c Ceiling) (bool, error) {
	w, err := s.window(c)
	if err != nil {
		return false, err
	}
	return w.Take(), nil
}

func (s *MemoryStore) Count(_ context.Context, c Ceiling) (int, error) {
	w, err := s.window(c)
	if err != nil {
		return 0, err
	}
	return w.Count(), nil
}

func (s *MemoryStore) window(c Ceiling) (*RollingWindow, error) {
	if c.Window <= 0 {
		return nil, ErrInvalidWindow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[c.Key]
	if !ok || w.Limit() != c.Limit || w.Window() != c.Window {
		w = NewRollingWindow(c.Limit, c.Window, s.clock)
		s.windows[c.Key] = w
	}
	return w, nil
}

// Gate binds a Store to one ceiling. A store error closes the gate.
type Gate struct {
	store   Store
	ceiling Ceiling
}

func NewGate(s Store, c Ceiling) *Gate {
	return &Gate{store: s, ceiling: c}
}

// Take consumes one occurrence if the ceiling allows.
func (g *Gate) Take(ctx context.Context) (bool, error) {
	if g.ceiling.Limit <= 0 {
		return true, nil
	}
	return g.store.Take(ctx, g.ceiling)
}

// Remaining returns the occurrences left in the window, or Unlimited.
func (g *Gate) Remaining(ctx context.Context) (int, error) {
	if g.ceiling.Limit <= 0 {
		return Unlimited, nil
	}
	n, err := g.store.Count(ctx, g.ceiling)
	if err != nil {
		return 0, err
	}
	return max(g.ceiling.Limit-n, 0), nil
}

func (g *Gate) Ceiling() Ceiling { return g.ceiling }
