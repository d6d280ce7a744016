package events

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

// DefaultCapacity bounds the bus when no capacity is configured.
const DefaultCapacity = 200

// Publisher is the producer-side view of the bus.
type Publisher interface {
	Publish(ev Event)
}

// Stats are cumulative bus counters.
type Stats struct {
	Published uint64
	Evicted   uint64
	Expired   uint64
	Coalesced uint64
	Drained   uint64
}

type entry struct {
	ev    Event
	seq   uint64
	index int
}

// eventHeap orders entries by priority desc, created_at asc, then publish order.
type eventHeap []*entry

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	return before(h[i], h[j])
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// before reports whether a is delivered ahead of b.
func before(a, b *entry) bool {
	if a.ev.Priority != b.ev.Priority {
		return a.ev.Priority > b.ev.Priority
	}
	if !a.ev.CreatedAt.Equal(b.ev.CreatedAt) {
		return a.ev.CreatedAt.Before(b.ev.CreatedAt)
	}
	return a.seq < b.seq
}

// weaker reports whether a should be evicted ahead of b: lower priority
// first, then the older entry.
func weaker(a, b *entry) bool {
	if a.ev.Priority != b.ev.Priority {
		return a.ev.Priority < b.ev.Priority
	}
	if !a.ev.CreatedAt.Equal(b.ev.CreatedAt) {
		return a.ev.CreatedAt.Before(b.ev.CreatedAt)
	}
	return a.seq < b.seq
}

// Bus is a bounded, concurrency-safe priority mailbox. Publish never blocks;
// at capacity the weakest entry is dropped.
type Bus struct {
	mu       sync.Mutex
	items    eventHeap
	byKey    map[string]*entry
	capacity int
	seq      uint64
	stats    Stats
	notify   chan struct{}
	clock    clock.Clock
	log      *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

func WithClock(c clock.Clock) Option { return func(b *Bus) { b.clock = clock.Or(c) } }

func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.log = l } }

// NewBus creates a bus holding at most capacity events.
func NewBus(capacity int, opts ...Option) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		items:    make(eventHeap, 0, capacity),
		byKey:    make(map[string]*entry),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		clock:    clock.Wall{},
		log:      slog.Default().With("component", "events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	heap.Init(&b.items)
	return b
}

// Emit builds and publishes an event from its parts.
func (b *Bus) Emit(source Source, kind Kind, meta Metadata, priority int, ttl time.Duration, requestResponse bool) {
	b.Publish(Event{
		Source:          source,
		Kind:            kind,
		Metadata:        meta,
		Priority:        priority,
		TTL:             ttl,
		RequestResponse: requestResponse,
	})
}

// Publish inserts ev. Missing ID and CreatedAt are filled in and a negative
// TTL is clamped to zero.
func (b *Bus) Publish(ev Event) {
	b.insert(ev, false)
}

// Requeue puts a drained event back. A key-mate already on the bus was
// published after the drain, so it wins and ev is discarded; Requeue then
// reports false.
func (b *Bus) Requeue(ev Event) bool {
	return b.insert(ev, true)
}

func (b *Bus) insert(ev Event, requeue bool) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = b.clock.Now()
	}
	if ev.TTL < 0 {
		ev.TTL = 0
	}
	ev.Metadata = ev.Metadata.Clone()

	b.mu.Lock()
	b.seq++
	e := &entry{ev: ev, seq: b.seq}
	b.stats.Published++

	if ev.DedupeKey != "" {
		if old, ok := b.byKey[ev.DedupeKey]; ok {
			if requeue {
				b.stats.Coalesced++
				b.mu.Unlock()
				b.log.Debug("requeue superseded by newer event", "event", ev.String(), "newer", old.ev.ID)
				return false
			}
			heap.Remove(&b.items, old.index)
			delete(b.byKey, ev.DedupeKey)
			b.stats.Coalesced++
		}
	}

	if len(b.items) >= b.capacity {
		victim := b.weakest()
		if weaker(e, victim) {
			b.stats.Evicted++
			b.mu.Unlock()
			b.log.Debug("bus full, dropped incoming event", "event", ev.String())
			return false
		}
		heap.Remove(&b.items, victim.index)
		if victim.ev.DedupeKey != "" {
			delete(b.byKey, victim.ev.DedupeKey)
		}
		b.stats.Evicted++
		b.log.Debug("bus full, evicted event", "event", victim.ev.String())
	}

	heap.Push(&b.items, e)
	if ev.DedupeKey != "" {
		b.byKey[ev.DedupeKey] = e
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// DrainReady removes and returns every event still live at now, in delivery
// order. Expired events are discarded.
func (b *Bus) DrainReady(now time.Time) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, len(b.items))
	for len(b.items) > 0 {
		e := heap.Pop(&b.items).(*entry)
		if e.ev.DedupeKey != "" {
			delete(b.byKey, e.ev.DedupeKey)
		}
		if e.ev.Expired(now) {
			b.stats.Expired++
			continue
		}
		out = append(out, e.ev)
	}
	b.stats.Drained += uint64(len(out))
	return out
}

// Notify signals, at most once per burst, that something was published.
func (b *Bus) Notify() <-chan struct{} { return b.notify }

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Bus) Capacity() int { return b.capacity }

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// weakest scans for the eviction candidate. Must be called with mu held.
func (b *Bus) weakest() *entry {
	var w *entry
	for _, e := range b.items {
		if w == nil || weaker(e, w) {
			w = e
		}
	}
	return w
}
