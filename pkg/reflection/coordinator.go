package reflection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

// ErrGeneratorPanic wraps a panic raised inside a Generator.
var ErrGeneratorPanic = errors.New("reflection: generator panicked")

// Config controls when reflections run.
type Config struct {
	Enabled     bool          `yaml:"enabled"`
	MinInterval time.Duration `yaml:"min_interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Model       string        `yaml:"model"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, MinInterval: 30 * time.Second, Timeout: 20 * time.Second}
}

// Coordinator runs at most one reflection at a time, never more often than
// MinInterval, on a goroutine detached from the caller.
type Coordinator struct {
	cfg    Config
	gen    Generator
	store  Store
	clock  clock.Clock
	log    *slog.Logger
	onDone func(Record, error)

	inflight atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	last    time.Time
	hasLast bool

	accepted, dropped, failed atomic.Uint64
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option { return func(co *Coordinator) { co.clock = clock.Or(c) } }

func WithLogger(l *slog.Logger) Option { return func(co *Coordinator) { co.log = l } }

// WithOnDone is called after every run, successful or not.
func WithOnDone(f func(Record, error)) Option { return func(co *Coordinator) { co.onDone = f } }

// NewCoordinator builds a coordinator. A nil generator uses
// HeuristicGenerator; a nil store keeps records in memory.
func NewCoordinator(cfg Config, gen Generator, store Store, opts ...Option) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if gen == nil {
		gen = HeuristicGenerator{}
	}
	if store == nil {
		store = NewMemoryStore(0)
	}
	c := &Coordinator{
		cfg:   cfg,
		gen:   gen,
		store: store,
		clock: clock.Wall{},
		log:   slog.Default().With("component", "reflection"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request starts a reflection for rc unless disabled, inside MinInterval of
// the previous accepted request, or already running. It reports whether
// the request was accepted; a rejected request never calls onDone.
func (c *Coordinator) Request(ctx context.Context, rc Context) bool {
	if !c.cfg.Enabled {
		c.log.DebugContext(ctx, "reflection skipped", "reason", "disabled")
		c.dropped.Add(1)
		return false
	}
	now := c.clock.Now()
	c.mu.Lock()
	if c.hasLast && c.cfg.MinInterval > 0 && now.Sub(c.last) < c.cfg.MinInterval {
		remaining := c.cfg.MinInterval - now.Sub(c.last)
		c.mu.Unlock()
		c.log.DebugContext(ctx, "reflection skipped", "reason", "min_interval", "remaining", remaining)
		c.dropped.Add(1)
		return false
	}
	if !c.inflight.CompareAndSwap(false, true) {
		c.mu.Unlock()
		c.log.DebugContext(ctx, "reflection skipped", "reason", "in_flight")
		c.dropped.Add(1)
		return false
	}
	c.last = now
	c.hasLast = true
	c.mu.Unlock()

	c.accepted.Add(1)
	c.wg.Add(1)
	go c.run(context.WithoutCancel(ctx), rc)
	return true
}

func (c *Coordinator) run(ctx context.Context, rc Context) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	refl, err := c.generate(ctx, rc)
	if err != nil {
		c.log.WarnContext(ctx, "reflection generation failed", "trigger", rc.Trigger(), "error", err)
		refl = fallback(err)
	}
	rec := Record{
		ID:         uuid.NewString(),
		Timestamp:  c.clock.Now(),
		UserID:     rc.UserID,
		SessionID:  rc.SessionID,
		Context:    rc,
		Reflection: refl,
	}
	if serr := c.store.Store(ctx, rec); serr != nil {
		c.log.WarnContext(ctx, "reflection store failed", "error", serr)
		err = serr
	}
	if err != nil {
		c.failed.Add(1)
	}
	c.log.DebugContext(ctx, "reflection finished", "trigger", rc.Trigger(), "duration", time.Since(start))

	c.inflight.Store(false)
	if c.onDone != nil {
		c.onDone(rec, err)
	}
}

// generate runs the generator, turning a panic into an error so the run
// still stores a fallback record.
func (c *Coordinator) generate(ctx context.Context, rc Context) (refl Reflection, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(ctx, "reflection generator panicked", "panic", r)
			refl, err = Reflection{}, fmt.Errorf("%w: %v", ErrGeneratorPanic, r)
		}
	}()
	return c.gen.Generate(ctx, rc)
}

// InFlight reports whether a reflection is running.
func (c *Coordinator) InFlight() bool { return c.inflight.Load() }

// Wait blocks until every accepted reflection has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Stats are the coordinator's lifetime counters.
type Stats struct {
	Accepted uint64
	Dropped  uint64
	Failed   uint64
}

func (c *Coordinator) Stats() Stats {
	return Stats{Accepted: c.accepted.Load(), Dropped: c.dropped.Load(), Failed: c.failed.Load()}
}

// Store returns the backing store.
func (c *Coordinator) Store() Store { return c.store }
