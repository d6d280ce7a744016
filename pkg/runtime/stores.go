package runtime

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/reflex/pkg/budget"
	"github.com/Mindburn-Labs/reflex/pkg/reflection"
)

func (r *Runtime) openBudgetStore(ctx context.Context) (budget.Store, error) {
	bc := r.cfg.Budget
	switch bc.Store {
	case "", "memory":
		return budget.NewMemoryStore(r.clock), nil
	case "redis":
		s := budget.NewRedisStore(bc.RedisAddr, bc.RedisPassword, bc.RedisDB)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("runtime: redis budget store %s: %w", bc.RedisAddr, err)
		}
		r.closers = append(r.closers, s)
		return s, nil
	default:
		return nil, fmt.Errorf("runtime: unknown budget store %q", bc.Store)
	}
}

// OpenReflectionStore opens the store named by the reflection config. The
// returned close func is never nil.
func OpenReflectionStore(ctx context.Context, store, dsn string, capacity int) (reflection.Store, func() error, error) {
	noop := func() error { return nil }
	switch store {
	case "", "memory":
		return reflection.NewMemoryStore(capacity), noop, nil
	case "sqlite":
		s, err := reflection.OpenSQLite(dsn)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := reflection.OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("runtime: unknown reflection store %q", store)
	}
}

func (r *Runtime) openReflectionStore(ctx context.Context) (reflection.Store, error) {
	rc := r.cfg.Reflection
	s, closeFn, err := OpenReflectionStore(ctx, rc.Store, rc.DSN, rc.Capacity)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, closerFunc(closeFn))
	return s, nil
}

func (r *Runtime) newGenerator(ctx context.Context) (reflection.Generator, error) {
	rc := r.cfg.Reflection
	if rc.GenAIAPIKey == "" {
		return reflection.HeuristicGenerator{}, nil
	}
	g, err := reflection.NewGenAIGenerator(ctx, rc.GenAIAPIKey, rc.Model)
	if err != nil {
		return nil, fmt.Errorf("runtime: genai generator: %w", err)
	}
	return g, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
