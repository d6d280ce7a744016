package ops

import "time"

// DebouncedState tracks one probe's committed status and any candidate
// status waiting out the debounce window.
type DebouncedState struct {
	Stable       Status
	Pending      Status
	PendingSince time.Time
	Since        time.Time
}

type debouncer struct {
	window time.Duration
	states map[string]*DebouncedState
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{window: window, states: make(map[string]*DebouncedState)}
}

// apply folds one observation into the state for name and reports whether
// the committed status changed. The first observation commits immediately;
// later changes must persist for the whole window.
func (d *debouncer) apply(name string, observed Status, now time.Time) bool {
	st, ok := d.states[name]
	if !ok {
		d.states[name] = &DebouncedState{Stable: observed, Since: now}
		return true
	}
	if observed == st.Stable {
		st.Pending = ""
		st.PendingSince = time.Time{}
		return false
	}
	if st.Pending != observed {
		st.Pending = observed
		st.PendingSince = now
	}
	if now.Sub(st.PendingSince) < d.window {
		return false
	}
	st.Stable = observed
	st.Since = now
	st.Pending = ""
	st.PendingSince = time.Time{}
	return true
}

func (d *debouncer) stable(name string) (Status, bool) {
	st, ok := d.states[name]
	if !ok {
		return "", false
	}
	return st.Stable, true
}

func (d *debouncer) statuses() []Status {
	out := make([]Status, 0, len(d.states))
	for _, st := range d.states {
		out = append(out, st.Stable)
	}
	return out
}

func (d *debouncer) state(name string) (DebouncedState, bool) {
	st, ok := d.states[name]
	if !ok {
		return DebouncedState{}, false
	}
	return *st, true
}
