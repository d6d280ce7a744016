package governance

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

// Level is the coarse autonomy dial.
type Level string

const (
	// LevelObserveOnly refuses every tool that is not read-only.
	LevelObserveOnly Level = "observe_only"
	// LevelAssist applies the tier policies with ad-hoc windows only.
	LevelAssist Level = "assist"
	// LevelActWithBounds additionally honours the scheduled windows.
	LevelActWithBounds Level = "act_with_bounds"
)

// Window origins.
const (
	OriginAdHoc     = "adhoc"
	OriginScheduled = "scheduled"
)

// AutonomyWindow lets its tiers run without per-call approval until it ends.
type AutonomyWindow struct {
	ID       string        `json:"id"`
	Tiers    []Tier        `json:"tiers"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Origin   string        `json:"origin"`
}

func (w AutonomyWindow) End() time.Time { return w.Start.Add(w.Duration) }

// Covers reports whether w grants tier at now.
func (w AutonomyWindow) Covers(tier Tier, now time.Time) bool {
	if now.Before(w.Start) || !now.Before(w.End()) {
		return false
	}
	return slices.Contains(w.Tiers, tier)
}

// ScheduledWindow repeats daily. Start is "HH:MM" in the Windows location;
// a window may run past midnight.
type ScheduledWindow struct {
	Start    string        `yaml:"start"`
	Duration time.Duration `yaml:"duration"`
	Tiers    []Tier        `yaml:"tiers"`
}

func (s ScheduledWindow) clock() (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s.Start, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("governance: scheduled window start %q: %w", s.Start, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("governance: scheduled window start %q out of range", s.Start)
	}
	return h, m, nil
}

// Validate checks the start time and duration.
func (s ScheduledWindow) Validate() error {
	if _, _, err := s.clock(); err != nil {
		return err
	}
	if s.Duration <= 0 || s.Duration > 24*time.Hour {
		return fmt.Errorf("governance: scheduled window duration %s out of range", s.Duration)
	}
	return nil
}

// instance returns the occurrence of s that contains now, if any.
func (s ScheduledWindow) instance(now time.Time, loc *time.Location) (AutonomyWindow, bool) {
	h, m, err := s.clock()
	if err != nil {
		return AutonomyWindow{}, false
	}
	local := now.In(loc)
	for _, dayOffset := range []int{0, -1} {
		d := local.AddDate(0, 0, dayOffset)
		start := time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc)
		w := AutonomyWindow{
			ID:       fmt.Sprintf("scheduled-%s-%s", s.Start, start.Format("20060102")),
			Tiers:    s.Tiers,
			Start:    start,
			Duration: s.Duration,
			Origin:   OriginScheduled,
		}
		if !now.Before(w.Start) && now.Before(w.End()) {
			return w, true
		}
	}
	return AutonomyWindow{}, false
}

// Windows tracks ad-hoc grants and scheduled windows.
type Windows struct {
	mu        sync.Mutex
	adhoc     []AutonomyWindow
	scheduled []ScheduledWindow
	useSched  bool
	loc       *time.Location
	revokedAt time.Time
	clock     clock.Clock
}

// NewWindows creates a window set. A nil location means UTC.
func NewWindows(scheduled []ScheduledWindow, loc *time.Location, c clock.Clock) *Windows {
	if loc == nil {
		loc = time.UTC
	}
	return &Windows{scheduled: scheduled, loc: loc, clock: clock.Or(c)}
}

// SetScheduledEnabled toggles whether scheduled windows grant anything.
func (w *Windows) SetScheduledEnabled(on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.useSched = on
}

// Grant opens an ad-hoc window starting now.
func (w *Windows) Grant(tiers []Tier, d time.Duration) AutonomyWindow {
	win := AutonomyWindow{
		ID:       uuid.NewString(),
		Tiers:    slices.Clone(tiers),
		Start:    w.clock.Now(),
		Duration: d,
		Origin:   OriginAdHoc,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.adhoc = append(w.adhoc, win)
	return win
}

// Covering returns an active window granting tier at now.
func (w *Windows) Covering(tier Tier) (AutonomyWindow, bool) {
	now := w.clock.Now()
	for _, win := range w.Active() {
		if win.Covers(tier, now) {
			return win, true
		}
	}
	return AutonomyWindow{}, false
}

// Active returns every window live at the current time.
func (w *Windows) Active() []AutonomyWindow {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	live := w.adhoc[:0]
	for _, win := range w.adhoc {
		if now.Before(win.End()) {
			live = append(live, win)
		}
	}
	w.adhoc = live

	out := slices.Clone(live)
	if w.useSched {
		for _, s := range w.scheduled {
			inst, ok := s.instance(now, w.loc)
			// an occurrence that began before a revoke stays revoked
			if ok && inst.Start.After(w.revokedAt) {
				out = append(out, inst)
			}
		}
	}
	return out
}

// RevokeAll invalidates every active window and returns how many there were.
func (w *Windows) RevokeAll() int {
	n := len(w.Active())
	w.mu.Lock()
	defer w.mu.Unlock()
	w.adhoc = nil
	w.revokedAt = w.clock.Now()
	return n
}
