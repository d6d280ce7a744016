// Package orchestration tracks where the agent is in a conversational turn.
package orchestration

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

var ErrInvalidTransition = errors.New("orchestration: invalid phase transition")

// Phase is one step of the turn lifecycle.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSense   Phase = "sense"
	PhasePlan    Phase = "plan"
	PhaseAct     Phase = "act"
	PhaseReflect Phase = "reflect"
)

// Transition records one phase change.
type Transition struct {
	From  Phase     `json:"from"`
	To    Phase     `json:"to"`
	Cause string    `json:"cause"`
	At    time.Time `json:"at"`
}

func (t Transition) String() string {
	return fmt.Sprintf("%s→%s (%s)", t.From, t.To, t.Cause)
}

// Observer is called after every transition, outside the machine lock.
type Observer func(Transition)

const historySize = 32

var legal = map[Phase][]Phase{
	PhaseIdle:    {PhaseSense},
	PhaseSense:   {PhasePlan},
	PhasePlan:    {PhaseAct, PhaseReflect},
	PhaseAct:     {PhaseReflect},
	PhaseReflect: {PhaseIdle, PhaseSense},
}

// Machine is the phase state machine driven by session hooks:
// Sense on input, Plan on response start, Act on a tool call, Complete on
// response done, Settle when reflection finishes.
type Machine struct {
	mu        sync.Mutex
	phase     Phase
	since     time.Time
	toolCalls int
	history   []Transition
	next      int
	observers []Observer
	clock     clock.Clock
	log       *slog.Logger
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option { return func(m *Machine) { m.clock = clock.Or(c) } }

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.log = l } }

func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// New returns a machine in PhaseIdle.
func New(opts ...Option) *Machine {
	m := &Machine{
		phase: PhaseIdle,
		clock: clock.Wall{},
		log:   slog.Default().With("component", "orchestration"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.since = m.clock.Now()
	return m
}

// Observe registers o for subsequent transitions.
func (m *Machine) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Sense starts a turn when user input arrives.
func (m *Machine) Sense(cause string) error { return m.move(cause, PhaseSense) }

// Plan marks that the session started composing a response.
func (m *Machine) Plan(cause string) error { return m.move(cause, PhasePlan) }

// Act marks a tool call. Repeated tool calls in act stay in act.
func (m *Machine) Act(cause string) error {
	m.mu.Lock()
	if m.phase == PhaseAct {
		m.toolCalls++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.move(cause, PhaseAct)
}

// ToolCalled registers a tool call made while planning, so Complete routes
// through act.
func (m *Machine) ToolCalled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls++
}

// Complete ends the response and enters reflect. A plan that registered
// tool calls passes through act first.
func (m *Machine) Complete(cause string) error {
	m.mu.Lock()
	throughAct := m.phase == PhasePlan && m.toolCalls > 0
	m.mu.Unlock()
	if throughAct {
		if err := m.move("tool_call", PhaseAct); err != nil {
			return err
		}
	}
	return m.move(cause, PhaseReflect)
}

// Settle returns to idle once reflection is done.
func (m *Machine) Settle(cause string) error { return m.move(cause, PhaseIdle) }

func (m *Machine) move(cause string, to Phase) error {
	m.mu.Lock()
	from := m.phase
	ok := false
	for _, p := range legal[from] {
		if p == to {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s→%s", ErrInvalidTransition, from, to)
	}
	now := m.clock.Now()
	tr := Transition{From: from, To: to, Cause: cause, At: now}
	m.phase = to
	m.since = now
	switch to {
	case PhaseAct:
		m.toolCalls++
	case PhaseSense, PhaseIdle:
		m.toolCalls = 0
	}
	m.push(tr)
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	m.log.Debug("phase transition", "from", from, "to", to, "cause", cause)
	for _, o := range observers {
		o(tr)
	}
	return nil
}

// push must be called with mu held.
func (m *Machine) push(tr Transition) {
	if len(m.history) < historySize {
		m.history = append(m.history, tr)
		return
	}
	m.history[m.next] = tr
	m.next = (m.next + 1) % historySize
}

// Current returns the phase and when it was entered.
func (m *Machine) Current() (Phase, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase, m.since
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	p, _ := m.Current()
	return p
}

// ToolCalls is the number of tool calls in the current turn.
func (m *Machine) ToolCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toolCalls
}

// History returns up to the last n transitions, oldest first. n <= 0
// returns all retained transitions.
func (m *Machine) History(n int) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	ordered := make([]Transition, 0, len(m.history))
	if len(m.history) < historySize {
		ordered = append(ordered, m.history...)
	} else {
		ordered = append(ordered, m.history[m.next:]...)
		ordered = append(ordered, m.history[:m.next]...)
	}
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
