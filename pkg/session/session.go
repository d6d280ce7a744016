// Package session defines the capabilities the core consumes from the
// conversational session: readiness, delivery, response requests and tool
// dispatch.
package session

import (
	"context"
	"errors"
	"time"
)

// State is the conversational interaction state reported by the session.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
)

// AcceptsResponse reports whether a new response may be requested in s.
func (s State) AcceptsResponse() bool {
	return s == StateIdle || s == StateListening
}

// ErrRefused is returned by RequestResponse when the session declines.
var ErrRefused = errors.New("session: response request refused")

// Message is one injected conversational input.
type Message struct {
	EventID string
	Source  string
	Kind    string
	Text    string

	// Passive marks context delivered without a response request.
	Passive bool
}

// Quota is the remaining request/response allowance reported by the
// upstream provider. Unknown quotas never suppress. ResetAfter is how long
// after the report the provider replenishes it; zero means unreported.
type Quota struct {
	Known      bool
	Requests   int
	Responses  int
	ResetAfter time.Duration
}

// Exhausted reports whether the quota forbids another response.
func (q Quota) Exhausted() bool {
	return q.Known && (q.Requests <= 0 || q.Responses <= 0)
}

// Session is the live conversation the injector delivers into.
type Session interface {
	Ready() bool
	Deliver(ctx context.Context, msg Message) error
	RequestResponse(ctx context.Context) (Quota, error)
	InteractionState() State
	ResponseInProgress() bool
}

// Dispatcher executes an approved tool call.
type Dispatcher interface {
	Execute(ctx context.Context, tool string, args map[string]any) (any, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, tool string, args map[string]any) (any, error)

func (f DispatcherFunc) Execute(ctx context.Context, tool string, args map[string]any) (any, error) {
	return f(ctx, tool, args)
}
