package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
	"github.com/Mindburn-Labs/reflex/pkg/session"
)

// ErrorCategory classifies tool errors consistently.
type ErrorCategory string

const (
	ErrCatTransient  ErrorCategory = "TRANSIENT"
	ErrCatPermanent  ErrorCategory = "PERMANENT"
	ErrCatPermission ErrorCategory = "PERMISSION"
	ErrCatRateLimit  ErrorCategory = "RATE_LIMIT"
	ErrCatTimeout    ErrorCategory = "TIMEOUT"
	ErrCatValidation ErrorCategory = "VALIDATION"
	ErrCatNotFound   ErrorCategory = "NOT_FOUND"
	ErrCatInternal   ErrorCategory = "INTERNAL"
)

// ClassifiedError is a dispatch error with its taxonomy.
type ClassifiedError struct {
	Category  ErrorCategory `json:"category"`
	Code      string        `json:"code"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
	Tool      string        `json:"tool"`

	err error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.err }

// ToolResult is the structured record of one dispatched call.
type ToolResult struct {
	Tool       string           `json:"tool"`
	Success    bool             `json:"success"`
	Error      *ClassifiedError `json:"error,omitempty"`
	Duration   time.Duration    `json:"duration"`
	InputHash  string           `json:"input_hash"`
	OutputHash string           `json:"output_hash,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Outcome is the short form used in reflection tool call records.
func (r ToolResult) Outcome() string {
	if r.Success {
		return "ok"
	}
	if r.Error == nil {
		return "failed"
	}
	return strings.ToLower(string(r.Error.Category))
}

// ToolRunner wraps the host dispatcher with a per-call timeout, error
// classification and a per-turn result log. Governance dispatches approved
// calls through it.
type ToolRunner struct {
	next    session.Dispatcher
	timeout time.Duration
	clock   clock.Clock

	mu      sync.Mutex
	results []ToolResult
}

// NewToolRunner wraps next. A non-positive timeout disables the deadline.
func NewToolRunner(next session.Dispatcher, timeout time.Duration, c clock.Clock) *ToolRunner {
	return &ToolRunner{next: next, timeout: timeout, clock: clock.Or(c)}
}

// Execute implements session.Dispatcher.
func (w *ToolRunner) Execute(ctx context.Context, tool string, args map[string]any) (any, error) {
	if w.next == nil {
		return nil, &ClassifiedError{Category: ErrCatPermanent, Code: "NO_DISPATCHER", Message: "no dispatcher configured", Tool: tool}
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	start := w.clock.Now()
	out, err := w.next.Execute(ctx, tool, args)

	res := ToolResult{
		Tool:      tool,
		InputHash: hashOf(args),
		Duration:  w.clock.Now().Sub(start),
		Timestamp: start,
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	var cerr *ClassifiedError
	if err != nil {
		cerr = ClassifyError(tool, err)
		res.Error = cerr
	} else {
		res.Success = true
		res.OutputHash = hashOf(out)
	}

	w.mu.Lock()
	w.results = append(w.results, res)
	w.mu.Unlock()

	if cerr != nil {
		return nil, cerr
	}
	return out, nil
}

// Results returns the calls recorded since the last Drain.
func (w *ToolRunner) Results() []ToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ToolResult(nil), w.results...)
}

// Drain returns and clears the recorded calls.
func (w *ToolRunner) Drain() []ToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.results
	w.results = nil
	return out
}

// hashOf digests the JCS form of v, falling back to its %v rendering for
// values JSON cannot represent.
func hashOf(v any) string {
	var data []byte
	if raw, err := json.Marshal(v); err == nil {
		if canon, err := jcs.Transform(raw); err == nil {
			data = canon
		}
	}
	if data == nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ClassifyError maps a raw dispatch error to the taxonomy.
func ClassifyError(tool string, err error) *ClassifiedError {
	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	mk := func(cat ErrorCategory, code string, retry bool) *ClassifiedError {
		return &ClassifiedError{Category: cat, Code: code, Message: msg, Retryable: retry, Tool: tool, err: err}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timeout"):
		return mk(ErrCatTimeout, "TOOL_TIMEOUT", true)
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "throttl"):
		return mk(ErrCatRateLimit, "RATE_LIMITED", true)
	case strings.Contains(lower, "permission") || strings.Contains(lower, "forbidden") || strings.Contains(lower, "unauthorized"):
		return mk(ErrCatPermission, "AUTH_FAILURE", false)
	case strings.Contains(lower, "not found"):
		return mk(ErrCatNotFound, "NOT_FOUND", false)
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "validation"):
		return mk(ErrCatValidation, "VALIDATION", false)
	case errors.Is(err, context.Canceled) || strings.Contains(lower, "temporary") || strings.Contains(lower, "retry"):
		return mk(ErrCatTransient, "TRANSIENT", true)
	default:
		return mk(ErrCatInternal, "INTERNAL", false)
	}
}
