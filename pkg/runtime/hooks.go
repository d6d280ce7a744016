package runtime

import (
	"context"
	"errors"
	"maps"

	"github.com/Mindburn-Labs/reflex/pkg/governance"
	"github.com/Mindburn-Labs/reflex/pkg/orchestration"
	"github.com/Mindburn-Labs/reflex/pkg/reflection"
	"github.com/Mindburn-Labs/reflex/pkg/sensors"
)

// DefaultLessons is how many recent reflections seed session instructions.
const DefaultLessons = 5

// turn is what the hooks have captured since the last user input.
type turn struct {
	userID    string
	sessionID string
	input     string
	calls     []reflection.ToolCall
}

// OnUserInput handles a user utterance: stop words and approval replies go
// to governance, topics are noted for the query bypass, and the turn
// machine enters sense. A stop word does not start a turn.
func (r *Runtime) OnUserInput(ctx context.Context, text string) governance.UtteranceOutcome {
	r.Queries.Observe(text)
	out := r.Governance.HandleUtterance(ctx, text)
	switch out.Interrupt {
	case governance.InterruptStop:
		r.log.InfoContext(ctx, "stop word heard", "word", out.Match, "denied", len(out.PacketIDs))
		return out
	case governance.InterruptApproved, governance.InterruptDenied:
		// A verbal verdict answers a pending call inside the current turn.
		return out
	}

	r.turnMu.Lock()
	r.turn.input = text
	r.turn.calls = nil
	r.turnMu.Unlock()
	r.Tools.Drain()

	if err := r.Machine.Sense("user_input"); err != nil {
		// Barge-in while a response is still open: the turn keeps running
		// and the new input is reflected on with it.
		r.log.DebugContext(ctx, "user input mid-turn", "phase", r.Machine.Phase())
	}
	return out
}

// OnResponseStart marks that the session began composing a reply.
func (r *Runtime) OnResponseStart(ctx context.Context) error {
	return r.advance(ctx, r.Machine.Plan, "response_started")
}

// OnToolCall routes a tool call requested by the session through
// governance. A refusal is returned as the error so the session can speak
// it; the turn records the outcome either way.
func (r *Runtime) OnToolCall(ctx context.Context, call governance.ToolCall) (governance.Result, error) {
	if r.Machine.Phase() == orchestration.PhasePlan || r.Machine.Phase() == orchestration.PhaseAct {
		_ = r.Machine.Act("tool_call")
	} else {
		r.Machine.ToolCalled()
	}

	res, err := r.Governance.Execute(ctx, call)
	outcome := "executed"
	var refusal *governance.Refusal
	switch {
	case errors.As(err, &refusal):
		outcome = string(refusal.State)
	case err != nil:
		outcome = "failed"
	case res.DryRun:
		outcome = "dry_run"
	}

	r.turnMu.Lock()
	r.turn.calls = append(r.turn.calls, reflection.ToolCall{
		Name:      call.Tool,
		Arguments: maps.Clone(call.Arguments),
		Outcome:   outcome,
	})
	r.turnMu.Unlock()
	return res, err
}

// OnResponseDone closes the turn and asks for a reflection. When the
// coordinator declines the request the machine settles straight away;
// otherwise it settles when the reflection finishes.
func (r *Runtime) OnResponseDone(ctx context.Context, reply string, metadata map[string]any) error {
	if err := r.advance(ctx, r.Machine.Complete, "response_done"); err != nil {
		return err
	}

	r.turnMu.Lock()
	rc := reflection.Context{
		UserInput:      r.turn.input,
		AssistantReply: reply,
		ToolCalls:      r.turn.calls,
		Metadata:       maps.Clone(metadata),
		UserID:         r.turn.userID,
		SessionID:      r.turn.sessionID,
	}
	r.turn.input = ""
	r.turn.calls = nil
	r.turnMu.Unlock()
	r.Tools.Drain()

	if !r.Reflection.Request(ctx, rc) {
		return r.Machine.Settle("reflection_skipped")
	}
	return nil
}

// OnBattery feeds a voltage sample to the battery monitor.
func (r *Runtime) OnBattery(ctx context.Context, voltage float64) sensors.Reading {
	reading, _ := r.Battery.Observe(ctx, voltage)
	return reading
}

// OnIMU feeds a fused IMU sample to the motion monitor.
func (r *Runtime) OnIMU(ctx context.Context, s sensors.Sample) int {
	return len(r.IMU.Observe(ctx, s))
}

// Instructions renders the lesson block that seeds a new session from the
// most recent reflections.
func (r *Runtime) Instructions(ctx context.Context) (string, error) {
	lessons, err := reflection.Lessons(ctx, r.Reflection.Store(), DefaultLessons)
	if err != nil {
		return "", err
	}
	r.turnMu.Lock()
	user, sess := r.turn.userID, r.turn.sessionID
	r.turnMu.Unlock()
	return reflection.InstructionBlock(user, sess, lessons), nil
}

func (r *Runtime) reflectionDone(rec reflection.Record, err error) {
	r.Telemetry.RecordReflection(context.Background(), err)
	if err != nil {
		r.log.Warn("reflection failed", "error", err)
	} else {
		r.log.Debug("reflection stored", "id", rec.ID, "lessons", len(rec.Lessons()))
	}
	if serr := r.Machine.Settle("reflection_done"); serr != nil {
		r.log.Debug("settle after reflection", "error", serr)
	}
}

func (r *Runtime) advance(ctx context.Context, step func(string) error, cause string) error {
	if err := step(cause); err != nil {
		r.log.DebugContext(ctx, "turn transition refused", "cause", cause, "phase", r.Machine.Phase(), "error", err)
		return err
	}
	return nil
}
