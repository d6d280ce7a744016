// Package reflection produces short post-turn analyses off the critical
// path and keeps them for seeding later sessions.
package reflection

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ClipLimit bounds every free-text field sent to a generator.
const ClipLimit = 1200

// ToolCall is a tool invocation made during the turn and how it ended.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Outcome   string         `json:"outcome"`
}

// Context is what the runtime captured about the finished turn.
type Context struct {
	UserInput      string         `json:"user_input"`
	AssistantReply string         `json:"assistant_reply"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	Metadata       map[string]any `json:"response_metadata,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
}

// Trigger returns the response trigger recorded in the metadata.
func (c Context) Trigger() string {
	if v, ok := c.Metadata["trigger"].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// Reflection is the generated analysis.
type Reflection struct {
	Summary      string   `json:"summary"`
	Mistakes     []string `json:"mistakes"`
	Improvements []string `json:"improvements"`
	FollowUp     string   `json:"follow_up"`
	// Raw holds an unparseable generator response.
	Raw string `json:"raw,omitempty"`
}

// Record is one stored reflection.
type Record struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	UserID     string     `json:"user_id,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	Context    Context    `json:"context"`
	Reflection Reflection `json:"reflection"`
}

// Lessons are the improvements a record suggests.
func (r Record) Lessons() []string { return r.Reflection.Improvements }

// Clip shortens s to ClipLimit runes, marking the cut with an ellipsis.
// Empty input reads as "(none)".
func Clip(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(none)"
	}
	if utf8.RuneCountInString(s) <= ClipLimit {
		return s
	}
	return string([]rune(s)[:ClipLimit]) + "…"
}

// InstructionBlock renders lessons for inclusion in session instructions.
func InstructionBlock(userID, sessionID string, lessons []string) string {
	if userID == "" {
		userID = "Unknown"
	}
	if sessionID == "" {
		sessionID = "Unknown"
	}
	var b strings.Builder
	b.WriteString("Reflection context:\n")
	fmt.Fprintf(&b, "- user_id: %s\n", userID)
	fmt.Fprintf(&b, "- session_id: %s\n", sessionID)
	b.WriteString("- recent_lessons:\n")
	if len(lessons) == 0 {
		b.WriteString("None\n")
	}
	for _, l := range lessons {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	b.WriteString("Use these lessons to improve guidance and avoid repeat mistakes.")
	return b.String()
}
