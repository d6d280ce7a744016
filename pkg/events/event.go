// Package events defines the typed signals produced by sensors and ops, and
// the bounded priority Bus that carries them to the injector.
package events

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Source identifies the producer of an event.
type Source string

const (
	SourceVision  Source = "vision"
	SourceIMU     Source = "imu"
	SourceBattery Source = "battery"
	SourceOps     Source = "ops"
	SourceAlert   Source = "alert"
	SourceSpeech  Source = "speech"
	SourceSystem  Source = "system"
)

// Kind classifies what an event reports.
type Kind string

const (
	KindStatus    Kind = "status"
	KindAlert     Kind = "alert"
	KindHeartbeat Kind = "heartbeat"
	KindHealth    Kind = "health"
	KindGesture   Kind = "gesture"
	KindMotion    Kind = "motion"
	KindDetection Kind = "detection"
	KindBudget    Kind = "budget"
)

// Named priorities. Anything above PriorityLow bypasses the injector's
// global limits.
const (
	PriorityLow      = 0
	PriorityNormal   = 1
	PriorityHigh     = 2
	PriorityCritical = 3
)

// Well-known metadata keys.
const (
	MetaTrigger = "trigger"
	MetaTopic   = "topic"
)

// Field is one metadata entry.
type Field struct {
	Key   string
	Value string
}

// Metadata is an ordered key/value list. Set replaces in place so insertion
// order is kept.
type Metadata []Field

// Meta builds Metadata from alternating key/value strings.
func Meta(kv ...string) Metadata {
	m := make(Metadata, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m = m.Set(kv[i], kv[i+1])
	}
	return m
}

func (m Metadata) Get(key string) (string, bool) {
	for _, f := range m {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Set returns m with key set to value.
func (m Metadata) Set(key, value string) Metadata {
	for i := range m {
		if m[i].Key == key {
			m[i].Value = value
			return m
		}
	}
	return append(m, Field{Key: key, Value: value})
}

// Clone returns a copy safe to mutate.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	copy(out, m)
	return out
}

func (m Metadata) String() string {
	parts := make([]string, 0, len(m))
	for _, f := range m {
		parts = append(parts, f.Key+"="+f.Value)
	}
	return strings.Join(parts, " ")
}

// Event is a typed signal on the bus. It is read-only once published.
type Event struct {
	ID              string
	Source          Source
	Kind            Kind
	Metadata        Metadata
	Payload         Payload
	Priority        int
	TTL             time.Duration
	RequestResponse bool
	CreatedAt       time.Time

	// DedupeKey coalesces events: publishing a key already on the bus
	// replaces the older event.
	DedupeKey string

	// Requeues counts how many times the injector has put this event back.
	Requeues int
}

// Expired reports whether the TTL has elapsed at now. A zero TTL is always
// expired.
func (e Event) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Remaining returns the TTL left at now, never negative.
func (e Event) Remaining(now time.Time) time.Duration {
	return max(e.TTL-now.Sub(e.CreatedAt), 0)
}

// Triggers returns the trigger names the event answers to. Without an
// explicit trigger tag the event is keyed by "<source>.<kind>".
func (e Event) Triggers() []string {
	raw, ok := e.Metadata.Get(MetaTrigger)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{string(e.Source) + "." + string(e.Kind)}
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Topic is the subject a user might have asked about, used to match query
// context. Defaults to the source name.
func (e Event) Topic() string {
	if t, ok := e.Metadata.Get(MetaTopic); ok && t != "" {
		return t
	}
	return string(e.Source)
}

func (e Event) String() string {
	return fmt.Sprintf("%s/%s p=%d ttl=%s id=%s", e.Source, e.Kind, e.Priority, e.TTL, e.ID)
}
