package session

import (
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

// DefaultQueryWindow is how long a user query keeps its topic "asked".
const DefaultQueryWindow = 45 * time.Second

// DefaultTopics maps topics to the words that indicate a user asked about them.
func DefaultTopics() map[string][]string {
	return map[string][]string{
		"battery": {"battery", "charge", "charging", "power level"},
		"health":  {"health", "status", "are you ok", "diagnostic"},
		"imu":     {"moving", "motion", "tilt", "shake", "pick"},
		"vision":  {"see", "look", "camera", "who is"},
	}
}

// QueryTracker remembers which topics the user recently asked about.
type QueryTracker struct {
	mu     sync.Mutex
	topics map[string][]string
	asked  map[string]time.Time
	window time.Duration
	clock  clock.Clock
}

// NewQueryTracker creates a tracker. A nil topics map uses DefaultTopics.
func NewQueryTracker(topics map[string][]string, window time.Duration, c clock.Clock) *QueryTracker {
	if topics == nil {
		topics = DefaultTopics()
	}
	if window <= 0 {
		window = DefaultQueryWindow
	}
	return &QueryTracker{
		topics: topics,
		asked:  make(map[string]time.Time),
		window: window,
		clock:  clock.Or(c),
	}
}

// Observe scans a user utterance and records every topic it mentions. It
// returns the matched topics.
func (q *QueryTracker) Observe(text string) []string {
	lower := strings.ToLower(text)
	var matched []string
	for topic, words := range q.topics {
		for _, w := range words {
			if strings.Contains(lower, w) {
				matched = append(matched, topic)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}
	now := q.clock.Now()
	q.mu.Lock()
	for _, t := range matched {
		q.asked[t] = now
	}
	q.mu.Unlock()
	return matched
}

// Mark records topic as asked now.
func (q *QueryTracker) Mark(topic string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.asked[topic] = q.clock.Now()
}

// Recent reports whether topic was asked inside the window.
func (q *QueryTracker) Recent(topic string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.asked[topic]
	return ok && q.clock.Now().Sub(at) <= q.window
}
