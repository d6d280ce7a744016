// Package audit implements an append-only, hash-chained record of
// governance decisions. Payloads are canonicalized (RFC 8785) before hashing
// so equal decisions hash equally regardless of field order.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

var (
	ErrEntryNotFound = errors.New("audit: entry not found")
	ErrChainBroken   = errors.New("audit: hash chain is broken")
)

const genesis = "genesis"

// EntryType categorizes audit entries.
type EntryType string

const (
	EntryDecision  EntryType = "decision"
	EntryExecution EntryType = "execution"
	EntryOverride  EntryType = "override"
	EntryAutonomy  EntryType = "autonomy"
)

// Entry is one immutable audit record.
type Entry struct {
	ID           string          `json:"id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         EntryType       `json:"type"`
	Subject      string          `json:"subject"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// Handler observes appended entries.
type Handler func(e Entry)

// Log is the append-only chain.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	byID     map[string]int
	head     string
	handlers []Handler
	out      io.Writer
	clock    clock.Clock
}

// Option configures a Log.
type Option func(*Log)

func WithClock(c clock.Clock) Option { return func(l *Log) { l.clock = clock.Or(c) } }

// WithWriter mirrors each entry to w as one JSON line.
func WithWriter(w io.Writer) Option { return func(l *Log) { l.out = w } }

func NewLog(opts ...Option) *Log {
	l := &Log{byID: make(map[string]int), head: genesis, clock: clock.Wall{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append canonicalizes payload and links a new entry onto the chain.
func (l *Log) Append(_ context.Context, t EntryType, subject, action string, payload any) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal payload: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: canonicalize payload: %w", err)
	}

	l.mu.Lock()
	e := Entry{
		ID:           uuid.NewString(),
		Sequence:     uint64(len(l.entries)) + 1,
		Timestamp:    l.clock.Now().UTC(),
		Type:         t,
		Subject:      subject,
		Action:       action,
		Payload:      canon,
		PayloadHash:  digest(canon),
		PreviousHash: l.head,
	}
	e.Hash, err = entryHash(e)
	if err != nil {
		l.mu.Unlock()
		return Entry{}, err
	}
	l.entries = append(l.entries, e)
	l.byID[e.ID] = len(l.entries) - 1
	l.head = e.Hash
	handlers := l.handlers
	out := l.out
	if out != nil {
		line, _ := json.Marshal(e)
		_, _ = out.Write(append(line, '\n'))
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
	return e, nil
}

// Record satisfies the governance audit sink.
func (l *Log) Record(ctx context.Context, t, subject, action string, payload any) error {
	_, err := l.Append(ctx, EntryType(t), subject, action, payload)
	return err
}

// Get retrieves an entry by ID.
func (l *Log) Get(id string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return l.entries[i], nil
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// AddHandler registers h for subsequent appends.
func (l *Log) AddHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Filter selects entries in Query. Zero fields match everything.
type Filter struct {
	Type    EntryType
	Subject string
	Since   time.Time
	Limit   int
}

// Query returns matching entries in append order.
func (l *Log) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Subject != "" && e.Subject != f.Subject {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Verify walks the chain and recomputes every hash.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verify(l.entries)
}

func verify(entries []Entry) error {
	prev := genesis
	for i, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s", ErrChainBroken, i, e.PreviousHash, prev)
		}
		if digest(e.Payload) != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		h, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i, err)
		}
		if h != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		prev = e.Hash
	}
	return nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func entryHash(e Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		Type         EntryType `json:"type"`
		Subject      string    `json:"subject"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.Type, e.Subject, e.Action, e.PayloadHash, e.PreviousHash}
	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	return digest(canon), nil
}
