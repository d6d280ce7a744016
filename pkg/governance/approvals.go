package governance

import (
	"errors"
	"slices"
	"sync"
	"time"
)

var ErrNotPending = errors.New("governance: packet is not pending")

// Verdict is an approval channel signal.
type Verdict struct {
	Approve  bool
	Approver string
	// Via names the channel: "voice", "token", "api" or "stop_word".
	Via string
}

type waiter struct {
	packet ActionPacket
	ch     chan Verdict
	opened time.Time
}

// Broker holds the approval inboxes of pending packets. Each packet has a
// one-slot channel; the first verdict wins.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*waiter
	order   []string
}

func NewBroker() *Broker {
	return &Broker{pending: make(map[string]*waiter)}
}

func (b *Broker) open(p ActionPacket, at time.Time) <-chan Verdict {
	w := &waiter{packet: p, ch: make(chan Verdict, 1), opened: at}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[p.ID] = w
	b.order = append(b.order, p.ID)
	return w.ch
}

func (b *Broker) close(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(id)
}

// remove must be called with mu held.
func (b *Broker) remove(id string) {
	delete(b.pending, id)
	if i := slices.Index(b.order, id); i >= 0 {
		b.order = slices.Delete(b.order, i, i+1)
	}
}

// Resolve delivers v to the packet waiting under id.
func (b *Broker) Resolve(id string, v Verdict) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.pending[id]
	if !ok {
		return ErrNotPending
	}
	b.remove(id)
	w.ch <- v
	return nil
}

// DenyAll resolves every pending packet as denied and returns their IDs.
func (b *Broker) DenyAll(via string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := slices.Clone(b.order)
	for _, id := range ids {
		w := b.pending[id]
		w.ch <- Verdict{Approve: false, Via: via}
	}
	b.pending = make(map[string]*waiter)
	b.order = nil
	return ids
}

// Pending returns the waiting packets, oldest first.
func (b *Broker) Pending() []ActionPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ActionPacket, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.pending[id].packet)
	}
	return out
}

// Newest returns the most recently opened pending packet.
func (b *Broker) Newest() (ActionPacket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.order) == 0 {
		return ActionPacket{}, false
	}
	return b.pending[b.order[len(b.order)-1]].packet, true
}

func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// PhraseDecision is how a spoken reply reads as an approval.
type PhraseDecision int

const (
	PhraseNone PhraseDecision = iota
	PhraseApprove
	PhraseDeny
	// PhraseInsufficient is a plain "yes" to a call that needs an explicit
	// confirmation.
	PhraseInsufficient
)

// StatefulConfirmation must be spoken to approve a stateful call.
const StatefulConfirmation = "yes do it now"

var (
	approveWords = []string{"yes", "y", "approve", "approved", "ok", "okay", "sure", "go ahead"}
	denyWords    = []string{"no", "n", "deny", "cancel", "don t", "dont", "never mind"}
)

// ParsePhrase reads an utterance as an approval for a call of tier.
func ParsePhrase(text string, tier Tier) PhraseDecision {
	n := normalizeUtterance(text)
	if n == "" {
		return PhraseNone
	}
	if slices.Contains(denyWords, n) || hasPrefixWord(n, denyWords) {
		return PhraseDeny
	}
	if tier == TierStateful {
		if n == StatefulConfirmation || hasPrefixPhrase(n, StatefulConfirmation) {
			return PhraseApprove
		}
		if slices.Contains(approveWords, n) || hasPrefixWord(n, approveWords) {
			return PhraseInsufficient
		}
		return PhraseNone
	}
	if slices.Contains(approveWords, n) || hasPrefixWord(n, approveWords) {
		return PhraseApprove
	}
	return PhraseNone
}

func hasPrefixWord(n string, words []string) bool {
	for _, w := range words {
		if hasPrefixPhrase(n, w) {
			return true
		}
	}
	return false
}

func hasPrefixPhrase(n, p string) bool {
	return len(n) > len(p) && n[:len(p)] == p && n[len(p)] == ' '
}
