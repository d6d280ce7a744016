package session

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Console is a Session that writes deliveries to a writer. It backs the CLI
// run loop and serves as a session double in tests.
type Console struct {
	mu         sync.Mutex
	out        io.Writer
	ready      bool
	state      State
	responding bool
	quota      Quota
	delivered  []Message
	requests   int
	failNext   error
}

// NewConsole creates a ready, idle console session.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, ready: true, state: StateIdle}
}

func (c *Console) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Console) Deliver(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		return err
	}
	c.delivered = append(c.delivered, msg)
	if c.out != nil {
		mode := "context"
		if !msg.Passive {
			mode = "input"
		}
		_, _ = fmt.Fprintf(c.out, "<< %s %s\n", mode, msg.Text)
	}
	return nil
}

func (c *Console) RequestResponse(_ context.Context) (Quota, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quota.Exhausted() {
		return c.quota, ErrRefused
	}
	c.requests++
	if c.out != nil {
		_, _ = fmt.Fprintln(c.out, ">> response requested")
	}
	return c.quota, nil
}

func (c *Console) InteractionState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Console) ResponseInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responding
}

func (c *Console) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

func (c *Console) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Console) SetResponding(r bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responding = r
}

func (c *Console) SetQuota(q Quota) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quota = q
}

// FailNextDelivery makes the next Deliver return err.
func (c *Console) FailNextDelivery(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

// Delivered returns a copy of every delivered message.
func (c *Console) Delivered() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.delivered))
	copy(out, c.delivered)
	return out
}

// Requests returns how many response requests were accepted.
func (c *Console) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}
