package events

import (
	"context"
	"sync"
)

// Capture is an in-memory Publisher used in tests and when no event stream is
// configured. It records every event and can be told to fail.
type Capture struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewCapture returns an empty Capture.
func NewCapture() *Capture {
	return &Capture{}
}

// Publish records the event, or returns the configured error.
func (c *Capture) Publish(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

// Events returns a snapshot of everything published so far.
func (c *Capture) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// FailWith makes subsequent Publish calls return err. Pass nil to recover.
func (c *Capture) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Reset discards recorded events.
func (c *Capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
