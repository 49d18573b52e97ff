package mcp

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const sweepInterval = 100 * time.Millisecond

// callOutcome is the single resolution of one pending request.
type callOutcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id       uint64
	method   string
	issuedAt time.Time
	deadline time.Time

	// done is buffered so the resolver never blocks on the waiter.
	done chan callOutcome
}

// correlator owns the pending-request table of one Conn. Resolution is
// first-writer-wins: whichever of response, timeout sweep, or disconnect
// removes the entry from the table delivers the outcome; later attempts for
// the same id find nothing and are no-ops.
type correlator struct {
	server string

	mu      sync.Mutex
	pending map[uint64]*pendingCall

	stopOnce sync.Once
	stop     chan struct{}
}

func newCorrelator(server string) *correlator {
	c := &correlator{
		server:  server,
		pending: make(map[uint64]*pendingCall),
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *correlator) register(id uint64, method string, deadline time.Time) *pendingCall {
	p := &pendingCall{
		id:       id,
		method:   method,
		issuedAt: time.Now(),
		deadline: deadline,
		done:     make(chan callOutcome, 1),
	}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return p
}

// resolve delivers an outcome to the waiter for id. Returns false when no
// entry exists, which covers late responses after a timeout and duplicate
// responses; callers log those, they are not errors.
func (c *correlator) resolve(id uint64, outcome callOutcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- outcome
	return true
}

// failAll resolves every pending entry with err and empties the table. Used
// at disconnect so no request is ever left unresolved.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	orphans := make([]*pendingCall, 0, len(c.pending))
	for _, p := range c.pending {
		orphans = append(orphans, p)
	}
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	for _, p := range orphans {
		p.done <- callOutcome{err: err}
	}
}

func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *correlator) close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *correlator) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.expire(now)
		}
	}
}

func (c *correlator) expire(now time.Time) {
	c.mu.Lock()
	var expired []*pendingCall
	for id, p := range c.pending {
		if !p.deadline.IsZero() && now.After(p.deadline) {
			delete(c.pending, id)
			expired = append(expired, p)
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		slog.Warn("request timed out",
			"server", c.server,
			"method", p.method,
			"id", p.id,
			"waited", now.Sub(p.issuedAt).String(),
		)
		p.done <- callOutcome{err: &TimeoutError{Method: p.method, After: p.deadline.Sub(p.issuedAt)}}
	}
}
