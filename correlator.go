package hbridge

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Sink receives the outcome of a pending request. It is called exactly once, either with a response or with the
// error that caused the request to be failed.
type Sink func(resp *Response, err error)

// PendingSlot tracks one outstanding request until it is finalized.
type PendingSlot struct {
	id        RequestID
	sink      Sink
	once      sync.Once
	done      chan struct{}
	finalized atomic.Bool

	resp *Response
	err  error
}

func (s *PendingSlot) ID() RequestID { return s.id }

// Done is closed after the slot has been finalized and its sink has returned.
func (s *PendingSlot) Done() <-chan struct{} { return s.done }

// Finalized reports whether the slot was resolved or failed.
func (s *PendingSlot) Finalized() bool { return s.finalized.Load() }

// Response returns the response the slot was resolved with, only valid after Done is closed.
func (s *PendingSlot) Response() *Response { return s.resp }

// Err returns the failure the slot was finalized with, only valid after Done is closed.
func (s *PendingSlot) Err() error { return s.err }

func (s *PendingSlot) fire(resp *Response, err error) (fired bool) {
	s.once.Do(func() {
		fired = true
		s.resp, s.err = resp, err
		s.finalized.Store(true)

		defer close(s.done)
		if s.sink != nil {
			s.sink(resp, err)
		}
	})

	return fired
}

// Correlator maps request ids to their pending slots. Every slot is finalized at most once, resolving a request
// that is already finalized is a logged no-op.
type Correlator struct {
	logs Logger

	mu     sync.Mutex
	slots  map[RequestID]*PendingSlot
	sealed error
}

// NewCorrelator inits a correlator.
func NewCorrelator(logs Logger) *Correlator {
	if logs == nil {
		logs = NopLogger()
	}

	return &Correlator{logs: logs, slots: map[RequestID]*PendingSlot{}}
}

// Begin creates the pending slot for id. It fails when a slot for the same id is outstanding, or when the
// correlator has been sealed.
func (c *Correlator) Begin(id RequestID, sink Sink) (*PendingSlot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed != nil {
		return nil, c.sealed
	}

	if _, ok := c.slots[id]; ok {
		return nil, errors.Wrapf(ErrDuplicateRequestID, "request %q", id)
	}

	slot := &PendingSlot{id: id, sink: sink, done: make(chan struct{})}
	c.slots[id] = slot

	return slot, nil
}

func (c *Correlator) take(id RequestID) (*PendingSlot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.slots[id]
	if ok {
		delete(c.slots, id)
	}

	return slot, ok
}

// Resolve finalizes the request with resp. It returns false, and logs, when the request was already finalized.
func (c *Correlator) Resolve(id RequestID, resp *Response) bool {
	slot, ok := c.take(id)
	if !ok || !slot.fire(resp, nil) {
		c.logs.LogRedundantResolve(id)
		return false
	}

	return true
}

// Fail finalizes the request with a failure. The sink turns it into a synthetic response.
func (c *Correlator) Fail(id RequestID, reason error) bool {
	slot, ok := c.take(id)
	if !ok || !slot.fire(nil, reason) {
		c.logs.LogRedundantResolve(id)
		return false
	}

	return true
}

// ForceFailAll fails every outstanding request with reason and returns how many were failed. When it returns every
// sink has been called.
func (c *Correlator) ForceFailAll(reason error) int {
	c.mu.Lock()
	slots := c.slots
	c.slots = map[RequestID]*PendingSlot{}
	c.mu.Unlock()

	var n int
	for _, slot := range slots {
		if slot.fire(nil, reason) {
			n++
		}
	}

	return n
}

// Seal makes every subsequent Begin fail with reason. Outstanding slots are left alone.
func (c *Correlator) Seal(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sealed = reason
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.slots)
}
