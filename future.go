package hbridge

import (
	"context"
	"sync"
)

// Future is a response that becomes available later. It settles once, later calls to Resolve or Reject are ignored.
type Future struct {
	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

// NewFuture inits an unsettled future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future with a response.
func (f *Future) Resolve(resp *Response) bool {
	return f.settle(resp, nil)
}

// Reject settles the future with an error.
func (f *Future) Reject(err error) bool {
	return f.settle(nil, err)
}

func (f *Future) settle(resp *Response, err error) (ok bool) {
	f.once.Do(func() {
		f.resp, f.err, ok = resp, err, true
		close(f.done)
	})

	return ok
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
