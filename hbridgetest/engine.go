// Package hbridgetest provides an in-memory engine for testing code built on hbridge.
//
// Example:
//
//	eng := hbridgetest.NewEngine(t)
//	bridge := hbridge.NewBridge(eng, handler)
//	hbridgetest.Run(t, bridge)
//
//	rec := eng.Request(http.MethodGet, "/hello", `{"Accept": "text/plain"}`, nil).Wait(t)
//	require.Equal(t, http.StatusOK, rec.Status)
package hbridgetest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/advdv/hbridge"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// WaitTimeout bounds how long Recorded.Wait blocks.
var WaitTimeout = 5 * time.Second

// Engine is an in-memory [hbridge.Engine]. Responses are recorded per request.
type Engine struct {
	tb     testing.TB
	events chan hbridge.InboundEvent

	mu    sync.Mutex
	feeds map[hbridge.RequestID]*Feed
	recs  map[hbridge.RequestID]*Recorded
}

// NewEngine inits the engine.
func NewEngine(tb testing.TB) *Engine {
	return &Engine{
		tb:     tb,
		events: make(chan hbridge.InboundEvent, 64),
		feeds:  map[hbridge.RequestID]*Feed{},
		recs:   map[hbridge.RequestID]*Recorded{},
	}
}

// Run runs the bridge until the test ends, then stops it.
func Run(tb testing.TB, b *hbridge.Bridge) {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()

	tb.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), WaitTimeout)
		defer stopCancel()

		require.NoError(tb, b.Stop(stopCtx))
		cancel()
		<-done
	})
}

func (e *Engine) Events() <-chan hbridge.InboundEvent { return e.events }

// Send registers the event and pushes it to the bridge.
func (e *Engine) Send(ev hbridge.InboundEvent) *Recorded {
	rec := &Recorded{ID: ev.ID, done: make(chan struct{})}

	e.mu.Lock()
	e.recs[ev.ID] = rec
	e.mu.Unlock()

	e.events <- ev

	return rec
}

// Request sends a request with a fully delivered body through the native callback contract.
func (e *Engine) Request(method, target, headerBlob string, body []byte) *Recorded {
	ev, err := hbridge.NewInboundEvent(hbridge.RequestID(uuid.NewString()), method, target, headerBlob, body)
	require.NoError(e.tb, err)

	return e.Send(ev)
}

// StreamRequest sends a request whose body is pulled from the returned feed.
func (e *Engine) StreamRequest(method, path string, headers hbridge.HeaderList, length int64) (*Recorded, *Feed) {
	id := hbridge.RequestID(uuid.NewString())
	feed := &Feed{ch: make(chan []byte, 1024)}

	e.mu.Lock()
	e.feeds[id] = feed
	e.mu.Unlock()

	return e.Send(hbridge.InboundEvent{
		ID:            id,
		Method:        method,
		Path:          path,
		Headers:       headers,
		Streamed:      true,
		ContentLength: length,
	}), feed
}

// StreamBody sends a request whose body is delivered in the given chunks.
func (e *Engine) StreamBody(method, path string, headers hbridge.HeaderList, chunks ...[]byte) *Recorded {
	var n int64
	for _, c := range chunks {
		n += int64(len(c))
	}

	rec, feed := e.StreamRequest(method, path, headers, n)
	for _, c := range chunks {
		feed.Push(c)
	}
	feed.Close()

	return rec
}

func (e *Engine) ReadBodyChunk(ctx context.Context, id hbridge.RequestID, max int) ([]byte, error) {
	e.mu.Lock()
	feed, ok := e.feeds[id]
	e.mu.Unlock()
	if !ok {
		return nil, io.EOF
	}

	return feed.next(ctx, max)
}

func (e *Engine) rec(id hbridge.RequestID) (*Recorded, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.recs[id]
	if !ok {
		return nil, errors.Newf("unknown request %q", id)
	}

	return rec, nil
}

func (e *Engine) SendResponse(id hbridge.RequestID, status int, header http.Header, body []byte) error {
	rec, err := e.rec(id)
	if err != nil {
		return err
	}

	return rec.record(func() error {
		rec.Status, rec.Header, rec.Atomic = status, header.Clone(), true
		rec.Body.Write(body)
		rec.complete()
		return nil
	})
}

func (e *Engine) BeginResponse(id hbridge.RequestID, status int, header http.Header) error {
	rec, err := e.rec(id)
	if err != nil {
		return err
	}

	return rec.record(func() error {
		if rec.Began {
			return errors.New("response already began")
		}

		rec.Status, rec.Header, rec.Began = status, header.Clone(), true
		return nil
	})
}

func (e *Engine) WriteChunk(_ context.Context, id hbridge.RequestID, chunk []byte) error {
	rec, err := e.rec(id)
	if err != nil {
		return err
	}

	return rec.record(func() error {
		if !rec.Began {
			return errors.New("chunk before begin")
		}

		rec.Chunks = append(rec.Chunks, chunk)
		rec.Body.Write(chunk)
		return nil
	})
}

func (e *Engine) EndResponse(id hbridge.RequestID) error {
	rec, err := e.rec(id)
	if err != nil {
		return err
	}

	return rec.record(func() error {
		if !rec.Began {
			return errors.New("end before begin")
		}

		rec.Ended = true
		rec.complete()
		return nil
	})
}

func (e *Engine) AbortResponse(id hbridge.RequestID, reason error) {
	rec, err := e.rec(id)
	if err != nil {
		return
	}

	_ = rec.record(func() error {
		rec.Aborted = reason
		rec.complete()
		return nil
	})
}

var _ hbridge.Engine = &Engine{}

// Recorded is what the engine received for one request.
type Recorded struct {
	ID hbridge.RequestID

	mu       sync.Mutex
	done     chan struct{}
	finished bool

	Status  int
	Header  http.Header
	Body    bytes.Buffer
	Chunks  [][]byte
	Atomic  bool
	Began   bool
	Ended   bool
	Aborted error
	Calls   int
}

func (r *Recorded) record(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Calls++
	if r.finished {
		return errors.New("response already complete")
	}

	return fn()
}

func (r *Recorded) complete() {
	r.finished = true
	close(r.done)
}

// Done is closed once the response is complete.
func (r *Recorded) Done() <-chan struct{} { return r.done }

// Wait blocks until the response is complete and fails the test after [WaitTimeout].
func (r *Recorded) Wait(tb testing.TB) *Recorded {
	tb.Helper()

	select {
	case <-r.done:
	case <-time.After(WaitTimeout):
		tb.Fatalf("response for %s did not complete", r.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r
}

// Feed delivers a streamed request body.
type Feed struct {
	ch     chan []byte
	closed bool
	rest   []byte
}

// Push queues a chunk. It is copied, empty chunks are ignored.
func (f *Feed) Push(p []byte) {
	if len(p) > 0 {
		f.ch <- hbridge.CopyForHandoff(p)
	}
}

// Close marks the end of the body.
func (f *Feed) Close() {
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

func (f *Feed) next(ctx context.Context, max int) ([]byte, error) {
	if len(f.rest) == 0 {
		select {
		case p, ok := <-f.ch:
			if !ok {
				return nil, io.EOF
			}
			f.rest = p
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n := min(max, len(f.rest))
	chunk := f.rest[:n]
	f.rest = f.rest[n:]

	return chunk, nil
}
