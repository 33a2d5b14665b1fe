package nodecompat

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/advdv/hbridge"
	"github.com/cockroachdb/errors"
)

// IncomingMessage is the request side of the listener API. Its body is delivered through data and end events on the
// handler loop. Registering a data listener or calling Resume starts the flow, Pause suspends it.
type IncomingMessage struct {
	Method     string
	URL        string
	RemoteAddr string

	req *hbridge.Request

	mu      sync.Mutex
	flowing bool
	paused  bool
	wake    chan struct{}
	onData  []func([]byte)
	onEnd   []func()
	onError []func(error)
}

func newIncomingMessage(req *hbridge.Request) *IncomingMessage {
	return &IncomingMessage{
		Method:     req.Method(),
		URL:        req.URL(),
		RemoteAddr: req.RemoteAddr(),
		req:        req,
		wake:       make(chan struct{}, 1),
	}
}

// Request returns the underlying bridge request.
func (m *IncomingMessage) Request() *hbridge.Request { return m.req }

// Headers returns the headers keyed by lower-case name. Duplicate values are joined with ", ", except for
// set-cookie whose values are joined with "; ".
func (m *IncomingMessage) Headers() map[string]string {
	out := map[string]string{}
	for _, f := range m.req.Headers() {
		name := strings.ToLower(f.Name)
		prev, ok := out[name]
		switch {
		case !ok:
			out[name] = f.Value
		case name == "set-cookie":
			out[name] = prev + "; " + f.Value
		default:
			out[name] = prev + ", " + f.Value
		}
	}

	return out
}

// RawHeaders returns the headers as alternating names and values, in the order they were received.
func (m *IncomingMessage) RawHeaders() []string {
	hdrs := m.req.Headers()
	out := make([]string, 0, len(hdrs)*2)
	for _, f := range hdrs {
		out = append(out, f.Name, f.Value)
	}

	return out
}

// OnData registers a listener for body chunks and starts the flow of data.
func (m *IncomingMessage) OnData(fn func(chunk []byte)) {
	m.mu.Lock()
	m.onData = append(m.onData, fn)
	m.flowing = true
	m.mu.Unlock()
	m.notify()
}

// OnEnd registers a listener for the end of the body.
func (m *IncomingMessage) OnEnd(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onEnd = append(m.onEnd, fn)
}

// OnError registers a listener for errors while reading the body.
func (m *IncomingMessage) OnError(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onError = append(m.onError, fn)
}

// Pause stops pulling body chunks. A chunk that was already pulled is held until Resume.
func (m *IncomingMessage) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = true
}

// Resume continues, or starts, the flow of data.
func (m *IncomingMessage) Resume() {
	m.mu.Lock()
	m.paused, m.flowing = false, true
	m.mu.Unlock()
	m.notify()
}

// IsPaused reports whether Pause was called without a subsequent Resume.
func (m *IncomingMessage) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.paused
}

// ReadAll collects the whole body and calls fn with it on the handler loop.
func (m *IncomingMessage) ReadAll(fn func(body []byte, err error)) {
	var buf bytes.Buffer
	m.OnData(func(chunk []byte) { buf.Write(chunk) })
	m.OnEnd(func() { fn(buf.Bytes(), nil) })
	m.OnError(func(err error) { fn(nil, err) })
}

func (m *IncomingMessage) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// waitFlowing blocks until data may be delivered.
func (m *IncomingMessage) waitFlowing(ctx context.Context) error {
	for {
		m.mu.Lock()
		ok := m.flowing && !m.paused
		m.mu.Unlock()

		if ok {
			return nil
		}

		select {
		case <-m.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pump delivers the body as events until it is exhausted or ctx is done. Every event is handled on the handler loop
// before the next chunk is pulled. A listener that panics is reported to fail.
func (m *IncomingMessage) pump(ctx context.Context, fail func(error)) {
	next := m.source()

	for {
		if err := m.waitFlowing(ctx); err != nil {
			return
		}

		chunk, err := next(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, io.EOF):
			if err := m.emit(ctx, func() {
				for _, fn := range m.listeners().end {
					fn()
				}
			}); err != nil {
				fail(err)
			}

			return
		case err != nil:
			if err := m.emit(ctx, func() {
				for _, fn := range m.listeners().err {
					fn(err)
				}
			}); err != nil {
				fail(err)
			}

			return
		}

		if err := m.waitFlowing(ctx); err != nil {
			return
		}

		if err := m.emit(ctx, func() {
			for _, fn := range m.listeners().data {
				fn(chunk)
			}
		}); err != nil {
			fail(err)
			return
		}
	}
}

// source returns the function that pulls the next chunk of the body.
func (m *IncomingMessage) source() func(context.Context) ([]byte, error) {
	if in, ok := m.req.Body().(*hbridge.InboundStream); ok {
		return in.NextChunk
	}

	body := hbridge.BodyBytes(m.req.Body())

	return func(context.Context) ([]byte, error) {
		if len(body) == 0 {
			return nil, io.EOF
		}

		chunk := body
		body = nil

		return chunk, nil
	}
}

type listeners struct {
	data []func([]byte)
	end  []func()
	err  []func(error)
}

func (m *IncomingMessage) listeners() listeners {
	m.mu.Lock()
	defer m.mu.Unlock()

	return listeners{
		data: append([]func([]byte){}, m.onData...),
		end:  append([]func(){}, m.onEnd...),
		err:  append([]func(error){}, m.onError...),
	}
}

// emit runs fn on the handler loop and waits for it to return.
func (m *IncomingMessage) emit(ctx context.Context, fn func()) error {
	done := make(chan error, 1)
	if !hbridge.Post(ctx, func() { done <- recoverCall(fn) }) {
		return nil
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

func recoverCall(fn func()) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.Wrapf(hbridge.ErrHandlerFailure, "listener panic: %v", e)
		}
	}()

	fn()

	return nil
}
