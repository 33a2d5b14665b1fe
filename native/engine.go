// Package native implements the bridge's engine contract on top of net/http. Every request is served by its own
// goroutine, all response operations for a request are executed on that goroutine.
package native

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/advdv/hbridge"
	"github.com/advdv/hbridge/wsconn"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultInlineBodyLimit is the largest declared request body that is read before the request event is sent.
const DefaultInlineBodyLimit = 64 * 1024

var (
	// ErrClosed is returned by operations on an engine that was closed.
	ErrClosed = errors.New("engine is closed")
	// ErrUnknownRequest is returned when an operation targets a request the engine is no longer serving.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrAborted is the reason used when the client went away before the response was complete.
	ErrAborted = errors.New("request aborted by client")
)

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logs = l } }

// WithStats sets the stats that bytes and connections are counted into.
func WithStats(s *hbridge.Stats) Option { return func(e *Engine) { e.stats = s } }

// WithInlineBodyLimit sets the largest declared body that is delivered inline with the request event.
func WithInlineBodyLimit(n int64) Option { return func(e *Engine) { e.inlineLimit = n } }

// WithWebSockets upgrades requests for which the registry has a handler.
func WithWebSockets(reg *wsconn.Registry) Option { return func(e *Engine) { e.ws = reg } }

// WithUpgrader replaces the default websocket upgrader.
func WithUpgrader(u websocket.Upgrader) Option { return func(e *Engine) { e.upgrader = u } }

// Engine is an [http.Handler] that turns requests into [hbridge.InboundEvent]s and writes the responses the bridge
// hands back.
type Engine struct {
	logs        *zap.Logger
	stats       *hbridge.Stats
	inlineLimit int64
	ws          *wsconn.Registry
	upgrader    websocket.Upgrader

	events  chan hbridge.InboundEvent
	closing chan struct{}
	senders sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	exchanges map[hbridge.RequestID]*exchange
}

// New inits the engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		inlineLimit: DefaultInlineBodyLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		events:    make(chan hbridge.InboundEvent),
		closing:   make(chan struct{}),
		exchanges: map[hbridge.RequestID]*exchange{},
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logs == nil {
		e.logs = zap.NewNop()
	}

	if e.stats == nil {
		e.stats = hbridge.NewStats()
	}

	e.logs = e.logs.Named("native")

	return e
}

// Events implements [hbridge.Engine].
func (e *Engine) Events() <-chan hbridge.InboundEvent { return e.events }

// ConnState counts active connections, install it as the server's ConnState hook.
func (e *Engine) ConnState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		e.stats.ConnectionOpened()
	case http.StateHijacked, http.StateClosed:
		e.stats.ConnectionClosed()
	case http.StateActive, http.StateIdle:
	}
}

// Close stops accepting requests and closes the event channel. Requests that are still being served are not
// affected, the bridge finalizes them when it stops.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.closing)
	e.senders.Wait()
	close(e.events)

	return nil
}

// ServeHTTP implements [http.Handler].
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.ws != nil && websocket.IsWebSocketUpgrade(r) {
		if _, ok := e.ws.Match(r.URL.Path); ok {
			e.serveWebSocket(w, r)
			return
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	e.senders.Add(1)
	e.mu.Unlock()

	ev, err := e.event(r)
	if err != nil {
		e.senders.Done()
		e.logs.Info("failed to read request body", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	x := &exchange{w: w, r: r, ops: make(chan func()), done: make(chan struct{})}
	if ev.Streamed {
		// the response may be written while the body is still being pulled
		if err := http.NewResponseController(w).EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			e.logs.Debug("full duplex unavailable", zap.Error(err))
		}
	}

	e.mu.Lock()
	e.exchanges[ev.ID] = x
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.exchanges, ev.ID)
		e.mu.Unlock()

		x.finish()
	}()

	select {
	case e.events <- ev:
		e.senders.Done()
	case <-e.closing:
		e.senders.Done()
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		e.senders.Done()
		return
	}

	x.serve(r.Context())
}

var bodyBufs = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func (e *Engine) event(r *http.Request) (hbridge.InboundEvent, error) {
	ev := hbridge.InboundEvent{
		ID:            hbridge.RequestID(uuid.NewString()),
		Method:        r.Method,
		Path:          r.URL.Path,
		RawQuery:      r.URL.RawQuery,
		Headers:       hbridge.HeaderListFrom(r.Header),
		RemoteAddr:    r.RemoteAddr,
		ContentLength: r.ContentLength,
	}

	if r.Host != "" {
		ev.Headers = ev.Headers.With("Host", r.Host)
	}

	switch {
	case r.ContentLength == 0 || r.Body == nil || r.Body == http.NoBody:
		ev.ContentLength = 0
	case r.ContentLength > 0 && r.ContentLength <= e.inlineLimit:
		buf := bodyBufs.Get().(*bytes.Buffer) //nolint:forcetypeassert
		defer func() {
			buf.Reset()
			bodyBufs.Put(buf)
		}()

		if _, err := io.Copy(buf, io.LimitReader(r.Body, r.ContentLength)); err != nil {
			return ev, errors.Wrap(err, "read body")
		}

		ev.Body = hbridge.CopyForHandoff(buf.Bytes())
		if ev.Body == nil {
			ev.Body = []byte{}
		}
	default:
		ev.Streamed = true
	}

	return ev, nil
}

// exchange is the engine's state for one request that is being served.
type exchange struct {
	w    http.ResponseWriter
	r    *http.Request
	ops  chan func()
	done chan struct{}

	began   bool
	aborted bool
	closed  bool

	mu       sync.Mutex
	finished bool
	reading  bool
	pending  chan bodyRead
	readers  sync.WaitGroup
}

type bodyRead struct {
	chunk []byte
	err   error
}

// read returns the in-flight body read, starting one if there is none. Reads run outside of the operation loop so
// a client that stalls mid-body never holds up the response.
func (x *exchange) read(max int) (chan bodyRead, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.finished {
		return nil, ErrAborted
	}

	if x.pending != nil {
		return x.pending, nil
	}

	ch := make(chan bodyRead, 1)
	x.pending, x.reading = ch, true
	x.readers.Add(1)

	go func() {
		defer x.readers.Done()

		buf := make([]byte, max)
		n, err := io.ReadAtLeast(x.r.Body, buf, 1)

		x.mu.Lock()
		x.reading = false
		x.mu.Unlock()

		ch <- bodyRead{chunk: buf[:n], err: err}
	}()

	return ch, nil
}

func (x *exchange) consumed(ch chan bodyRead) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.pending == ch {
		x.pending = nil
	}
}

// finish interrupts a body read that is still in flight and waits for it, the body must not be touched once the
// handler returned.
func (x *exchange) finish() {
	x.mu.Lock()
	x.finished = true
	reading := x.reading
	x.mu.Unlock()

	if !reading {
		return
	}

	if err := http.NewResponseController(x.w).SetReadDeadline(time.Now()); err != nil {
		return
	}

	x.readers.Wait()
}

// serve executes the response operations for the request until it is complete or the client went away.
func (x *exchange) serve(ctx context.Context) {
	defer close(x.done)

	for !x.closed {
		select {
		case op := <-x.ops:
			op()
		case <-ctx.Done():
			return
		}
	}

	if x.aborted {
		panic(http.ErrAbortHandler)
	}
}

func (e *Engine) exec(id hbridge.RequestID, fn func(x *exchange) error) error {
	e.mu.Lock()
	x, ok := e.exchanges[id]
	e.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownRequest, "request %q", id)
	}

	res := make(chan error, 1)
	select {
	case x.ops <- func() { res <- fn(x) }:
		return <-res
	case <-x.done:
		return errors.Wrapf(ErrAborted, "request %q", id)
	}
}

// ReadBodyChunk implements [hbridge.Engine]. A read that is abandoned because ctx is done stays in flight, its
// chunk is returned by the next call.
func (e *Engine) ReadBodyChunk(ctx context.Context, id hbridge.RequestID, max int) ([]byte, error) {
	e.mu.Lock()
	x, ok := e.exchanges[id]
	e.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRequest, "request %q", id)
	}

	if err := ctx.Err(); err != nil {
		return nil, err //nolint:wrapcheck
	}

	pending, err := x.read(max)
	if err != nil {
		return nil, errors.Wrapf(err, "request %q", id)
	}

	select {
	case res := <-pending:
		x.consumed(pending)
		if len(res.chunk) > 0 {
			return res.chunk, nil
		}

		return nil, res.err
	case <-ctx.Done():
		return nil, ctx.Err() //nolint:wrapcheck
	case <-x.done:
		return nil, errors.Wrapf(ErrAborted, "request %q", id)
	}
}

// SendResponse implements [hbridge.Engine].
func (e *Engine) SendResponse(id hbridge.RequestID, status int, header http.Header, body []byte) error {
	return e.exec(id, func(x *exchange) error {
		if x.began {
			return errors.New("response already began")
		}

		copyHeader(x.w.Header(), header)
		if x.w.Header().Get("Content-Type") == "" && len(body) > 0 {
			x.w.Header().Set("Content-Type", http.DetectContentType(body))
		}

		allowed := bodyAllowed(x.r.Method, status)
		if allowed {
			x.w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		}

		x.began, x.closed = true, true
		x.w.WriteHeader(status)
		if !allowed || len(body) == 0 {
			return nil
		}

		_, err := x.w.Write(body)

		return errors.Wrap(err, "write body")
	})
}

// BeginResponse implements [hbridge.Engine].
func (e *Engine) BeginResponse(id hbridge.RequestID, status int, header http.Header) error {
	return e.exec(id, func(x *exchange) error {
		if x.began {
			return errors.New("response already began")
		}

		copyHeader(x.w.Header(), header)
		x.began = true
		x.w.WriteHeader(status)

		return flush(x.w)
	})
}

// WriteChunk implements [hbridge.Engine]. The chunk is flushed to the client before it returns.
func (e *Engine) WriteChunk(ctx context.Context, id hbridge.RequestID, chunk []byte) error {
	return e.exec(id, func(x *exchange) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !x.began {
			return errors.New("chunk before begin")
		}

		if _, err := x.w.Write(chunk); err != nil {
			return errors.Wrap(err, "write chunk")
		}

		return flush(x.w)
	})
}

// EndResponse implements [hbridge.Engine].
func (e *Engine) EndResponse(id hbridge.RequestID) error {
	return e.exec(id, func(x *exchange) error {
		if !x.began {
			return errors.New("end before begin")
		}

		x.closed = true

		return nil
	})
}

// AbortResponse implements [hbridge.Engine]. The connection is torn down.
func (e *Engine) AbortResponse(id hbridge.RequestID, reason error) {
	if err := e.exec(id, func(x *exchange) error {
		x.aborted, x.closed = true, true
		return nil
	}); err != nil {
		e.logs.Debug("abort of finished request", zap.String("request_id", string(id)), zap.Error(err))
		return
	}

	e.logs.Info("response aborted", zap.String("request_id", string(id)), zap.Error(reason))
}

var _ hbridge.Engine = &Engine{}

func bodyAllowed(method string, status int) bool {
	switch {
	case method == http.MethodHead:
		return false
	case status < 200, status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	default:
		return true
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
}

func flush(w http.ResponseWriter) error {
	if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return errors.Wrap(err, "flush")
	}

	return nil
}
