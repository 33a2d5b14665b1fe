package hbridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultBufferedBodyLimit is the largest declared body that is read into memory before the handler is invoked.
const DefaultBufferedBodyLimit = 1 << 20

// DefaultResponseBufferLimit is the amount of bytes a served [http.Handler] may write before its response is
// switched to chunked streaming.
const DefaultResponseBufferLimit = 1 << 20

// Option configures a [Bridge].
type Option func(*Bridge)

// WithRouter sets the router that is consulted before the application handler.
func WithRouter(r Router) Option { return func(b *Bridge) { b.router = r } }

// WithLogger sets the logger.
func WithLogger(l Logger) Option { return func(b *Bridge) { b.logs = l } }

// WithStats sets the stats the bridge reports to.
func WithStats(s *Stats) Option { return func(b *Bridge) { b.stats = s } }

// WithRequestTimeout fails requests that are not finalized within d with a 504. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) Option { return func(b *Bridge) { b.timeout = d } }

// WithBufferedBodyLimit sets the largest declared body that is read into memory as text. Negative disables it.
func WithBufferedBodyLimit(n int64) Option { return func(b *Bridge) { b.bodyLimit = n } }

// WithResponseBufferLimit sets the buffer limit for responses of served http handlers.
func WithResponseBufferLimit(n int) Option { return func(b *Bridge) { b.respBufLimit = n } }

// Bridge consumes request events from an [Engine], routes them and hands them to the application handler. The
// outcome of each request is correlated back to the engine by its request id.
type Bridge struct {
	engine       Engine
	handler      Handler
	router       Router
	logs         Logger
	stats        *Stats
	corr         *Correlator
	timeout      time.Duration
	bodyLimit    int64
	respBufLimit int

	ctx      context.Context
	cancel   context.CancelFunc
	loop     chan func()
	running  atomic.Bool
	stop     sync.Once
	mu       sync.Mutex
	stopping bool
	tasks    sync.WaitGroup
}

// NewBridge inits a bridge between engine and handler.
func NewBridge(engine Engine, handler Handler, opts ...Option) *Bridge {
	b := &Bridge{
		engine:       engine,
		handler:      handler,
		router:       ForwardAll,
		bodyLimit:    DefaultBufferedBodyLimit,
		respBufLimit: DefaultResponseBufferLimit,
		loop:         make(chan func()),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.logs == nil {
		b.logs = NopLogger()
	}

	if b.stats == nil {
		b.stats = NewStats()
	}

	b.corr = NewCorrelator(b.logs)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	return b
}

// Correlator returns the correlator that tracks outstanding requests.
func (b *Bridge) Correlator() *Correlator { return b.corr }

// Stats returns the bridge's counters.
func (b *Bridge) Stats() *Stats { return b.stats }

// Run consumes events until ctx is done, the bridge is stopped or the engine closes its event channel. The handler
// loop runs for as long as Run does.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("bridge is already running")
	}

	if !b.spawn(b.runLoop) {
		return nil
	}

	events := b.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			b.dispatch(ev)
		}
	}
}

// Stop cancels every task, fails all outstanding requests with a 503 and waits for the tasks to return. Requests
// are all finalized when Stop returns, ctx only bounds the wait for tasks.
func (b *Bridge) Stop(ctx context.Context) error {
	b.stop.Do(func() {
		b.mu.Lock()
		b.stopping = true
		b.mu.Unlock()

		b.corr.Seal(ErrServerStopped)
		b.cancel()
	})

	b.corr.ForceFailAll(ErrServerStopped)

	done := make(chan struct{})
	go func() {
		b.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for bridge tasks")
	}
}

func (b *Bridge) runLoop() {
	for {
		select {
		case fn := <-b.loop:
			fn()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) post(ctx context.Context, fn func()) bool {
	select {
	case b.loop <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-b.ctx.Done():
		return false
	}
}

// spawn runs fn as a task that Stop waits for. It reports false once the bridge is stopping.
func (b *Bridge) spawn(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopping {
		return false
	}

	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		fn()
	}()

	return true
}

// exchange is the bridge's state for one request.
type exchange struct {
	req    *Request
	in     *InboundStream
	out    *OutboundStream
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer

	mu       sync.Mutex
	state    exchangeState
	cleanups []func()
}

type exchangeState int

const (
	stateReceived exchangeState = iota
	stateRouted
	stateHandled
	stateStreaming
	stateFinalized
)

func (x *exchange) transition(to exchangeState) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.state == stateFinalized {
		return false
	}

	x.state = to

	return true
}

func (x *exchange) isFinalized() bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.state == stateFinalized
}

func (x *exchange) onFinalize(fn func()) {
	if fn == nil {
		return
	}

	x.mu.Lock()
	if x.state != stateFinalized {
		x.cleanups = append(x.cleanups, fn)
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()

	fn()
}

func (x *exchange) finalize() {
	x.mu.Lock()
	x.state = stateFinalized
	cleanups, timer := x.cleanups, x.timer
	x.cleanups = nil
	x.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	x.cancel()
	if x.in != nil {
		x.in.Discard()
	}

	for _, fn := range cleanups {
		fn()
	}
}

func (b *Bridge) dispatch(ev InboundEvent) {
	b.stats.RequestStarted()

	var body Body = NoBody
	var in *InboundStream
	switch {
	case ev.Streamed:
		in = NewInboundStream(ev.ID, b.engine, ev.ContentLength, b.stats)
		body = in
	case ev.Body != nil:
		b.stats.AddBytesReceived(len(ev.Body))
		body = Text(ev.Body)
	}

	req := NewRequest(ev.ID, ev.Method, ev.Path, ev.RawQuery, ev.Headers, body).WithRemoteAddr(ev.RemoteAddr)
	x := &exchange{req: req, in: in, out: NewOutboundStream(ev.ID, b.engine, b.corr, b.logs, b.stats)}
	x.ctx, x.cancel = context.WithCancel(context.WithValue(b.ctx, loopKey{}, b))

	if _, err := b.corr.Begin(ev.ID, func(resp *Response, err error) {
		if err != nil && !errors.Is(err, ErrNotFound) {
			b.stats.ErrorOccurred()
		}

		x.out.Deliver(resp, err)
		x.finalize()
	}); err != nil {
		x.cancel()
		b.stats.ErrorOccurred()
		b.logs.LogDeliveryError(ev.ID, err)

		if errors.Is(err, ErrServerStopped) {
			resp := failureResponse(err)
			if serr := b.engine.SendResponse(ev.ID, resp.Status, resp.Header, BodyBytes(resp.Body)); serr != nil {
				b.logs.LogDeliveryError(ev.ID, serr)
			}
		}

		return
	}

	if b.timeout > 0 {
		x.mu.Lock()
		if x.state != stateFinalized {
			x.timer = time.AfterFunc(b.timeout, func() {
				if !x.isFinalized() {
					b.corr.Fail(ev.ID, errors.Wrapf(ErrRequestTimeout, "after %s", b.timeout))
				}
			})
		}
		x.mu.Unlock()
	}

	b.spawn(func() { b.serve(x) })
}

func (b *Bridge) fail(x *exchange, err error) {
	if errors.Is(err, context.Canceled) && x.ctx.Err() != nil {
		return // finalized or stopped, nothing left to answer
	}

	if errors.Is(err, ErrNotFound) {
		x.out.Fail(err)
		return
	}

	b.logs.LogHandlerFailure(x.req.ID(), err)
	x.out.Fail(errors.Mark(err, ErrHandlerFailure))
}

func (b *Bridge) serve(x *exchange) {
	action, err := b.router.Route(x.ctx, x.req)
	if err != nil {
		b.fail(x, errors.Wrap(err, "route"))
		return
	}

	if !x.transition(stateRouted) {
		return
	}

	switch a := action.(type) {
	case Reply:
		x.transition(stateHandled)
		if err := x.out.Respond(a.Response); err != nil && !errors.Is(err, ErrWriteAfterEnd) {
			b.fail(x, err)
		}
	case Serve:
		x.transition(stateStreaming)
		b.serveHTTP(x, a)
	case Forward:
		x.onFinalize(a.Cleanup)
		req := a.Request
		if req == nil {
			req = x.req
		}

		req, err := b.materialize(x.ctx, req)
		if err != nil {
			b.fail(x, err)
			return
		}

		b.invoke(x, req)
	default:
		b.fail(x, errors.Newf("unsupported routing action %T", action))
	}
}

// materialize reads small streamed bodies of known length into memory so the handler receives them as text.
func (b *Bridge) materialize(ctx context.Context, req *Request) (*Request, error) {
	in, ok := req.Body().(*InboundStream)
	if !ok || b.bodyLimit < 0 || in.Length() < 0 || in.Length() > b.bodyLimit {
		return req, nil
	}

	data, err := in.ReadAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}

	return req.WithBody(Text(data)), nil
}

type outcome struct {
	res Result
	err error
}

func (b *Bridge) call(ctx context.Context, req *Request) (o outcome) {
	defer func() {
		if e := recover(); e != nil {
			o = outcome{err: errors.Wrapf(ErrHandlerFailure, "panic: %v", e)}
		}
	}()

	res, err := b.handler.ServeBridge(ctx, req)

	return outcome{res, err}
}

func (b *Bridge) invoke(x *exchange, req *Request) {
	ch := make(chan outcome, 1)
	if !b.post(x.ctx, func() { ch <- b.call(x.ctx, req) }) {
		return
	}

	var o outcome
	select {
	case o = <-ch:
	case <-x.ctx.Done():
		return
	}

	if o.err != nil {
		b.fail(x, o.err)
		return
	}

	switch r := o.res.(type) {
	case respondResult:
		x.transition(stateHandled)
		b.respond(x, r.resp)
	case awaitResult:
		x.transition(stateHandled)
		resp, err := r.fut.Wait(x.ctx)
		if err != nil {
			b.fail(x, errors.Wrap(err, "awaited response"))
			return
		}

		b.respond(x, resp)
	case asyncResult:
		x.transition(stateHandled)
		resp, err := b.runAsync(x.ctx, r.fn)
		if err != nil {
			b.fail(x, err)
			return
		}

		b.respond(x, resp)
	case streamResult:
		x.transition(stateStreaming)
		if err := b.runStream(x.ctx, x.out, r.fn); err != nil {
			b.fail(x, err)
			return
		}

		if !x.out.Ended() {
			if err := x.out.End(); err != nil && !errors.Is(err, ErrWriteAfterEnd) {
				b.fail(x, err)
			}
		}
	case nil:
		b.fail(x, errors.New("handler returned no result"))
	default:
		b.fail(x, errors.Newf("unsupported handler result %T", o.res))
	}
}

func (b *Bridge) respond(x *exchange, resp *Response) {
	err := x.out.Respond(resp)
	if err == nil || errors.Is(err, ErrWriteAfterEnd) {
		return
	}

	b.fail(x, err)
}

func (b *Bridge) runAsync(ctx context.Context, fn AsyncFunc) (resp *Response, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.Wrapf(ErrHandlerFailure, "panic: %v", e)
		}
	}()

	return fn(ctx)
}

func (b *Bridge) runStream(ctx context.Context, w *OutboundStream, fn StreamFunc) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.Wrapf(ErrHandlerFailure, "panic: %v", e)
		}
	}()

	return fn(ctx, w)
}

func (b *Bridge) serveHTTP(x *exchange, a Serve) {
	req := a.Request
	if req == nil {
		req = x.req
	}

	hreq, err := req.HTTPRequest(x.ctx)
	if err != nil {
		b.fail(x, errors.Wrap(err, "convert request"))
		return
	}

	w := NewResponseWriter(x.ctx, x.out, b.respBufLimit)
	defer w.Free()

	if err := serveStd(a.Handler, w, hreq); err != nil {
		b.fail(x, err)
		return
	}

	if err := w.Finish(); err != nil && !errors.Is(err, ErrWriteAfterEnd) {
		b.logs.LogImplicitFlushError(err)
		b.fail(x, err)
	}
}

func serveStd(h http.Handler, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.Wrapf(ErrHandlerFailure, "panic: %v", fmt.Sprint(e))
		}
	}()

	h.ServeHTTP(w, r)

	return nil
}
