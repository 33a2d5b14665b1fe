package hbridge

import (
	"context"
)

// Handler is the application handler. It is always invoked on the bridge's handler loop, one call at a time, and
// describes how the request is answered by returning a [Result]. Returning an error results in a generic error
// response, its status is taken from a wrapped [*Error] when there is one.
type Handler interface {
	ServeBridge(ctx context.Context, r *Request) (Result, error)
}

// HandlerFunc allow casting a function to imple [Handler].
type HandlerFunc func(ctx context.Context, r *Request) (Result, error)

// ServeBridge implements the [Handler] interface.
func (f HandlerFunc) ServeBridge(ctx context.Context, r *Request) (Result, error) {
	return f(ctx, r)
}

// StreamFunc produces a chunked response. When it returns without ending the stream, the stream is ended for it.
type StreamFunc func(ctx context.Context, w *OutboundStream) error

// AsyncFunc computes a response off the handler loop.
type AsyncFunc func(ctx context.Context) (*Response, error)

// Result describes how the handler answers a request.
type Result interface{ isResult() }

type respondResult struct{ resp *Response }
type awaitResult struct{ fut *Future }
type asyncResult struct{ fn AsyncFunc }
type streamResult struct{ fn StreamFunc }

func (respondResult) isResult() {}
func (awaitResult) isResult()   {}
func (asyncResult) isResult()   {}
func (streamResult) isResult()  {}

// Respond answers with a response that is available right away.
func Respond(resp *Response) Result { return respondResult{resp} }

// Await answers with the response the future settles with. A rejected future is a handler failure.
func Await(f *Future) Result { return awaitResult{f} }

// Async answers with the response fn returns. fn runs on its own goroutine.
func Async(fn AsyncFunc) Result { return asyncResult{fn} }

// Stream answers with a chunked response written by fn. fn runs on its own goroutine.
func Stream(fn StreamFunc) Result { return streamResult{fn} }

type loopKey struct{}

// Post schedules fn on the handler loop that serves the request ctx belongs to, so application callbacks stay
// serialized with handler invocations. Without a loop fn runs right away. It reports false when the loop is gone.
func Post(ctx context.Context, fn func()) bool {
	if b, ok := ctx.Value(loopKey{}).(*Bridge); ok {
		return b.post(ctx, fn)
	}

	fn()

	return true
}
