package hbridge

import (
	"context"
	"net/http"
)

// Router decides which content source answers a request before the application handler sees it.
type Router interface {
	Route(ctx context.Context, r *Request) (Action, error)
}

// RouterFunc allow casting a function to imple [Router].
type RouterFunc func(ctx context.Context, r *Request) (Action, error)

// Route implements the [Router] interface.
func (f RouterFunc) Route(ctx context.Context, r *Request) (Action, error) {
	return f(ctx, r)
}

// Action is the outcome of routing: [Forward], [Serve] or [Reply].
type Action interface{ isAction() }

// Forward hands the (possibly rewritten) request to the application handler. Cleanup, if set, runs after the
// request was finalized.
type Forward struct {
	Request *Request
	Cleanup func()
}

// Serve answers the request with a standard library handler, for example a file server.
type Serve struct {
	Handler http.Handler
	Request *Request
}

// Reply answers the request with a fixed response.
type Reply struct {
	Response *Response
}

func (Forward) isAction() {}
func (Serve) isAction()   {}
func (Reply) isAction()   {}

type forwardAll struct{}

func (forwardAll) Route(_ context.Context, r *Request) (Action, error) {
	return Forward{Request: r}, nil
}

// ForwardAll is the router that sends every request to the application handler.
var ForwardAll Router = forwardAll{}
