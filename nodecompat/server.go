// Package nodecompat offers a callback style request listener on top of the bridge. The listener receives an
// IncomingMessage and a ServerResponse and may answer synchronously or from later callbacks, every callback runs on
// the handler loop.
package nodecompat

import (
	"context"
	"sync"

	"github.com/advdv/hbridge"
)

// Listener handles one request. It is called on the handler loop and must not block.
type Listener func(req *IncomingMessage, res *ServerResponse)

// Server adapts a Listener to a bridge handler.
type Server struct {
	listener Listener
}

// CreateServer returns a bridge handler that calls listener for every request.
func CreateServer(listener Listener) *Server {
	return &Server{listener: listener}
}

// ServeBridge implements hbridge.Handler.
func (s *Server) ServeBridge(_ context.Context, req *hbridge.Request) (hbridge.Result, error) {
	msg := newIncomingMessage(req)
	res := newServerResponse()

	s.listener(msg, res)

	return hbridge.Stream(func(ctx context.Context, out *hbridge.OutboundStream) error {
		pumpCtx, cancel := context.WithCancel(ctx)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg.pump(pumpCtx, res.fail)
		}()

		err := res.drain(ctx, out)
		cancel()
		wg.Wait()

		if err == nil {
			s.finish(ctx, res)
		}

		return err
	}), nil
}

// finish runs the finish listeners on the handler loop.
func (s *Server) finish(ctx context.Context, res *ServerResponse) {
	fns := res.finishListeners()
	if len(fns) == 0 {
		return
	}

	hbridge.Post(context.WithoutCancel(ctx), func() {
		for _, fn := range fns {
			if err := recoverCall(fn); err != nil {
				return
			}
		}
	})
}
