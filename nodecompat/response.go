package nodecompat

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/advdv/hbridge"
	"github.com/cockroachdb/errors"
)

type opKind int

const (
	opHead opKind = iota
	opWrite
	opEnd
	opRespond
	opFail
)

// op is one queued operation on the outbound stream.
type op struct {
	kind   opKind
	status int
	header http.Header
	data   []byte
	resp   *hbridge.Response
	err    error
}

// ServerResponse is the response side of the listener API. Headers can be changed until they are sent, which happens
// on WriteHead, on the first Write or when the response ends.
type ServerResponse struct {
	mu          sync.Mutex
	statusCode  int
	header      http.Header
	headersSent bool
	finished    bool
	queue       []op
	ready       chan struct{}
	onFinish    []func()
}

func newServerResponse() *ServerResponse {
	return &ServerResponse{
		statusCode: http.StatusOK,
		header:     http.Header{},
		ready:      make(chan struct{}, 1),
	}
}

// StatusCode returns the status that is or will be sent.
func (w *ServerResponse) StatusCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.statusCode
}

// SetStatusCode sets the status to send.
func (w *ServerResponse) SetStatusCode(code int) error {
	if code < 100 || code > 599 {
		return errors.Newf("status code %d out of range", code)
	}

	return w.mutate(func() { w.statusCode = code })
}

// SetHeader replaces the values of a header.
func (w *ServerResponse) SetHeader(name string, values ...string) error {
	return w.mutate(func() { w.header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...) })
}

// RemoveHeader removes a header.
func (w *ServerResponse) RemoveHeader(name string) error {
	return w.mutate(func() { w.header.Del(name) })
}

// GetHeader returns the first value of a header.
func (w *ServerResponse) GetHeader(name string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.header.Get(name)
}

// HasHeader reports whether a header was set.
func (w *ServerResponse) HasHeader(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.header[http.CanonicalHeaderKey(name)]

	return ok
}

// HeadersSent reports whether the headers can no longer be changed.
func (w *ServerResponse) HeadersSent() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.headersSent
}

// Finished reports whether End was called.
func (w *ServerResponse) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.finished
}

// OnFinish registers fn to run on the handler loop once the response was handed to the engine.
func (w *ServerResponse) OnFinish(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.onFinish = append(w.onFinish, fn)
}

func (w *ServerResponse) mutate(fn func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.finished:
		return hbridge.ErrWriteAfterEnd
	case w.headersSent:
		return hbridge.ErrHeadersAlreadySent
	}

	fn()

	return nil
}

// WriteHead sends the status and headers. The given header is merged into the headers set so far.
func (w *ServerResponse) WriteHead(status int, header http.Header) error {
	if status < 100 || status > 599 {
		return errors.Newf("status code %d out of range", status)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.finished:
		return hbridge.ErrWriteAfterEnd
	case w.headersSent:
		return hbridge.ErrHeadersAlreadySent
	}

	w.statusCode = status
	for k, vs := range header {
		w.header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}

	w.sendHeadLocked()

	return nil
}

func (w *ServerResponse) sendHeadLocked() {
	w.headersSent = true
	w.pushLocked(op{kind: opHead, status: w.statusCode, header: w.header.Clone()})
}

func (w *ServerResponse) pushLocked(o op) {
	w.queue = append(w.queue, o)
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// Write sends a body chunk, sending the headers first if needed. The chunk is copied.
func (w *ServerResponse) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return hbridge.ErrWriteAfterEnd
	}

	if !w.headersSent {
		w.sendHeadLocked()
	}

	if len(p) > 0 {
		w.pushLocked(op{kind: opWrite, data: hbridge.CopyForHandoff(p)})
	}

	return nil
}

// WriteString sends a text chunk.
func (w *ServerResponse) WriteString(s string) error {
	return w.Write([]byte(s))
}

// End finishes the response, with an optional last chunk. When nothing was sent yet the response is delivered in
// one piece with a Content-Length.
func (w *ServerResponse) End(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return hbridge.ErrWriteAfterEnd
	}

	w.finished = true
	if w.headersSent {
		if len(p) > 0 {
			w.pushLocked(op{kind: opWrite, data: hbridge.CopyForHandoff(p)})
		}

		w.pushLocked(op{kind: opEnd})

		return nil
	}

	w.headersSent = true
	w.pushLocked(op{kind: opRespond, resp: w.responseLocked(hbridge.Text(p))})

	return nil
}

// EndBinary finishes the response with buf as the complete body in a single engine call. The headers must not have
// been sent. buf is copied before EndBinary returns.
func (w *ServerResponse) EndBinary(buf []byte) error {
	owned := hbridge.CopyForHandoff(buf)
	if owned == nil {
		owned = []byte{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.finished:
		return hbridge.ErrWriteAfterEnd
	case w.headersSent:
		return hbridge.ErrHeadersAlreadySent
	}

	w.finished, w.headersSent = true, true
	w.pushLocked(op{kind: opRespond, resp: w.responseLocked(hbridge.Binary(owned))})

	return nil
}

func (w *ServerResponse) responseLocked(body hbridge.Body) *hbridge.Response {
	header := w.header.Clone()
	if bodyAllowed(w.statusCode) {
		header.Set("Content-Length", strconv.Itoa(len(hbridge.BodyBytes(body))))
	}

	return &hbridge.Response{Status: w.statusCode, Header: header, Body: body}
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// fail finishes the response with a failure, used when a listener panics.
func (w *ServerResponse) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.finished = true
	w.pushLocked(op{kind: opFail, err: err})
}

// next waits for queued operations.
func (w *ServerResponse) next(ctx context.Context) ([]op, error) {
	for {
		w.mu.Lock()
		ops := w.queue
		w.queue = nil
		w.mu.Unlock()

		if len(ops) > 0 {
			return ops, nil
		}

		select {
		case <-w.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// drain applies queued operations to out until the response ended.
func (w *ServerResponse) drain(ctx context.Context, out *hbridge.OutboundStream) error {
	for {
		ops, err := w.next(ctx)
		if err != nil {
			return err
		}

		for _, o := range ops {
			switch o.kind {
			case opHead:
				if err := commitHead(ctx, out, o.status, o.header); err != nil {
					return err
				}
			case opWrite:
				if err := out.WriteChunk(ctx, o.data); err != nil {
					return err
				}
			case opEnd:
				return out.End()
			case opRespond:
				return out.Respond(o.resp)
			case opFail:
				return o.err
			}
		}
	}
}

// commitHead sends status and header to the engine without body data.
func commitHead(ctx context.Context, out *hbridge.OutboundStream, status int, header http.Header) error {
	if err := out.SetStatus(status); err != nil {
		return err
	}

	for name, values := range header {
		for _, v := range values {
			if err := out.AddHeader(name, v); err != nil {
				return err
			}
		}
	}

	return out.WriteChunk(ctx, nil)
}

func (w *ServerResponse) finishListeners() []func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]func(){}, w.onFinish...)
}
