package hbridge

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// InboundStream is a request body that is pulled from the engine chunk by chunk.
type InboundStream struct {
	id        RequestID
	engine    Engine
	length    int64
	chunkSize int
	stats     *Stats

	mu     sync.Mutex
	eof    bool
	closed atomic.Bool
}

// NewInboundStream inits a pull stream for the body of request id. Length is -1 when unknown.
func NewInboundStream(id RequestID, engine Engine, length int64, stats *Stats) *InboundStream {
	return &InboundStream{id: id, engine: engine, length: length, chunkSize: DefaultChunkSize, stats: stats}
}

func (*InboundStream) Kind() BodyKind { return BodyStream }
func (*InboundStream) isBody()        {}

// Length returns the declared body length or -1.
func (s *InboundStream) Length() int64 { return s.length }

// NextChunk returns the next chunk of the body in the order the engine received it. It returns io.EOF once the body
// is exhausted and ErrStreamClosed after the request was finalized.
func (s *InboundStream) NextChunk(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrStreamClosed
	}

	if s.eof {
		return nil, io.EOF
	}

	chunk, err := s.engine.ReadBodyChunk(ctx, s.id, s.chunkSize)
	if len(chunk) > 0 {
		chunk = CopyForHandoff(chunk)
		if s.stats != nil {
			s.stats.AddBytesReceived(len(chunk))
		}
	}

	switch {
	case errors.Is(err, io.EOF):
		s.eof = true
		if len(chunk) > 0 {
			return chunk, nil
		}

		return nil, io.EOF
	case err != nil:
		return nil, errors.Wrap(err, "read body chunk")
	case len(chunk) == 0:
		s.eof = true
		return nil, io.EOF
	}

	return chunk, nil
}

// ReadAll pulls the remaining body into memory.
func (s *InboundStream) ReadAll(ctx context.Context) ([]byte, error) {
	return io.ReadAll(s.Reader(ctx))
}

// Reader adapts the stream to an io.Reader.
func (s *InboundStream) Reader(ctx context.Context) io.Reader {
	return &streamReader{ctx: ctx, s: s}
}

// Discard stops the stream. Data the engine still holds is dropped with the request.
func (s *InboundStream) Discard() {
	s.closed.Store(true)
}

type streamReader struct {
	ctx  context.Context
	s    *InboundStream
	rest []byte
}

func (r *streamReader) Read(p []byte) (int, error) {
	if len(r.rest) == 0 {
		chunk, err := r.s.NextChunk(r.ctx)
		if err != nil {
			return 0, err
		}

		r.rest = chunk
	}

	n := copy(p, r.rest)
	r.rest = r.rest[n:]

	return n, nil
}

// OutboundStream is the response side of one request. Chunks are pushed to the engine in the order they are
// written, the stream is finalized through the correlator so it can race safely with timeouts and server stop.
type OutboundStream struct {
	id     RequestID
	engine Engine
	corr   *Correlator
	logs   Logger
	stats  *Stats

	mu          sync.Mutex
	status      int
	header      http.Header
	headersSent bool
	ending      bool
	ended       bool
}

// NewOutboundStream inits the response side of request id. Its finalize method must be installed as (part of) the
// sink of the request's pending slot.
func NewOutboundStream(id RequestID, engine Engine, corr *Correlator, logs Logger, stats *Stats) *OutboundStream {
	if logs == nil {
		logs = NopLogger()
	}

	return &OutboundStream{
		id:     id,
		engine: engine,
		corr:   corr,
		logs:   logs,
		stats:  stats,
		status: http.StatusOK,
		header: http.Header{},
	}
}

func (o *OutboundStream) ID() RequestID { return o.id }

// Header returns a copy of the headers set so far.
func (o *OutboundStream) Header() http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.header.Clone()
}

// Status returns the status that is or will be sent.
func (o *OutboundStream) Status() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.status
}

// HeadersSent reports whether the status and headers have been committed.
func (o *OutboundStream) HeadersSent() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.headersSent
}

// Ended reports whether the response was finalized.
func (o *OutboundStream) Ended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.ended || o.ending
}

func (o *OutboundStream) mutateHeader(fn func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.ended || o.ending:
		return ErrWriteAfterEnd
	case o.headersSent:
		return ErrHeadersAlreadySent
	}

	fn()

	return nil
}

func (o *OutboundStream) SetStatus(status int) error {
	if status < 100 || status > 599 {
		return errors.Newf("status code %d out of range", status)
	}

	return o.mutateHeader(func() { o.status = status })
}

func (o *OutboundStream) SetHeader(name, value string) error {
	return o.mutateHeader(func() { o.header.Set(name, value) })
}

func (o *OutboundStream) AddHeader(name, value string) error {
	return o.mutateHeader(func() { o.header.Add(name, value) })
}

func (o *OutboundStream) DelHeader(name string) error {
	return o.mutateHeader(func() { o.header.Del(name) })
}

// WriteChunk sends p as the next body chunk. The first chunk commits the headers. The chunk is copied before it is
// handed to the engine.
func (o *OutboundStream) WriteChunk(ctx context.Context, p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ended || o.ending {
		return ErrWriteAfterEnd
	}

	if err := o.commitLocked(); err != nil {
		return err
	}

	if len(p) == 0 {
		return nil
	}

	if err := o.engine.WriteChunk(ctx, o.id, CopyForHandoff(p)); err != nil {
		return errors.Wrap(err, "write chunk")
	}

	if o.stats != nil {
		o.stats.AddBytesSent(len(p))
	}

	return nil
}

func (o *OutboundStream) commitLocked() error {
	if o.headersSent {
		return nil
	}

	if err := o.engine.BeginResponse(o.id, o.status, o.header.Clone()); err != nil {
		return errors.Wrap(err, "begin response")
	}

	o.headersSent = true

	return nil
}

// End finalizes a chunked response. Headers are committed if nothing was written yet.
func (o *OutboundStream) End() error {
	o.mu.Lock()
	if o.ended || o.ending {
		o.mu.Unlock()
		return ErrWriteAfterEnd
	}
	o.ending = true
	o.mu.Unlock()

	if !o.corr.Resolve(o.id, nil) {
		return ErrWriteAfterEnd
	}

	return nil
}

// Finalize sets the status and headers and ends the response. Once a chunk was written only Finalize(0, nil) is
// allowed, anything else fails with [ErrHeadersAlreadySent] and leaves the response open.
func (o *OutboundStream) Finalize(status int, header http.Header) error {
	if status != 0 && (status < 100 || status > 599) {
		return errors.Newf("status code %d out of range", status)
	}

	err := o.mutateHeader(func() {
		if status > 0 {
			o.status = status
		}
		for k, vs := range header {
			o.header[k] = append([]string(nil), vs...)
		}
	})
	if errors.Is(err, ErrHeadersAlreadySent) && status == 0 && len(header) == 0 {
		err = nil
	}
	if err != nil {
		return err
	}

	return o.End()
}

// Respond finalizes the request with a complete response. It fails once a chunk has been written.
func (o *OutboundStream) Respond(resp *Response) error {
	if err := resp.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	switch {
	case o.ended || o.ending:
		o.mu.Unlock()
		return ErrWriteAfterEnd
	case o.headersSent:
		o.mu.Unlock()
		return ErrHeadersAlreadySent
	}
	o.ending = true
	o.mu.Unlock()

	if !o.corr.Resolve(o.id, resp) {
		return ErrWriteAfterEnd
	}

	return nil
}

// SendBinary sends buf as the complete body in a single engine call. The buffer is copied before this method
// returns, the caller may reuse it immediately.
func (o *OutboundStream) SendBinary(status int, header http.Header, buf []byte) error {
	owned := CopyForHandoff(buf)
	if owned == nil {
		owned = []byte{}
	}

	if header == nil {
		header = http.Header{}
	}

	return o.Respond(&Response{Status: status, Header: header.Clone(), Body: Binary(owned)})
}

// Fail finalizes the request with a synthetic failure response, or aborts it when headers were already sent.
func (o *OutboundStream) Fail(reason error) bool {
	return o.corr.Fail(o.id, reason)
}

// Deliver is the correlator sink for the request: it hands the outcome to the engine.
func (o *OutboundStream) Deliver(resp *Response, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ending := o.ending
	o.ended, o.ending = true, false

	var derr error
	switch {
	case err != nil && o.headersSent:
		o.engine.AbortResponse(o.id, err)
	case err != nil:
		derr = o.sendLocked(failureResponse(err))
	case resp == nil && ending:
		if derr = o.commitLocked(); derr == nil {
			derr = o.engine.EndResponse(o.id)
		}
	case resp == nil:
		derr = o.sendLocked(failureResponse(ErrHandlerFailure))
	case o.headersSent:
		if body := BodyBytes(resp.Body); len(body) > 0 {
			derr = o.engine.WriteChunk(context.Background(), o.id, CopyForHandoff(body))
		}
		if derr == nil {
			derr = o.engine.EndResponse(o.id)
		}
	default:
		derr = o.sendLocked(resp)
	}

	if derr != nil {
		o.logs.LogDeliveryError(o.id, derr)
	}
}

func (o *OutboundStream) sendLocked(resp *Response) error {
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}

	body := BodyBytes(resp.Body)
	if err := o.engine.SendResponse(o.id, resp.Status, header, body); err != nil {
		return errors.Wrap(err, "send response")
	}

	o.headersSent = true
	if o.stats != nil {
		o.stats.AddBytesSent(len(body))
	}

	return nil
}
