package hbridge

import (
	"bytes"
	"context"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
)

var bufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// ResponseWriter implements http.ResponseWriter on top of an [OutboundStream]. Writes are buffered so a handler can
// still reset its response. Once the buffer exceeds its limit, or the handler flushes, the response switches to
// chunked streaming and can no longer be reset.
type ResponseWriter struct {
	ctx    context.Context
	out    *OutboundStream
	limit  int
	header http.Header
	status int
	buf    *bytes.Buffer

	wroteHeader bool
	streaming   bool
}

// NewResponseWriter inits a buffered writer for out. A negative limit disables the switch to streaming.
func NewResponseWriter(ctx context.Context, out *OutboundStream, limit int) *ResponseWriter {
	buf, _ := bufPool.Get().(*bytes.Buffer)
	buf.Reset()

	return &ResponseWriter{
		ctx:    ctx,
		out:    out,
		limit:  limit,
		header: http.Header{},
		status: http.StatusOK,
		buf:    buf,
	}
}

func (w *ResponseWriter) Header() http.Header { return w.header }

func (w *ResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}

	w.wroteHeader = true
	w.status = status
}

func (w *ResponseWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	if w.streaming {
		if err := w.out.WriteChunk(w.ctx, p); err != nil {
			return 0, err
		}

		return len(p), nil
	}

	n, _ := w.buf.Write(p)
	if w.limit >= 0 && w.buf.Len() > w.limit {
		if err := w.FlushBuffer(); err != nil {
			return 0, err
		}
	}

	return n, nil
}

// Flush implements http.Flusher by switching to streaming.
func (w *ResponseWriter) Flush() {
	w.WriteHeader(http.StatusOK)
	_ = w.FlushBuffer()
}

// Reset discards the buffered body and headers. It fails once the response is streaming.
func (w *ResponseWriter) Reset() error {
	if w.streaming {
		return ErrHeadersAlreadySent
	}

	w.buf.Reset()
	w.header = http.Header{}
	w.status = http.StatusOK
	w.wroteHeader = false

	return nil
}

// FlushBuffer commits the headers and writes the buffered body as a chunk.
func (w *ResponseWriter) FlushBuffer() error {
	if !w.streaming {
		if err := w.commit(); err != nil {
			return err
		}
		w.streaming = true
	}

	if w.buf.Len() == 0 {
		return nil
	}

	err := w.out.WriteChunk(w.ctx, w.buf.Bytes())
	w.buf.Reset()

	return err
}

func (w *ResponseWriter) commit() error {
	if err := w.out.SetStatus(w.status); err != nil {
		return err
	}

	for k := range w.out.Header() {
		if err := w.out.DelHeader(k); err != nil {
			return err
		}
	}

	for k, vs := range w.header {
		for _, v := range vs {
			if err := w.out.AddHeader(k, v); err != nil {
				return err
			}
		}
	}

	return nil
}

// Finish finalizes the response: buffered responses are sent at once, streaming ones are ended.
func (w *ResponseWriter) Finish() error {
	if w.streaming {
		if err := w.FlushBuffer(); err != nil {
			return errors.Wrap(err, "flush")
		}

		return w.out.End()
	}

	return w.out.Respond(&Response{
		Status: w.status,
		Header: w.header.Clone(),
		Body:   Binary(CopyForHandoff(w.buf.Bytes())),
	})
}

// Free returns the buffer to the pool, the writer must not be used afterwards.
func (w *ResponseWriter) Free() {
	if w.buf == nil {
		return
	}

	w.buf.Reset()
	bufPool.Put(w.buf)
	w.buf = nil
}

var _ http.Flusher = &ResponseWriter{}
