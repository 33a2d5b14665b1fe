package hbridge

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultChunkSize is the most bytes a single pull from a request body returns.
const DefaultChunkSize = 64 * 1024

// InboundEvent is pushed by the engine for every request it has parsed. Body must already be owned by the event,
// engines copy it with [CopyForHandoff] before sending.
type InboundEvent struct {
	ID            RequestID
	Method        string
	Path          string
	RawQuery      string
	Headers       HeaderList
	RemoteAddr    string
	Body          []byte
	Streamed      bool
	ContentLength int64
}

// Engine is the native side of the bridge. It parses requests, pushes them as events and writes the responses the
// bridge hands back. Every request receives exactly one of: SendResponse, a BeginResponse/WriteChunk/EndResponse
// sequence, or AbortResponse.
type Engine interface {
	// Events returns the channel that inbound requests are delivered on. It is closed when the engine shuts down.
	Events() <-chan InboundEvent

	// ReadBodyChunk pulls up to max bytes of a streamed request body. An empty chunk or io.EOF marks the end.
	ReadBodyChunk(ctx context.Context, id RequestID, max int) ([]byte, error)

	// SendResponse writes a complete response at once.
	SendResponse(id RequestID, status int, header http.Header, body []byte) error

	// BeginResponse commits the status and headers of a chunked response.
	BeginResponse(id RequestID, status int, header http.Header) error

	// WriteChunk writes one body chunk of a chunked response. It returns once the engine accepted the chunk.
	WriteChunk(ctx context.Context, id RequestID, chunk []byte) error

	// EndResponse terminates a chunked response.
	EndResponse(id RequestID) error

	// AbortResponse tears down a response whose headers were already sent.
	AbortResponse(id RequestID, reason error)
}

// NewInboundEvent builds an event from the raw values of a native request callback: a request target that may carry
// a query, the serialized header blob (see [ParseHeaderBlob]) and an optional body. The body is copied.
func NewInboundEvent(id RequestID, method, target, headerBlob string, body []byte) (InboundEvent, error) {
	headers, err := ParseHeaderBlob(headerBlob)
	if err != nil {
		return InboundEvent{}, errors.Wrap(err, "parse header blob")
	}

	path, query, _ := strings.Cut(target, "?")
	if unescaped, uerr := url.PathUnescape(path); uerr == nil {
		path = unescaped
	}

	owned := CopyForHandoff(body)

	return InboundEvent{
		ID:            id,
		Method:        method,
		Path:          path,
		RawQuery:      query,
		Headers:       headers,
		Body:          owned,
		ContentLength: int64(len(owned)),
	}, nil
}
