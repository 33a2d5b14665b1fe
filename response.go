package hbridge

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Response is a complete response produced by the application handler or a mount. Header keys are case-insensitive,
// Set replaces and Add appends.
type Response struct {
	Status int
	Header http.Header
	Body   Body
}

// NewTextResponse creates a response with a text body.
func NewTextResponse(status int, body string) *Response {
	return &Response{Status: status, Header: http.Header{}, Body: Text(body)}
}

// NewBinaryResponse creates a response with a binary body. The buffer is copied.
func NewBinaryResponse(status int, body []byte) *Response {
	return &Response{Status: status, Header: http.Header{}, Body: Binary(CopyForHandoff(body))}
}

// Validate checks that the response can be delivered to the engine.
func (r *Response) Validate() error {
	if r == nil {
		return errors.New("nil response")
	}

	if r.Status < 100 || r.Status > 599 {
		return errors.Newf("status code %d out of range", r.Status)
	}

	if r.Body != nil && r.Body.Kind() == BodyStream {
		return errors.New("response body cannot be a request stream")
	}

	return nil
}

// failureResponse is the synthetic response that replaces a failed request. The body is generic on purpose, the
// underlying error goes to the logger.
func failureResponse(err error) *Response {
	status := StatusOf(err)

	resp := NewTextResponse(status, http.StatusText(status))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("X-Content-Type-Options", "nosniff")

	return resp
}
