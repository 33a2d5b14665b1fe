package hbridge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// RequestID identifies an in-flight request. It is unique while the request is outstanding and may be reused after
// the request has been finalized.
type RequestID string

// HeaderField is a single header line.
type HeaderField struct {
	Name  string
	Value string
}

// HeaderList is an ordered header multimap. Duplicate names are preserved in the order they were received.
type HeaderList []HeaderField

// Get returns the first value for name, matched case-insensitively.
func (h HeaderList) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}

	return ""
}

// Values returns every value for name in order.
func (h HeaderList) Values(name string) []string {
	var vals []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}

	return vals
}

// Has reports whether at least one field with name exists.
func (h HeaderList) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}

	return false
}

// Clone returns a copy that shares no backing array with h.
func (h HeaderList) Clone() HeaderList {
	if h == nil {
		return nil
	}

	return append(HeaderList(make([]HeaderField, 0, len(h))), h...)
}

// With returns a copy of h with the field appended.
func (h HeaderList) With(name, value string) HeaderList {
	return append(h.Clone(), HeaderField{Name: name, Value: value})
}

// Without returns a copy of h with every field called name removed.
func (h HeaderList) Without(name string) HeaderList {
	out := make(HeaderList, 0, len(h))
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}

	return out
}

// HTTPHeader converts the list into a standard library header, keeping duplicates as multiple values.
func (h HeaderList) HTTPHeader() http.Header {
	hdr := make(http.Header, len(h))
	for _, f := range h {
		hdr.Add(f.Name, f.Value)
	}

	return hdr
}

// HeaderListFrom converts a standard library header. Keys are emitted in sorted order since the map carries no order.
func HeaderListFrom(hdr http.Header) HeaderList {
	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var out HeaderList
	for _, k := range keys {
		for _, v := range hdr[k] {
			out = append(out, HeaderField{Name: k, Value: v})
		}
	}

	return out
}

// BodyKind tags the representation of a request or response body.
type BodyKind int

const (
	BodyAbsent BodyKind = iota
	BodyText
	BodyBinary
	BodyStream
)

func (k BodyKind) String() string {
	switch k {
	case BodyText:
		return "text"
	case BodyBinary:
		return "binary"
	case BodyStream:
		return "stream"
	default:
		return "absent"
	}
}

// Body is one of [NoBody], [Text], [Binary] or [*InboundStream]. The set is closed, a value always has exactly one
// representation.
type Body interface {
	Kind() BodyKind
	isBody()
}

type absentBody struct{}

func (absentBody) Kind() BodyKind { return BodyAbsent }
func (absentBody) isBody()        {}

// NoBody is the absent body.
var NoBody Body = absentBody{}

// Text is a fully buffered textual body.
type Text string

func (Text) Kind() BodyKind { return BodyText }
func (Text) isBody()        {}

// Binary is a fully buffered binary body.
type Binary []byte

func (Binary) Kind() BodyKind { return BodyBinary }
func (Binary) isBody()        {}

// BodyBytes returns the buffered content of a text or binary body, nil otherwise.
func BodyBytes(b Body) []byte {
	switch b := b.(type) {
	case Text:
		return []byte(b)
	case Binary:
		return b
	default:
		return nil
	}
}

// Request is the immutable in-process representation of an inbound request. Modified copies are created with the
// With* methods, the receiver is never changed.
type Request struct {
	id         RequestID
	method     string
	path       string
	rawQuery   string
	headers    HeaderList
	body       Body
	remoteAddr string
}

// NewRequest initializes a request. A nil body is normalized to [NoBody].
func NewRequest(id RequestID, method, path, rawQuery string, headers HeaderList, body Body) *Request {
	if body == nil {
		body = NoBody
	}

	return &Request{
		id:       id,
		method:   method,
		path:     path,
		rawQuery: rawQuery,
		headers:  headers.Clone(),
		body:     body,
	}
}

func (r *Request) ID() RequestID       { return r.id }
func (r *Request) Method() string      { return r.method }
func (r *Request) Path() string        { return r.path }
func (r *Request) RawQuery() string    { return r.rawQuery }
func (r *Request) Headers() HeaderList { return r.headers.Clone() }
func (r *Request) Header(name string) string {
	return r.headers.Get(name)
}
func (r *Request) Body() Body         { return r.body }
func (r *Request) RemoteAddr() string { return r.remoteAddr }

// URL returns the path and query as a request target.
func (r *Request) URL() string {
	if r.rawQuery == "" {
		return r.path
	}

	return r.path + "?" + r.rawQuery
}

func (r *Request) clone() *Request {
	r2 := *r
	r2.headers = r.headers.Clone()

	return &r2
}

// WithPath returns a copy with a different path.
func (r *Request) WithPath(p string) *Request {
	r2 := r.clone()
	r2.path = p

	return r2
}

// WithQuery returns a copy with a different raw query.
func (r *Request) WithQuery(q string) *Request {
	r2 := r.clone()
	r2.rawQuery = q

	return r2
}

// WithHeaders returns a copy with the headers replaced.
func (r *Request) WithHeaders(h HeaderList) *Request {
	r2 := r.clone()
	r2.headers = h.Clone()

	return r2
}

// WithBody returns a copy with the body replaced.
func (r *Request) WithBody(b Body) *Request {
	if b == nil {
		b = NoBody
	}

	r2 := r.clone()
	r2.body = b

	return r2
}

// WithRemoteAddr returns a copy with the peer address set.
func (r *Request) WithRemoteAddr(addr string) *Request {
	r2 := r.clone()
	r2.remoteAddr = addr

	return r2
}

// HTTPRequest converts the request into a standard library request so it can be served by an [http.Handler]. A
// streaming body is exposed as a reader that pulls from the engine.
func (r *Request) HTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	length := int64(0)

	switch b := r.body.(type) {
	case Text:
		body, length = strings.NewReader(string(b)), int64(len(b))
	case Binary:
		body, length = bytes.NewReader(b), int64(len(b))
	case *InboundStream:
		body, length = b.Reader(ctx), -1
	}

	req, err := http.NewRequestWithContext(ctx, r.method, (&url.URL{Path: r.path, RawQuery: r.rawQuery}).String(), body)
	if err != nil {
		return nil, err
	}

	req.ContentLength = length
	req.Header = r.headers.HTTPHeader()
	req.RemoteAddr = r.remoteAddr
	if host := r.headers.Get("Host"); host != "" {
		req.Host = host
	}

	return req, nil
}
