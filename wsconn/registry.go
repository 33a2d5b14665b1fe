// Package wsconn tracks WebSocket connections and dispatches their events to the handler registered for the path
// they were opened on. Applications only ever see a [*Conn] handle, the socket itself stays with the engine.
package wsconn

import (
	"net/http"
	"strings"
	"sync"

	"github.com/advdv/hbridge"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// CloseNormal is the close code used when none is given.
const CloseNormal = 1000

var (
	// ErrNotOpen is returned when sending on a connection that is not open.
	ErrNotOpen = errors.New("connection is not open")
	// ErrEmptyPayload is returned when sending an empty binary message.
	ErrEmptyPayload = errors.New("empty binary payload")
	// ErrUnknownConnection is returned for events on connections the registry does not track.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrDuplicateConnection is returned when opening a connection id that is already tracked.
	ErrDuplicateConnection = errors.New("duplicate connection id")
	// ErrNoHandler is returned when no handler matches the path a connection was opened on.
	ErrNoHandler = errors.New("no websocket handler for path")
	// ErrFrozen is returned when registering handlers after the registry was frozen.
	ErrFrozen = errors.New("registry is frozen")
)

// State of a connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	return [...]string{"connecting", "open", "closing", "closed"}[s]
}

// EventType numbers match the event codes native engines report.
type EventType int

const (
	EventOpen    EventType = 1
	EventMessage EventType = 2
	EventClose   EventType = 3
	EventError   EventType = 4
)

// Event is delivered to handlers.
type Event struct {
	Type   EventType
	Conn   *Conn
	Data   []byte
	Binary bool
	Code   int
	Reason string
	Err    error
}

// Handler receives the events of connections opened on its path.
type Handler interface {
	ServeWebSocket(ev Event)
}

// HandlerFunc allow casting a function to imple [Handler].
type HandlerFunc func(ev Event)

// ServeWebSocket implements the [Handler] interface.
func (f HandlerFunc) ServeWebSocket(ev Event) { f(ev) }

// Transport writes to one native connection.
type Transport interface {
	WriteMessage(binary bool, data []byte) error
	Close(code int, reason string) error
}

// Registry owns all connections. Handlers are called one at a time.
type Registry struct {
	logs *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	conns    map[string]*Conn
	frozen   bool

	dispatchMu sync.Mutex
}

// New inits an empty registry.
func New(logs *zap.Logger) *Registry {
	if logs == nil {
		logs = zap.NewNop()
	}

	return &Registry{
		logs:     logs.Named("wsconn"),
		handlers: map[string]Handler{},
		conns:    map[string]*Conn{},
	}
}

// Handle registers h for pattern: an exact path, a path prefix ending in "/", or "*" for everything else.
func (r *Registry) Handle(pattern string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}

	if pattern == "" || (pattern != "*" && !strings.HasPrefix(pattern, "/")) {
		return errors.Newf("invalid websocket pattern %q", pattern)
	}

	r.handlers[pattern] = h

	return nil
}

// HandleFunc registers a function as the handler for pattern.
func (r *Registry) HandleFunc(pattern string, fn func(Event)) error {
	return r.Handle(pattern, HandlerFunc(fn))
}

// Freeze makes the handler set read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
}

// Match returns the handler for path: an exact pattern first, then the longest prefix pattern, then "*".
func (r *Registry) Match(path string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[path]; ok {
		return h, true
	}

	prefixes := lo.Filter(lo.Keys(r.handlers), func(p string, _ int) bool {
		return strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)
	})
	if len(prefixes) > 0 {
		best := lo.MaxBy(prefixes, func(a, b string) bool { return len(a) > len(b) })
		return r.handlers[best], true
	}

	h, ok := r.handlers["*"]

	return h, ok
}

// Open tracks a new connection that the engine accepted on path, marks it open and dispatches the open event.
func (r *Registry) Open(id, path string, header http.Header, t Transport) (*Conn, error) {
	h, ok := r.Match(path)
	if !ok {
		return nil, errors.Wrapf(ErrNoHandler, "path %q", path)
	}

	c := &Conn{id: id, path: path, header: header.Clone(), transport: t, handler: h, state: StateConnecting}

	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrDuplicateConnection, "connection %q", id)
	}
	r.conns[id] = c
	r.mu.Unlock()

	c.setState(StateOpen)
	r.logs.Debug("connection opened", zap.String("conn_id", id), zap.String("path", path))
	r.dispatch(c, Event{Type: EventOpen, Conn: c})

	return c, nil
}

// Message dispatches a message received on an open connection. The payload is copied.
func (r *Registry) Message(id string, data []byte, binary bool) error {
	c, ok := r.Conn(id)
	if !ok {
		return errors.Wrapf(ErrUnknownConnection, "connection %q", id)
	}

	if c.State() != StateOpen {
		return errors.Wrapf(ErrNotOpen, "connection %q", id)
	}

	r.dispatch(c, Event{Type: EventMessage, Conn: c, Data: hbridge.CopyForHandoff(data), Binary: binary})

	return nil
}

// Closed dispatches the close event and forgets the connection.
func (r *Registry) Closed(id string, code int, reason string) error {
	c, ok := r.remove(id)
	if !ok {
		return errors.Wrapf(ErrUnknownConnection, "connection %q", id)
	}

	if code == 0 {
		code = CloseNormal
	}

	c.setState(StateClosed)
	r.logs.Debug("connection closed", zap.String("conn_id", id), zap.Int("code", code))
	r.dispatch(c, Event{Type: EventClose, Conn: c, Code: code, Reason: reason})

	return nil
}

// Failed dispatches the error event and forgets the connection.
func (r *Registry) Failed(id string, cause error) error {
	c, ok := r.remove(id)
	if !ok {
		return errors.Wrapf(ErrUnknownConnection, "connection %q", id)
	}

	c.setState(StateClosed)
	r.logs.Debug("connection failed", zap.String("conn_id", id), zap.Error(cause))
	r.dispatch(c, Event{Type: EventError, Conn: c, Err: cause})

	return nil
}

func (r *Registry) remove(id string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}

	return c, ok
}

func (r *Registry) dispatch(c *Conn, ev Event) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	defer func() {
		if e := recover(); e != nil {
			r.logs.Error("websocket handler panicked", zap.String("conn_id", c.id), zap.Any("panic", e))
		}
	}()

	c.handler.ServeWebSocket(ev)
}

// Conn returns the handle of a tracked connection.
func (r *Registry) Conn(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]

	return c, ok
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// CloseAll starts closing every open connection.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	conns := lo.Values(r.conns)
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.Close(code, reason); err != nil {
			r.logs.Warn("failed to close connection", zap.String("conn_id", c.id), zap.Error(err))
		}
	}
}

// Conn is the application's handle to a connection.
type Conn struct {
	id        string
	path      string
	header    http.Header
	transport Transport
	handler   Handler

	mu    sync.Mutex
	state State
}

func (c *Conn) ID() string          { return c.id }
func (c *Conn) Path() string        { return c.path }
func (c *Conn) Header() http.Header { return c.header.Clone() }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = s
}

func (c *Conn) send(binary bool, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return ErrNotOpen
	}

	return c.transport.WriteMessage(binary, data)
}

// SendText sends a text message.
func (c *Conn) SendText(msg string) error {
	return c.send(false, []byte(msg))
}

// SendBinary sends a binary message. The payload is copied before it is handed to the engine.
func (c *Conn) SendBinary(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}

	return c.send(true, hbridge.CopyForHandoff(data))
}

// Close starts the closing handshake. Closing a connection that is closing or closed is a no-op.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosing || c.state == StateClosed {
		return nil
	}

	if code == 0 {
		code = CloseNormal
	}

	c.state = StateClosing

	return c.transport.Close(code, reason)
}
