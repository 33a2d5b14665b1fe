// Package hbserve runs a bridge as a server: it owns the native engine, the mount router, the bridge and the
// WebSocket registry of one listening address, and wires them with logging, tracing and configuration.
package hbserve

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/advdv/hbridge"
	"github.com/advdv/hbridge/internal/reqlog"
	"github.com/advdv/hbridge/mount"
	"github.com/advdv/hbridge/native"
	"github.com/advdv/hbridge/wsconn"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrAddressInUse is returned when starting on an address another running instance is bound to.
	ErrAddressInUse = errors.New("address in use by another instance")
	// ErrInstanceStarted is returned when an instance is started twice or configured after it was started.
	ErrInstanceStarted = errors.New("instance already started")
)

// readHeaderTimeout bounds how long a client may take to send the request headers.
const readHeaderTimeout = 10 * time.Second

// Option configures an instance.
type Option func(*Instance)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(i *Instance) { i.logs = l } }

// WithTracing wraps the engine with otelhttp.
func WithTracing(tp trace.TracerProvider, prop propagation.TextMapPropagator, serviceName string) Option {
	return func(i *Instance) { i.tracing = withTracing(tp, prop, serviceName) }
}

// WithCompression gzips responses of at least minSize bytes for clients that accept it.
func WithCompression(minSize int) Option { return func(i *Instance) { i.compressMin = minSize } }

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Instance is one server. Each instance has its own correlator, router, bridge and engine, nothing is shared
// between instances except the table of bound addresses.
type Instance struct {
	cfg         *Config
	logs        *zap.Logger
	stats       *hbridge.Stats
	ws          *wsconn.Registry
	tracing     func(http.Handler) http.Handler
	compressMin int

	mu      sync.Mutex
	state   state
	handler hbridge.Handler
	addr    string
	router  *mount.Router
	bridge  *hbridge.Bridge
	engine  *native.Engine
	server  *http.Server
	tasks   sync.WaitGroup
}

// New inits an instance that serves the configured mounts in front of handler. A nil handler answers 404.
func New(cfg *Config, handler hbridge.Handler, opts ...Option) *Instance {
	if cfg == nil {
		cfg = &Config{}
	}

	i := &Instance{cfg: cfg, handler: handler, stats: hbridge.NewStats()}
	for _, opt := range opts {
		opt(i)
	}

	if i.logs == nil {
		i.logs = zap.NewNop()
	}

	i.ws = wsconn.New(i.logs)

	return i
}

// NewStatic inits an instance that only serves files from root. Misses are answered with 404.
func NewStatic(root string, opts ...Option) *Instance {
	return New(&Config{RootDir: root}, nil, opts...)
}

// NewHybrid inits an instance that serves files from root and hands everything else to handler.
func NewHybrid(root string, handler hbridge.Handler, opts ...Option) *Instance {
	return New(&Config{RootDir: root, Hybrid: true}, handler, opts...)
}

// SetHandler replaces the application handler. It fails once the instance was started.
func (i *Instance) SetHandler(h hbridge.Handler) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != stateIdle {
		return ErrInstanceStarted
	}

	i.handler = h

	return nil
}

// HandleWebSocket registers a WebSocket handler for pattern. It fails once the instance was started.
func (i *Instance) HandleWebSocket(pattern string, h wsconn.Handler) error {
	err := i.ws.Handle(pattern, h)
	if errors.Is(err, wsconn.ErrFrozen) {
		return ErrInstanceStarted
	}

	return err
}

// WebSockets returns the registry of open WebSocket connections.
func (i *Instance) WebSockets() *wsconn.Registry { return i.ws }

// Stats returns a snapshot of the instance's counters.
func (i *Instance) Stats() hbridge.StatsSnapshot { return i.stats.Snapshot() }

// IsRunning reports whether the instance was started and not yet stopped.
func (i *Instance) IsRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.state == stateRunning
}

// Addr returns the address the instance is listening on, empty when it is not running.
func (i *Instance) Addr() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.addr
}

// Start binds addr and starts serving. Configuration errors are reported here and are marked with
// [hbridge.ErrConfigInvalid]. An instance that failed to start may be started again.
func (i *Instance) Start(ctx context.Context, addr string) (err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != stateIdle {
		return ErrInstanceStarted
	}

	key, err := bound.reserve(addr, i)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			bound.release(key, i)
		}
	}()

	router, err := mount.New(i.cfg.mounts(), mount.Options{
		Hybrid:    i.cfg.Hybrid,
		MimeTypes: i.cfg.MimeTypes,
		Logger:    i.logs,
	})
	if err != nil {
		return errors.Wrap(err, "build mounts")
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Join(errors.Wrapf(err, "listen on %s", addr), router.Close())
	}

	if key.port == "0" {
		actual, rerr := bound.rekey(key, ln.Addr().String(), i)
		if rerr != nil {
			return errors.Join(rerr, ln.Close(), router.Close())
		}

		key = actual
	}

	handler := i.handler
	if handler == nil {
		handler = notFound
	}

	engine := native.New(
		native.WithLogger(i.logs),
		native.WithStats(i.stats),
		native.WithWebSockets(i.ws),
	)

	bridge := hbridge.NewBridge(engine, hbridge.Wrap(handler, reqlog.Middleware(i.logs)),
		hbridge.WithRouter(router),
		hbridge.WithLogger(hbridge.NewZapLogger(i.logs)),
		hbridge.WithStats(i.stats),
		hbridge.WithRequestTimeout(i.cfg.RequestTimeout),
	)

	var h http.Handler = engine
	if i.compressMin > 0 {
		if h, err = native.Compress(h, i.compressMin); err != nil {
			return errors.Join(err, ln.Close(), router.Close())
		}
	}

	if i.tracing != nil {
		h = i.tracing(h)
	}

	i.ws.Freeze()
	i.router, i.bridge, i.engine = router, bridge, engine
	i.server = &http.Server{
		Handler:           h,
		ConnState:         engine.ConnState,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(i.logs.Named("http")),
	}
	i.addr = ln.Addr().String()
	i.state = stateRunning

	i.tasks.Add(2)
	go func() {
		defer i.tasks.Done()
		if err := bridge.Run(context.Background()); err != nil {
			i.logs.Error("bridge stopped", zap.Error(err))
		}
	}()

	go func() {
		defer i.tasks.Done()
		if err := i.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			i.logs.Error("server error", zap.Error(err))
		}
	}()

	i.logs.Info("instance started", zap.String("addr", i.addr), zap.Int("mounts", len(i.cfg.mounts())))

	return nil
}

// Stop fails every outstanding request with a 503, closes all WebSocket connections and shuts the server down.
// ctx bounds the wait for in-flight work. Stopping an instance that is not running is a no-op.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.state != stateRunning {
		i.mu.Unlock()
		return nil
	}

	i.state = stateStopped
	i.mu.Unlock()

	var errs []error
	errs = append(errs, i.bridge.Stop(ctx))
	i.ws.CloseAll(wsconn.CloseNormal, "server stopping")
	errs = append(errs, i.engine.Close())

	if err := i.server.Shutdown(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "shutdown server"), i.server.Close())
	}

	i.tasks.Wait()
	errs = append(errs, i.router.Close())
	bound.releaseInstance(i)

	i.logs.Info("instance stopped", zap.String("addr", i.Addr()))

	return errors.Join(errs...)
}

// Log returns the logger of the request being handled, annotated with its id, method and path.
func Log(ctx context.Context) *zap.Logger { return reqlog.Log(ctx) }

var notFound = hbridge.HandlerFunc(func(_ context.Context, r *hbridge.Request) (hbridge.Result, error) {
	return nil, errors.Wrapf(hbridge.ErrNotFound, "%s", r.Path())
})
