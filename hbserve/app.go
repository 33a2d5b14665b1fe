package hbserve

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// App wraps an fx.App for lifecycle management.
type App struct {
	app *fx.App
}

// AppConfig holds configuration for the app.
type AppConfig struct {
	FxOptions []fx.Option
}

// AppOption configures the App.
type AppOption func(*AppConfig)

// WithFx adds fx options for dependency injection.
func WithFx(fxOpts ...fx.Option) AppOption {
	return func(c *AppConfig) {
		c.FxOptions = append(c.FxOptions, fxOpts...)
	}
}

// instanceParams holds the dependencies for creating the instance.
type instanceParams struct {
	fx.In

	Env        Environment
	Config     *Config
	Logger     *zap.Logger
	TracerProv trace.TracerProvider
	Propagator propagation.TextMapPropagator
}

// FxOptions returns the DI graph of [NewApp]. The setup function can request any provided type, at minimum it
// takes the *Instance to set the handler and register WebSocket handlers on.
func FxOptions[E Environment](setup any, opts ...AppOption) []fx.Option {
	var cfg AppConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	baseOpts := make([]fx.Option, 0, 10+len(cfg.FxOptions))
	baseOpts = append(baseOpts, []fx.Option{
		fx.NopLogger,
		fx.Provide(ParseEnv[E]()),
		fx.Provide(func(e E) Environment { return e }),
		fx.Provide(provideConfig),
		fx.Provide(newConfiguredLogger),
		fx.Provide(provideTracerProvider),
		fx.Provide(NewPropagator),
		fx.Provide(provideInstance),
		fx.Invoke(setup),
		fx.Invoke(startInstanceHook),
	}...)

	return append(baseOpts, cfg.FxOptions...)
}

// NewApp creates a server app with dependency injection. The environment selects the address, the configuration
// document and the log level, the setup function installs the application:
//
//	hbserve.NewApp[hbserve.BaseEnvironment](func(inst *hbserve.Instance, h *Handlers) error {
//	    return inst.SetHandler(h)
//	},
//	    hbserve.WithFx(fx.Provide(NewHandlers)),
//	).Run()
func NewApp[E Environment](setup any, opts ...AppOption) *App {
	return &App{app: fx.New(FxOptions[E](setup, opts...)...)}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() {
	a.app.Run()
}

// Start starts the application with the given context.
func (a *App) Start(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.app.StopTimeout())
	defer cancel()

	return a.app.Stop(stopCtx)
}

// provideConfig loads the configuration document named by the environment. Without one the root directory from the
// environment is served in hybrid mode.
func provideConfig(env Environment) (*Config, error) {
	if p := env.configPath(); p != "" {
		return LoadConfig(p)
	}

	cfg := &Config{}
	if root := env.rootDir(); root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, invalid(errors.Wrapf(err, "resolve root dir %q", root))
		}

		cfg.RootDir, cfg.Hybrid = abs, true
	}

	return cfg, nil
}

// provideTracerProvider creates the tracer provider, shutdown is handled via fx.Lifecycle.
func provideTracerProvider(lc fx.Lifecycle, env Environment) (trace.TracerProvider, error) {
	tp, shutdown, err := NewTracerProvider(env.otelExporter(), env.serviceName())
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{OnStop: shutdown})

	return tp, nil
}

func provideInstance(p instanceParams) *Instance {
	return New(p.Config, nil,
		WithLogger(p.Logger),
		WithTracing(p.TracerProv, p.Propagator, p.Env.serviceName()),
		WithCompression(p.Env.compressMinSize()),
	)
}

// startInstanceHook registers lifecycle hooks for the instance.
func startInstanceHook(lc fx.Lifecycle, inst *Instance, env Environment, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting server", zap.String("addr", env.addr()))
			return inst.Start(ctx, env.addr())
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping server")
			return inst.Stop(ctx)
		},
	})
}
