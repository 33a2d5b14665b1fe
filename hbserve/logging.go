package hbserve

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a zap logger at the given level. Uses JSON encoding with ISO8601 timestamps.
func NewLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// newConfiguredLogger applies the document's verbosity, which takes precedence over the environment when set
// explicitly.
func newConfiguredLogger(env Environment, cfg *Config) (*zap.Logger, error) {
	if cfg == nil || cfg.Verbose == "" {
		return NewLogger(env.logLevel())
	}

	lvl, ok := cfg.Level()
	if !ok {
		return zap.NewNop(), nil
	}

	return NewLogger(lvl)
}
