package hbridge

import (
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

// Logger can be implemented to get informed about important states.
type Logger interface {
	LogHandlerFailure(id RequestID, err error)
	LogRedundantResolve(id RequestID)
	LogDeliveryError(id RequestID, err error)
	LogImplicitFlushError(err error)
}

type zapLogger struct{ *zap.Logger }

func (l zapLogger) LogHandlerFailure(id RequestID, err error) {
	l.Logger.Error("application handler failed", zap.String("request_id", string(id)), zap.Error(err))
}

func (l zapLogger) LogRedundantResolve(id RequestID) {
	l.Logger.Debug("ignoring resolve of finalized request", zap.String("request_id", string(id)))
}

func (l zapLogger) LogDeliveryError(id RequestID, err error) {
	l.Logger.Warn("failed to deliver response to engine", zap.String("request_id", string(id)), zap.Error(err))
}

func (l zapLogger) LogImplicitFlushError(err error) {
	l.Logger.Error("error while flushing implicitly", zap.Error(err))
}

// NewZapLogger adapts a zap logger to the [Logger] interface.
func NewZapLogger(l *zap.Logger) Logger {
	return zapLogger{l.Named("hbridge")}
}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger {
	return zapLogger{zap.NewNop()}
}

type TestLogger struct {
	tb testing.TB

	NumLogHandlerFailure     int64
	NumLogRedundantResolve   int64
	NumLogDeliveryError      int64
	NumLogImplicitFlushError int64
}

func NewTestLogger(tb testing.TB) *TestLogger {
	return &TestLogger{tb: tb}
}

func (l *TestLogger) LogHandlerFailure(id RequestID, err error) {
	atomic.AddInt64(&l.NumLogHandlerFailure, 1)
	l.tb.Logf("hbridge: handler failure for %s: %s", id, err)
}

func (l *TestLogger) LogRedundantResolve(id RequestID) {
	atomic.AddInt64(&l.NumLogRedundantResolve, 1)
	l.tb.Logf("hbridge: redundant resolve for %s", id)
}

func (l *TestLogger) LogDeliveryError(id RequestID, err error) {
	atomic.AddInt64(&l.NumLogDeliveryError, 1)
	l.tb.Logf("hbridge: delivery error for %s: %s", id, err)
}

func (l *TestLogger) LogImplicitFlushError(err error) {
	atomic.AddInt64(&l.NumLogImplicitFlushError, 1)
	l.tb.Logf("hbridge: error while flushing implicitly: %s", err)
}

var _ Logger = &TestLogger{}
