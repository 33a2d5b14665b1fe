// Package reqlog puts a request-scoped logger on the handler context.
package reqlog

import (
	"context"

	"github.com/advdv/hbridge"
	"go.uber.org/zap"
)

// ctxKey type scopes middleware values.
type ctxKey struct{}

// Middleware derives a logger carrying the request id, method and path and makes it available through [Log].
func Middleware(logs *zap.Logger) hbridge.Middleware {
	return func(next hbridge.Handler) hbridge.Handler {
		return hbridge.HandlerFunc(func(ctx context.Context, r *hbridge.Request) (hbridge.Result, error) {
			logs := logs.With(
				zap.String("request_id", string(r.ID())),
				zap.String("method", r.Method()),
				zap.String("path", r.Path()),
			)

			return next.ServeBridge(context.WithValue(ctx, ctxKey{}, logs), r)
		})
	}
}

// Log returns the request-scoped logger, or a no-op logger outside of [Middleware].
func Log(ctx context.Context) *zap.Logger {
	if v, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return v
	}

	return zap.NewNop()
}
