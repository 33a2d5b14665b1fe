package hbridge_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/advdv/hbridge"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestWrapWithoutMiddleware(t *testing.T) {
	hdlr1 := hbridge.HandlerFunc(func(context.Context, *hbridge.Request) (hbridge.Result, error) {
		return nil, nil
	})

	hdlr2 := hbridge.Wrap(hdlr1)
	require.Equal(t, fmt.Sprint(hdlr1), fmt.Sprint(hdlr2)) // compare addrs
}

func TestWrapOrder(t *testing.T) {
	var res string
	hdlr := hbridge.HandlerFunc(func(ctx context.Context, r *hbridge.Request) (hbridge.Result, error) {
		res += fmt.Sprintf("inner %s %v", r.Header("X-Foo"), ctx.Value("foo"))

		return nil, errors.New("inner error")
	})

	mw := func(name string) hbridge.Middleware {
		return func(next hbridge.Handler) hbridge.Handler {
			return hbridge.HandlerFunc(func(ctx context.Context, r *hbridge.Request) (hbridge.Result, error) {
				res += name + "("
				out, err := next.ServeBridge(ctx, r)
				res += ")" + name

				return out, fmt.Errorf("%s(%w)", name, err)
			})
		}
	}

	mw3 := func(next hbridge.Handler) hbridge.Handler {
		return hbridge.HandlerFunc(func(ctx context.Context, r *hbridge.Request) (hbridge.Result, error) {
			//nolint:staticcheck
			ctx = context.WithValue(ctx, "foo", "bar")
			return next.ServeBridge(ctx, r.WithHeaders(r.Headers().With("X-Foo", "some value")))
		})
	}

	req := hbridge.NewRequest("id", http.MethodGet, "/", "", nil, nil)
	_, err := hbridge.Wrap(hdlr, mw("1"), mw("2"), mw3).ServeBridge(context.Background(), req)
	require.EqualError(t, err, "1(2(inner error))")
	require.Equal(t, "1(2(inner some value bar)2)1", res)
}
