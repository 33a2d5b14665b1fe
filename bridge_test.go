package hbridge_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/advdv/hbridge"
	"github.com/advdv/hbridge/hbridgetest"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, h hbridge.HandlerFunc, opts ...hbridge.Option) (*hbridgetest.Engine, *hbridge.Bridge, *hbridge.TestLogger) {
	t.Helper()

	logs := hbridge.NewTestLogger(t)
	eng := hbridgetest.NewEngine(t)
	b := hbridge.NewBridge(eng, h, append([]hbridge.Option{hbridge.WithLogger(logs)}, opts...)...)
	hbridgetest.Run(t, b)

	return eng, b, logs
}

func TestBridgeRespond(t *testing.T) {
	eng, b, _ := setup(t, func(_ context.Context, r *hbridge.Request) (hbridge.Result, error) {
		resp := hbridge.NewTextResponse(http.StatusCreated, "hello "+r.Path()+" "+r.Header("X-Name"))
		resp.Header.Set("Is-Bar", "rab")

		return hbridge.Respond(resp), nil
	})

	rec := eng.Request(http.MethodGet, "/bar", `{"X-Name": "foo"}`, nil).Wait(t)
	require.True(t, rec.Atomic)
	require.Equal(t, http.StatusCreated, rec.Status)
	require.Equal(t, "rab", rec.Header.Get("Is-Bar"))
	require.Equal(t, "hello /bar foo", rec.Body.String())
	require.Equal(t, 1, rec.Calls)

	stats := b.Stats().Snapshot()
	require.EqualValues(t, 1, stats.TotalRequests)
	require.EqualValues(t, len("hello /bar foo"), stats.BytesSent)
	require.Zero(t, stats.ErrorCount)
}

func TestBridgeTextBody(t *testing.T) {
	eng, _, _ := setup(t, func(_ context.Context, r *hbridge.Request) (hbridge.Result, error) {
		assert.Equal(t, hbridge.BodyText, r.Body().Kind())
		return hbridge.Respond(hbridge.NewTextResponse(http.StatusOK, strings.ToUpper(string(r.Body().(hbridge.Text))))), nil
	})

	rec := eng.Request(http.MethodPost, "/echo", "", []byte("shout")).Wait(t)
	require.Equal(t, "SHOUT", rec.Body.String())
}

func TestBridgeHandlerFailures(t *testing.T) {
	for _, tt := range []struct {
		name      string
		handler   hbridge.HandlerFunc
		expStatus int
	}{
		{
			name: "error",
			handler: func(context.Context, *hbridge.Request) (hbridge.Result, error) {
				return nil, errors.New("secret detail")
			},
			expStatus: http.StatusInternalServerError,
		},
		{
			name: "coded error",
			handler: func(context.Context, *hbridge.Request) (hbridge.Result, error) {
				return nil, hbridge.NewError(hbridge.CodeForbidden, errors.New("secret detail"))
			},
			expStatus: http.StatusForbidden,
		},
		{
			name: "panic",
			handler: func(context.Context, *hbridge.Request) (hbridge.Result, error) {
				panic("secret detail")
			},
			expStatus: http.StatusInternalServerError,
		},
		{
			name: "rejected future",
			handler: func(context.Context, *hbridge.Request) (hbridge.Result, error) {
				fut := hbridge.NewFuture()
				go fut.Reject(errors.New("secret detail"))
				return hbridge.Await(fut), nil
			},
			expStatus: http.StatusInternalServerError,
		},
		{
			name: "async error",
			handler: func(context.Context, *hbridge.Request) (hbridge.Result, error) {
				return hbridge.Async(func(context.Context) (*hbridge.Response, error) {
					return nil, errors.New("secret detail")
				}), nil
			},
			expStatus: http.StatusInternalServerError,
		},
		{
			name: "nil result",
			handler: func(context.Context, *hbridge.Request) (hbridge.Result, error) {
				return nil, nil
			},
			expStatus: http.StatusInternalServerError,
		},
		{
			name: "invalid status",
			handler: func(context.Context, *hbridge.Request) (hbridge.Result, error) {
				return hbridge.Respond(&hbridge.Response{Status: 42}), nil
			},
			expStatus: http.StatusInternalServerError,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			eng, b, logs := setup(t, tt.handler)

			rec := eng.Request(http.MethodGet, "/", "", nil).Wait(t)
			require.Equal(t, tt.expStatus, rec.Status)
			require.Equal(t, http.StatusText(tt.expStatus), rec.Body.String())
			require.NotContains(t, rec.Body.String(), "secret")
			require.EqualValues(t, 1, atomic.LoadInt64(&logs.NumLogHandlerFailure))
			require.EqualValues(t, 1, b.Stats().Snapshot().ErrorCount)
		})
	}
}

func TestBridgeAwaitAndAsync(t *testing.T) {
	eng, _, _ := setup(t, func(_ context.Context, r *hbridge.Request) (hbridge.Result, error) {
		if r.Path() == "/async" {
			return hbridge.Async(func(context.Context) (*hbridge.Response, error) {
				return hbridge.NewTextResponse(http.StatusOK, "async"), nil
			}), nil
		}

		fut := hbridge.NewFuture()
		go func() {
			time.Sleep(10 * time.Millisecond)
			fut.Resolve(hbridge.NewTextResponse(http.StatusAccepted, "later"))
		}()

		return hbridge.Await(fut), nil
	})

	rec := eng.Request(http.MethodGet, "/await", "", nil).Wait(t)
	require.Equal(t, http.StatusAccepted, rec.Status)
	require.Equal(t, "later", rec.Body.String())

	rec = eng.Request(http.MethodGet, "/async", "", nil).Wait(t)
	require.Equal(t, "async", rec.Body.String())
}

func TestBridgeStream(t *testing.T) {
	var afterWriteErr, respondErr error

	eng, _, _ := setup(t, func(context.Context, *hbridge.Request) (hbridge.Result, error) {
		return hbridge.Stream(func(ctx context.Context, w *hbridge.OutboundStream) error {
			assert.NoError(t, w.SetStatus(http.StatusPartialContent))
			assert.NoError(t, w.SetHeader("Content-Type", "text/plain"))
			assert.NoError(t, w.AddHeader("X-Multi", "1"))
			assert.NoError(t, w.AddHeader("X-Multi", "2"))

			for _, c := range []string{"one,", "two,", "three"} {
				assert.NoError(t, w.WriteChunk(ctx, []byte(c)))
			}

			afterWriteErr = w.SetHeader("X-Late", "1")
			respondErr = w.Respond(hbridge.NewTextResponse(http.StatusOK, "x"))
			assert.NoError(t, w.End())
			assert.ErrorIs(t, w.WriteChunk(ctx, []byte("four")), hbridge.ErrWriteAfterEnd)

			return nil
		}), nil
	})

	rec := eng.Request(http.MethodGet, "/", "", nil).Wait(t)
	require.False(t, rec.Atomic)
	require.True(t, rec.Ended)
	require.Equal(t, http.StatusPartialContent, rec.Status)
	require.Equal(t, []string{"1", "2"}, rec.Header.Values("X-Multi"))
	require.Empty(t, rec.Header.Get("X-Late"))
	require.Equal(t, "one,two,three", rec.Body.String())
	require.Len(t, rec.Chunks, 3)

	require.ErrorIs(t, afterWriteErr, hbridge.ErrHeadersAlreadySent)
	require.ErrorIs(t, respondErr, hbridge.ErrHeadersAlreadySent)
}

func TestBridgeStreamFinalize(t *testing.T) {
	t.Run("before first chunk", func(t *testing.T) {
		eng, _, _ := setup(t, func(context.Context, *hbridge.Request) (hbridge.Result, error) {
			return hbridge.Stream(func(ctx context.Context, w *hbridge.OutboundStream) error {
				assert.NoError(t, w.SetHeader("X-Early", "1"))
				assert.NoError(t, w.Finalize(http.StatusCreated, http.Header{"X-Final": {"a", "b"}}))
				assert.ErrorIs(t, w.WriteChunk(ctx, []byte("late")), hbridge.ErrWriteAfterEnd)

				return nil
			}), nil
		})

		rec := eng.Request(http.MethodGet, "/", "", nil).Wait(t)
		require.True(t, rec.Ended)
		require.Equal(t, http.StatusCreated, rec.Status)
		require.Equal(t, "1", rec.Header.Get("X-Early"))
		require.Equal(t, []string{"a", "b"}, rec.Header.Values("X-Final"))
		require.Zero(t, rec.Body.Len())
	})

	t.Run("after first chunk", func(t *testing.T) {
		var statusErr, headerErr error

		eng, _, _ := setup(t, func(context.Context, *hbridge.Request) (hbridge.Result, error) {
			return hbridge.Stream(func(ctx context.Context, w *hbridge.OutboundStream) error {
				assert.NoError(t, w.WriteChunk(ctx, []byte("body")))

				statusErr = w.Finalize(http.StatusTeapot, nil)
				headerErr = w.Finalize(0, http.Header{"X-Late": {"1"}})
				assert.False(t, w.Ended())

				assert.NoError(t, w.Finalize(0, nil))
				assert.ErrorIs(t, w.WriteChunk(ctx, []byte("more")), hbridge.ErrWriteAfterEnd)

				return nil
			}), nil
		})

		rec := eng.Request(http.MethodGet, "/", "", nil).Wait(t)
		require.True(t, rec.Ended)
		require.Equal(t, http.StatusOK, rec.Status)
		require.Empty(t, rec.Header.Get("X-Late"))
		require.Equal(t, "body", rec.Body.String())

		require.ErrorIs(t, statusErr, hbridge.ErrHeadersAlreadySent)
		require.ErrorIs(t, headerErr, hbridge.ErrHeadersAlreadySent)
	})

	t.Run("status out of range", func(t *testing.T) {
		var err error

		eng, _, _ := setup(t, func(context.Context, *hbridge.Request) (hbridge.Result, error) {
			return hbridge.Stream(func(_ context.Context, w *hbridge.OutboundStream) error {
				err = w.Finalize(42, nil)
				return w.End()
			}), nil
		})

		rec := eng.Request(http.MethodGet, "/", "", nil).Wait(t)
		require.True(t, rec.Ended)
		require.Error(t, err)
	})
}

func TestBridgeStreamImplicitEnd(t *testing.T) {
	eng, _, _ := setup(t, func(context.Context, *hbridge.Request) (hbridge.Result, error) {
		return hbridge.Stream(func(context.Context, *hbridge.OutboundStream) error { return nil }), nil
	})

	rec := eng.Request(http.MethodGet, "/", "", nil).Wait(t)
	require.True(t, rec.Ended)
	require.Equal(t, http.StatusOK, rec.Status)
	require.Zero(t, rec.Body.Len())
}

func TestBridgeStreamFailureAfterHeadersAborts(t *testing.T) {
	eng, _, _ := setup(t, func(context.Context, *hbridge.Request) (hbridge.Result, error) {
		return hbridge.Stream(func(ctx context.Context, w *hbridge.OutboundStream) error {
			assert.NoError(t, w.WriteChunk(ctx, []byte("partial")))
			return errors.New("broke halfway")
		}), nil
	})

	rec := eng.Request(http.MethodGet, "/", "", nil).Wait(t)
	require.Error(t, rec.Aborted)
	require.False(t, rec.Ended)
	require.Equal(t, "partial", rec.Body.String())
}

func TestBridgeBinaryRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 10 << 20} {
		t.Run(fmt.Sprintf("size-%d", size), func(t *testing.T) {
			src := make([]byte, size)
			_, err := rand.Read(src)
			require.NoError(t, err)
			expected := bytes.Clone(src)

			eng, _, _ := setup(t, func(context.Context, *hbridge.Request) (hbridge.Result, error) {
				return hbridge.Stream(func(_ context.Context, w *hbridge.OutboundStream) error {
					hdr := http.Header{}
					hdr.Set("Content-Type", "application/octet-stream")
					assert.NoError(t, w.SendBinary(http.StatusOK, hdr, src))

					// the buffer is owned by the caller again once SendBinary returns
					for i := range src {
						src[i] ^= 0xff
					}

					return nil
				}), nil
			})

			rec := eng.Request(http.MethodGet, "/bin", "", nil).Wait(t)
			require.True(t, rec.Atomic)
			require.Equal(t, "application/octet-stream", rec.Header.Get("Content-Type"))
			require.Equal(t, len(expected), rec.Body.Len())
			require.True(t, bytes.Equal(expected, rec.Body.Bytes()))
		})
	}
}

func TestBridgeInboundChunkBoundaryIndependence(t *testing.T) {
	body := make([]byte, 200_000)
	_, err := rand.Read(body)
	require.NoError(t, err)

	eng, _, _ := setup(t, func(_ context.Context, r *hbridge.Request) (hbridge.Result, error) {
		in, ok := r.Body().(*hbridge.InboundStream)
		assert.True(t, ok)

		return hbridge.Async(func(ctx context.Context) (*hbridge.Response, error) {
			var buf bytes.Buffer
			for {
				chunk, err := in.NextChunk(ctx)
				if errors.Is(err, io.EOF) {
					break
				} else if err != nil {
					return nil, err
				}

				assert.LessOrEqual(t, len(chunk), hbridge.DefaultChunkSize)
				buf.Write(chunk)
			}

			return hbridge.NewBinaryResponse(http.StatusOK, buf.Bytes()), nil
		}), nil
	}, hbridge.WithBufferedBodyLimit(-1))

	for _, k := range []int{1, 2, 7, 64, 1000} {
		var chunks [][]byte
		size := (len(body) + k - 1) / k
		for off := 0; off < len(body); off += size {
			chunks = append(chunks, body[off:min(off+size, len(body))])
		}

		rec := eng.StreamBody(http.MethodPost, "/upload", nil, chunks...).Wait(t)
		require.Equal(t, http.StatusOK, rec.Status)
		require.True(t, bytes.Equal(body, rec.Body.Bytes()), "k=%d", k)
	}
}

func TestBridgeMaterializesSmallStreams(t *testing.T) {
	eng, b, _ := setup(t, func(_ context.Context, r *hbridge.Request) (hbridge.Result, error) {
		return hbridge.Respond(hbridge.NewTextResponse(http.StatusOK, r.Body().Kind().String()+":"+string(hbridge.BodyBytes(r.Body())))), nil
	}, hbridge.WithBufferedBodyLimit(16))

	rec := eng.StreamBody(http.MethodPost, "/", nil, []byte("small "), []byte("body")).Wait(t)
	require.Equal(t, "text:small body", rec.Body.String())
	require.EqualValues(t, len("small body"), b.Stats().Snapshot().BytesReceived)

	rec = eng.StreamBody(http.MethodPost, "/", nil, bytes.Repeat([]byte("x"), 17)).Wait(t)
	require.Equal(t, "stream:", rec.Body.String())
}

func TestBridgeRequestTimeout(t *testing.T) {
	fut := hbridge.NewFuture()
	eng, _, logs := setup(t, func(context.Context, *hbridge.Request) (hbridge.Result, error) {
		return hbridge.Await(fut), nil
	}, hbridge.WithRequestTimeout(20*time.Millisecond))

	rec := eng.Request(http.MethodGet, "/slow", "", nil).Wait(t)
	require.Equal(t, http.StatusGatewayTimeout, rec.Status)

	fut.Resolve(hbridge.NewTextResponse(http.StatusOK, "too late"))
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, rec.Calls, "late resolution must not reach the engine")
	require.Zero(t, atomic.LoadInt64(&logs.NumLogDeliveryError))
}

func TestBridgeStopResolvesAllPending(t *testing.T) {
	const n = 5
	invoked := make(chan struct{}, n)

	logs := hbridge.NewTestLogger(t)
	eng := hbridgetest.NewEngine(t)
	b := hbridge.NewBridge(eng, hbridge.HandlerFunc(func(context.Context, *hbridge.Request) (hbridge.Result, error) {
		invoked <- struct{}{}
		return hbridge.Await(hbridge.NewFuture()), nil
	}), hbridge.WithLogger(logs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	recs := make([]*hbridgetest.Recorded, n)
	for i := range recs {
		recs[i] = eng.Request(http.MethodGet, "/hang", "", nil)
	}

	for range n {
		<-invoked
	}

	require.Equal(t, n, b.Correlator().Pending())
	require.NoError(t, b.Stop(context.Background()))
	require.Zero(t, b.Correlator().Pending())

	for _, rec := range recs {
		select {
		case <-rec.Done():
		default:
			t.Fatalf("request %s left unresolved after stop", rec.ID)
		}

		require.Equal(t, http.StatusServiceUnavailable, rec.Status)
	}
}

func TestBridgeSerializesHandlerCalls(t *testing.T) {
	var inflight, maxInflight atomic.Int64
	eng, _, _ := setup(t, func(context.Context, *hbridge.Request) (hbridge.Result, error) {
		cur := inflight.Add(1)
		defer inflight.Add(-1)
		if cur > maxInflight.Load() {
			maxInflight.Store(cur)
		}

		time.Sleep(time.Millisecond)

		return hbridge.Respond(hbridge.NewTextResponse(http.StatusOK, "")), nil
	})

	var recs []*hbridgetest.Recorded
	for range 20 {
		recs = append(recs, eng.Request(http.MethodGet, "/", "", nil))
	}

	for _, rec := range recs {
		rec.Wait(t)
	}

	require.EqualValues(t, 1, maxInflight.Load())
}

func TestBridgePostRunsOnLoop(t *testing.T) {
	var mu sync.Mutex
	var order []string

	eng, _, _ := setup(t, func(ctx context.Context, r *hbridge.Request) (hbridge.Result, error) {
		fut := hbridge.NewFuture()
		go func() {
			assert.True(t, hbridge.Post(ctx, func() {
				mu.Lock()
				order = append(order, "posted")
				mu.Unlock()
				fut.Resolve(hbridge.NewTextResponse(http.StatusOK, "posted"))
			}))
		}()

		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()

		return hbridge.Await(fut), nil
	})

	rec := eng.Request(http.MethodGet, "/", "", nil).Wait(t)
	require.Equal(t, "posted", rec.Body.String())
	require.Equal(t, []string{"handler", "posted"}, order)
}

func TestBridgeNotFound(t *testing.T) {
	router := hbridge.RouterFunc(func(_ context.Context, r *hbridge.Request) (hbridge.Action, error) {
		if r.Path() == "/missing" {
			return nil, errors.Wrap(hbridge.ErrNotFound, "no mount")
		}

		return hbridge.Forward{Request: r}, nil
	})

	eng, b, logs := setup(t, func(_ context.Context, r *hbridge.Request) (hbridge.Result, error) {
		return nil, errors.Wrapf(hbridge.ErrNotFound, "no item %s", r.Path())
	}, hbridge.WithRouter(router))

	for _, p := range []string{"/missing", "/items/1"} {
		rec := eng.Request(http.MethodGet, p, "", nil).Wait(t)
		require.Equal(t, http.StatusNotFound, rec.Status, p)
		require.Equal(t, http.StatusText(http.StatusNotFound), rec.Body.String(), p)
	}

	require.Zero(t, atomic.LoadInt64(&logs.NumLogHandlerFailure))
	require.Zero(t, b.Stats().Snapshot().ErrorCount)
}

func TestBridgeRouterActions(t *testing.T) {
	var cleaned atomic.Bool

	router := hbridge.RouterFunc(func(_ context.Context, r *hbridge.Request) (hbridge.Action, error) {
		switch r.Path() {
		case "/reply":
			return hbridge.Reply{Response: hbridge.NewTextResponse(http.StatusNotFound, "nope")}, nil
		case "/serve":
			return hbridge.Serve{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Served", r.URL.Path)
				w.WriteHeader(http.StatusTeapot)
				_, _ = io.WriteString(w, "served")
			})}, nil
		case "/serve-big":
			return hbridge.Serve{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for range 4 {
					_, _ = w.Write(bytes.Repeat([]byte("b"), 10))
				}
			})}, nil
		case "/broken":
			return nil, errors.New("router broke")
		default:
			return hbridge.Forward{
				Request: r.WithPath("/rewritten"),
				Cleanup: func() { cleaned.Store(true) },
			}, nil
		}
	})

	eng, _, _ := setup(t, func(_ context.Context, r *hbridge.Request) (hbridge.Result, error) {
		return hbridge.Respond(hbridge.NewTextResponse(http.StatusOK, r.Path())), nil
	}, hbridge.WithRouter(router), hbridge.WithResponseBufferLimit(16))

	rec := eng.Request(http.MethodGet, "/reply", "", nil).Wait(t)
	require.Equal(t, http.StatusNotFound, rec.Status)
	require.Equal(t, "nope", rec.Body.String())

	rec = eng.Request(http.MethodGet, "/serve", "", nil).Wait(t)
	require.True(t, rec.Atomic)
	require.Equal(t, http.StatusTeapot, rec.Status)
	require.Equal(t, "/serve", rec.Header.Get("X-Served"))
	require.Equal(t, "served", rec.Body.String())

	rec = eng.Request(http.MethodGet, "/serve-big", "", nil).Wait(t)
	require.False(t, rec.Atomic, "responses beyond the buffer limit are streamed")
	require.True(t, rec.Ended)
	require.Equal(t, 40, rec.Body.Len())

	rec = eng.Request(http.MethodGet, "/broken", "", nil).Wait(t)
	require.Equal(t, http.StatusInternalServerError, rec.Status)

	rec = eng.Request(http.MethodGet, "/other", "", nil).Wait(t)
	require.Equal(t, "/rewritten", rec.Body.String())
	require.Eventually(t, cleaned.Load, time.Second, time.Millisecond)
}
