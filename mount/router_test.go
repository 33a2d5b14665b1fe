package mount_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/advdv/hbridge"
	"github.com/advdv/hbridge/hbridgetest"
	"github.com/advdv/hbridge/mount"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// writeTree creates files under a new temporary directory.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}

	return root
}

func newRouter(t *testing.T, opts mount.Options, cfgs ...mount.Config) *mount.Router {
	t.Helper()

	opts.Logger = zaptest.NewLogger(t)
	r, err := mount.New(cfgs, opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })

	return r
}

func route(t *testing.T, r *mount.Router, method, path string) hbridge.Action {
	t.Helper()

	act, err := r.Route(context.Background(), hbridge.NewRequest("r1", method, path, "", nil, nil))
	require.NoError(t, err)

	return act
}

// serve runs a bridge with the router in front of h and returns the engine to send requests with.
func serve(t *testing.T, r *mount.Router, h hbridge.Handler) *hbridgetest.Engine {
	t.Helper()

	if h == nil {
		h = hbridge.HandlerFunc(func(_ context.Context, req *hbridge.Request) (hbridge.Result, error) {
			return hbridge.Respond(hbridge.NewTextResponse(http.StatusOK, "app:"+req.Path())), nil
		})
	}

	eng := hbridgetest.NewEngine(t)
	hbridgetest.Run(t, hbridge.NewBridge(eng, h, hbridge.WithRouter(r), hbridge.WithLogger(hbridge.NewTestLogger(t))))

	return eng
}

func TestRewriteBeforeMatch(t *testing.T) {
	root := writeTree(t, map[string]string{"x.png": "png"})
	r := newRouter(t, mount.Options{},
		mount.Config{Type: mount.KindStatic, Prefix: "/static", Root: root},
		mount.Config{Type: mount.KindRewrite, Rules: []mount.Rule{{Pattern: `^/old/(.*)`, Replacement: "/static/$1"}}},
	)

	require.Equal(t, "/static/x.png", r.Rewrite("/old/x.png"))

	prefix, kind, ok := r.Match("/old/x.png")
	require.True(t, ok)
	require.Equal(t, "/static", prefix)
	require.Equal(t, mount.KindStatic, kind)

	rec := serve(t, r, nil).Request(http.MethodGet, "/old/x.png", "", nil).Wait(t)
	require.Equal(t, http.StatusOK, rec.Status)
	require.Equal(t, "png", rec.Body.String())
	require.Equal(t, "image/png", rec.Header.Get("Content-Type"))
}

func TestRewriteReplacesFirstMatch(t *testing.T) {
	r := newRouter(t, mount.Options{}, mount.Config{Type: mount.KindRewrite, Rules: []mount.Rule{
		{Pattern: `o`, Replacement: "0"},
		{Pattern: `/v(\d)/`, Replacement: "/api/v$1/"},
	}})

	require.Equal(t, "/f0o", r.Rewrite("/foo"))
	require.Equal(t, "/api/v1/v2/", r.Rewrite("/v1/v2/"))
	require.Equal(t, "/bar", r.Rewrite("/bar"))
}

func TestRewriteRulesInOrderOnce(t *testing.T) {
	r := newRouter(t, mount.Options{}, mount.Config{Type: mount.KindRewrite, Rules: []mount.Rule{
		{Pattern: `^/a$`, Replacement: "/b"},
		{Pattern: `^/b$`, Replacement: "/c"},
		{Pattern: `^/x(.*)$`, Replacement: "/xx$1"},
		{Pattern: `^/c$`, Replacement: "/d"},
		{Pattern: `^/(?P<name>[a-z]+)\.php$`, Replacement: "/index.php?page=${name}"},
	}})

	for in, exp := range map[string]string{
		"/a":         "/d",
		"/b":         "/d",
		"/x1":        "/xx1",
		"/z":         "/z",
		"/about.php": "/index.php?page=about",
	} {
		require.Equal(t, exp, r.Rewrite(in), in)
	}

	act := route(t, r, http.MethodGet, "/about.php")
	fwd, ok := act.(hbridge.Forward)
	require.True(t, ok)
	require.Equal(t, "/index.php", fwd.Request.Path())
	require.Equal(t, "page=about", fwd.Request.RawQuery())
}

func TestLongestSegmentPrefix(t *testing.T) {
	rootA := writeTree(t, map[string]string{"bc/f.txt": "a"})
	rootB := writeTree(t, map[string]string{"c/f.txt": "b"})
	r := newRouter(t, mount.Options{},
		mount.Config{Type: mount.KindStatic, Prefix: "/a", Root: rootA},
		mount.Config{Type: mount.KindStatic, Prefix: "/a/b/", Root: rootB},
	)

	for path, exp := range map[string]string{
		"/a/b/c/f.txt": "/a/b",
		"/a/b":         "/a/b",
		"/a/bc/f.txt":  "/a",
		"/a":           "/a",
	} {
		prefix, _, ok := r.Match(path)
		require.True(t, ok, path)
		require.Equal(t, exp, prefix, path)
	}

	_, _, ok := r.Match("/ab")
	require.False(t, ok)

	act := route(t, r, http.MethodGet, "/ab")
	require.IsType(t, hbridge.Forward{}, act)

	eng := serve(t, r, nil)
	require.Equal(t, "b", eng.Request(http.MethodGet, "/a/b/c/f.txt", "", nil).Wait(t).Body.String())
	require.Equal(t, "a", eng.Request(http.MethodGet, "/a/bc/f.txt", "", nil).Wait(t).Body.String())
}

func TestTiesFirstDeclaredWins(t *testing.T) {
	root := writeTree(t, map[string]string{"f.txt": "x"})
	r := newRouter(t, mount.Options{},
		mount.Config{Type: mount.KindUpload, Prefix: "/same"},
		mount.Config{Type: mount.KindStatic, Prefix: "/same/", Root: root},
	)

	_, kind, ok := r.Match("/same/f.txt")
	require.True(t, ok)
	require.Equal(t, mount.KindUpload, kind)
}

func TestMissHybridOrNotFound(t *testing.T) {
	root := writeTree(t, map[string]string{"f.txt": "x", ".env": "secret", "sub/.git/config": "c"})
	cfg := mount.Config{Type: mount.KindStatic, Prefix: "/", Root: root}

	t.Run("strict", func(t *testing.T) {
		r := newRouter(t, mount.Options{}, cfg)
		eng := serve(t, r, nil)

		for _, p := range []string{"/missing", "/.env", "/sub/.git/config", "/sub/"} {
			rec := eng.Request(http.MethodGet, p, "", nil).Wait(t)
			require.Equal(t, http.StatusNotFound, rec.Status, p)
		}

		_, err := r.Route(context.Background(), hbridge.NewRequest("r1", http.MethodGet, "/missing", "", nil, nil))
		require.ErrorIs(t, err, hbridge.ErrNotFound)

		rec := eng.Request(http.MethodPost, "/f.txt", "", []byte("x")).Wait(t)
		require.Equal(t, http.StatusMethodNotAllowed, rec.Status)
		require.Equal(t, "GET, HEAD", rec.Header.Get("Allow"))

		rec = eng.Request(http.MethodHead, "/f.txt", "", nil).Wait(t)
		require.Equal(t, http.StatusOK, rec.Status)
		require.Empty(t, rec.Body.String())
	})

	t.Run("hybrid", func(t *testing.T) {
		r := newRouter(t, mount.Options{Hybrid: true}, cfg)
		eng := serve(t, r, nil)

		rec := eng.Request(http.MethodGet, "/missing", "", nil).Wait(t)
		require.Equal(t, http.StatusOK, rec.Status)
		require.Equal(t, "app:/missing", rec.Body.String())

		rec = eng.Request(http.MethodPost, "/f.txt", "", []byte("x")).Wait(t)
		require.Equal(t, "app:/f.txt", rec.Body.String())

		rec = eng.Request(http.MethodGet, "/f.txt", "", nil).Wait(t)
		require.Equal(t, "x", rec.Body.String())
	})
}

func TestIndexAndListing(t *testing.T) {
	root := writeTree(t, map[string]string{
		"site/home.htm":    "<p>home</p>",
		"files/a.txt":      "a",
		"files/sub/b.txt":  "b",
		"files/.hidden":    "h",
		"files/with space": "s",
	})

	r := newRouter(t, mount.Options{MimeTypes: map[string]string{".htm": "text/x-custom"}}, mount.Config{
		Type:    mount.KindStatic,
		Prefix:  "/",
		Root:    root,
		Index:   []string{"index.html", "home.htm"},
		Listing: true,
	})
	eng := serve(t, r, nil)

	rec := eng.Request(http.MethodGet, "/site/", "", nil).Wait(t)
	require.Equal(t, "<p>home</p>", rec.Body.String())
	require.Equal(t, "text/x-custom", rec.Header.Get("Content-Type"))

	rec = eng.Request(http.MethodGet, "/files", "", nil).Wait(t)
	require.Equal(t, http.StatusOK, rec.Status)
	require.Equal(t, "text/html; charset=utf-8", rec.Header.Get("Content-Type"))
	require.Contains(t, rec.Body.String(), `href="/files/a.txt"`)
	require.Contains(t, rec.Body.String(), `href="/files/sub/"`)
	require.Contains(t, rec.Body.String(), `href="/files/with%20space"`)
	require.NotContains(t, rec.Body.String(), ".hidden")
}

func TestRangeRequest(t *testing.T) {
	root := writeTree(t, map[string]string{"data.bin": "0123456789"})
	r := newRouter(t, mount.Options{}, mount.Config{Type: mount.KindStatic, Prefix: "/d", Root: root})

	rec := serve(t, r, nil).Request(http.MethodGet, "/d/data.bin", `{"Range": "bytes=2-4"}`, nil).Wait(t)
	require.Equal(t, http.StatusPartialContent, rec.Status)
	require.Equal(t, "234", rec.Body.String())
}

func TestInvalidConfig(t *testing.T) {
	root := t.TempDir()

	for name, cfg := range map[string]mount.Config{
		"relative prefix": {Type: mount.KindStatic, Prefix: "static", Root: root},
		"empty prefix":    {Type: mount.KindStatic, Root: root},
		"unclean prefix":  {Type: mount.KindStatic, Prefix: "/a/../b", Root: root},
		"missing root":    {Type: mount.KindStatic, Prefix: "/s", Root: filepath.Join(root, "nope")},
		"relative root":   {Type: mount.KindWebDAV, Prefix: "/s", Root: "rel"},
		"missing archive": {Type: mount.KindArchive, Prefix: "/s", Archive: filepath.Join(root, "a.zip")},
		"bad pattern":     {Type: mount.KindRewrite, Rules: []mount.Rule{{Pattern: "(", Replacement: "/"}}},
		"no rules":        {Type: mount.KindRewrite},
		"unknown":         {Type: "ftp", Prefix: "/s"},
		"negative size":   {Type: mount.KindBufferUpload, Prefix: "/s", MaxSize: -1},
	} {
		_, err := mount.New([]mount.Config{cfg}, mount.Options{})
		require.ErrorIs(t, err, hbridge.ErrConfigInvalid, name)
	}
}
