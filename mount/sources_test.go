package mount_test

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/advdv/hbridge"
	"github.com/advdv/hbridge/mount"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	// replace atomically so a watcher never sees a partial archive
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, buf.Bytes(), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestArchiveMount(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "app.zip")
	writeZip(t, archive, map[string]string{
		"index.html":     "<h1>v1</h1>",
		"assets/app.css": "body{}",
	})

	r := newRouter(t, mount.Options{}, mount.Config{
		Type:    mount.KindArchive,
		Prefix:  "/app",
		Archive: archive,
		Watch:   true,
	})
	eng := serve(t, r, nil)

	rec := eng.Request(http.MethodGet, "/app/", "", nil).Wait(t)
	require.Equal(t, http.StatusOK, rec.Status)
	require.Equal(t, "<h1>v1</h1>", rec.Body.String())

	rec = eng.Request(http.MethodGet, "/app/assets/app.css", "", nil).Wait(t)
	require.Equal(t, "body{}", rec.Body.String())
	require.Equal(t, "text/css; charset=utf-8", rec.Header.Get("Content-Type"))

	rec = eng.Request(http.MethodGet, "/app/nope.js", "", nil).Wait(t)
	require.Equal(t, http.StatusNotFound, rec.Status)

	writeZip(t, archive, map[string]string{"index.html": "<h1>v2</h1>"})
	require.Eventually(t, func() bool {
		return eng.Request(http.MethodGet, "/app/", "", nil).Wait(t).Body.String() == "<h1>v2</h1>"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWebDAVMount(t *testing.T) {
	root := t.TempDir()
	r := newRouter(t, mount.Options{}, mount.Config{Type: mount.KindWebDAV, Prefix: "/dav", Root: root})
	eng := serve(t, r, nil)

	rec := eng.Request("MKCOL", "/dav/docs", "", nil).Wait(t)
	require.Equal(t, http.StatusCreated, rec.Status)

	rec = eng.Request(http.MethodPut, "/dav/docs/note.txt", "", []byte("hi")).Wait(t)
	require.Equal(t, http.StatusCreated, rec.Status)

	data, err := os.ReadFile(filepath.Join(root, "docs", "note.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))

	rec = eng.Request(http.MethodGet, "/dav/docs/note.txt", "", nil).Wait(t)
	require.Equal(t, "hi", rec.Body.String())

	rec = eng.Request("PROPFIND", "/dav/docs/", `{"Depth": "1"}`, nil).Wait(t)
	require.Equal(t, http.StatusMultiStatus, rec.Status)
	require.Contains(t, rec.Body.String(), "note.txt")
}

func TestUploadMultipart(t *testing.T) {
	tmp := t.TempDir()
	r := newRouter(t, mount.Options{}, mount.Config{Type: mount.KindUpload, Prefix: "/up", TempDir: tmp})

	seen := make(chan []string, 1)
	eng := serve(t, r, hbridge.HandlerFunc(func(_ context.Context, req *hbridge.Request) (hbridge.Result, error) {
		hdrs := req.Headers()
		paths := hdrs.Values(mount.HeaderUploadPath)
		names := hdrs.Values(mount.HeaderUploadFilename)
		sizes := hdrs.Values(mount.HeaderUploadSize)
		fields := hdrs.Values(mount.HeaderUploadField)

		var out []string
		for i, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, err
			}
			out = append(out, fmt.Sprintf("%s=%s:%s:%s", fields[i], names[i], sizes[i], data))
		}

		seen <- paths
		body := strings.Join(out, ",") + "|" + string(hbridge.BodyBytes(req.Body())) + "|" + hdrs.Get("Content-Type")

		return hbridge.Respond(hbridge.NewTextResponse(http.StatusOK, body)), nil
	}))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "My Title"))
	fw, err := mw.CreateFormFile("doc", "a.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("hello"))
	fw, err = mw.CreateFormFile("img", "b.bin")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("abc"))
	require.NoError(t, mw.Close())

	blob := fmt.Sprintf(`{"Content-Type": %q, "X-Upload-Path": "/etc/passwd"}`, mw.FormDataContentType())
	rec := eng.StreamBody(http.MethodPost, "/up/form", mustHeaders(t, blob), buf.Bytes()[:10], buf.Bytes()[10:]).Wait(t)
	require.Equal(t, http.StatusOK, rec.Status)
	require.Equal(t,
		"doc=a.txt:5:hello,img=b.bin:3:abc|title=My+Title|application/x-www-form-urlencoded",
		rec.Body.String())

	paths := <-seen
	require.Len(t, paths, 2)
	for _, p := range paths {
		require.Equal(t, tmp, filepath.Dir(p))
		require.Eventually(t, func() bool {
			_, err := os.Stat(p)
			return os.IsNotExist(err)
		}, time.Second, time.Millisecond, "upload is removed after the response")
	}
}

func TestUploadRawBody(t *testing.T) {
	tmp := t.TempDir()
	r := newRouter(t, mount.Options{}, mount.Config{Type: mount.KindUpload, Prefix: "/up", TempDir: tmp})

	eng := serve(t, r, hbridge.HandlerFunc(func(_ context.Context, req *hbridge.Request) (hbridge.Result, error) {
		data, err := os.ReadFile(req.Header(mount.HeaderUploadPath))
		if err != nil {
			return nil, err
		}

		assert.Equal(t, hbridge.BodyAbsent, req.Body().Kind())

		return hbridge.Respond(hbridge.NewTextResponse(http.StatusOK,
			req.Header(mount.HeaderUploadFilename)+":"+req.Header(mount.HeaderUploadSize)+":"+string(data))), nil
	}))

	rec := eng.Request(http.MethodPut, "/up/raw.dat", "", []byte("raw bytes")).Wait(t)
	require.Equal(t, "raw.dat:9:raw bytes", rec.Body.String())

	// other methods pass through untouched
	rec = eng.Request(http.MethodGet, "/up/raw.dat", "", nil).Wait(t)
	require.Equal(t, http.StatusInternalServerError, rec.Status)
}

func TestBufferUpload(t *testing.T) {
	r := newRouter(t, mount.Options{}, mount.Config{Type: mount.KindBufferUpload, Prefix: "/buf", MaxSize: 8})

	eng := serve(t, r, hbridge.HandlerFunc(func(_ context.Context, req *hbridge.Request) (hbridge.Result, error) {
		resp := hbridge.NewBinaryResponse(http.StatusOK, hbridge.BodyBytes(req.Body()))
		resp.Header.Set("X-Kind", req.Body().Kind().String())
		resp.Header.Set("X-Name", req.Header(mount.HeaderUploadFilename))

		return hbridge.Respond(resp), nil
	}))

	rec := eng.Request(http.MethodPost, "/buf/f.bin", "", []byte{0, 1, 2, 3, 4, 5, 6, 7}).Wait(t)
	require.Equal(t, http.StatusOK, rec.Status)
	require.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, rec.Body.Bytes())
	require.Equal(t, "binary", rec.Header.Get("X-Kind"))
	require.Equal(t, "f.bin", rec.Header.Get("X-Name"))

	rec = eng.Request(http.MethodPost, "/buf/f.bin", "", make([]byte, 9)).Wait(t)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Status)

	rec, feed := eng.StreamRequest(http.MethodPost, "/buf/big", nil, 100)
	defer feed.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Wait(t).Status)
}

func mustHeaders(t *testing.T, blob string) hbridge.HeaderList {
	t.Helper()

	h, err := hbridge.ParseHeaderBlob(blob)
	require.NoError(t, err)

	return h
}
