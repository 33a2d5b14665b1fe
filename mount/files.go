package mount

import (
	"bytes"
	"html"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/advdv/hbridge"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var defaultIndex = []string{"index.html"}

// routeFiles resolves rest against a static or archive mount: a regular file is served, a directory is served by its
// first index file or a listing, anything else is a miss.
func (r *Router) routeFiles(req *hbridge.Request, m *mount, rest string) (hbridge.Action, error) {
	if req.Method() != http.MethodGet && req.Method() != http.MethodHead {
		if r.hybrid {
			return hbridge.Forward{Request: req}, nil
		}

		resp := textResponse(http.StatusMethodNotAllowed)
		resp.Header.Set("Allow", "GET, HEAD")

		return hbridge.Reply{Response: resp}, nil
	}

	name, ok := fsName(rest, m.cfg.ShowHidden)
	if !ok {
		return r.miss(req)
	}

	info, err := fs.Stat(m.files, name)
	if err != nil {
		return r.miss(req)
	}

	if info.Mode().IsRegular() {
		return hbridge.Serve{Handler: r.fileHandler(m.files, name), Request: req}, nil
	}

	if !info.IsDir() {
		return r.miss(req)
	}

	index := m.cfg.Index
	if index == nil {
		index = defaultIndex
	}

	for _, idx := range index {
		p := path.Join(name, idx)
		if fi, err := fs.Stat(m.files, p); err == nil && fi.Mode().IsRegular() {
			return hbridge.Serve{Handler: r.fileHandler(m.files, p), Request: req}, nil
		}
	}

	if m.cfg.Listing {
		return hbridge.Serve{Handler: r.listingHandler(m, name), Request: req}, nil
	}

	return r.miss(req)
}

// fsName turns a mount relative url path into an fs.FS name. Paths with hidden segments are rejected unless shown.
func fsName(rest string, showHidden bool) (string, bool) {
	name := strings.TrimPrefix(path.Clean("/"+rest), "/")
	if name == "" {
		return ".", true
	}

	if !fs.ValidPath(name) {
		return "", false
	}

	if !showHidden && lo.SomeBy(strings.Split(name, "/"), isHidden) {
		return "", false
	}

	return name, true
}

func isHidden(name string) bool { return strings.HasPrefix(name, ".") }

func (r *Router) fileHandler(fsys fs.FS, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		f, err := fsys.Open(name)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			r.logs.Error("failed to stat file", zap.String("name", name), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		content, ok := f.(io.ReadSeeker)
		if !ok {
			data, err := io.ReadAll(f)
			if err != nil {
				r.logs.Error("failed to read file", zap.String("name", name), zap.Error(err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			content = bytes.NewReader(data)
		}

		w.Header().Set("Content-Type", r.mimes.lookup(name))
		http.ServeContent(w, req, info.Name(), info.ModTime(), content)
	})
}

func (r *Router) listingHandler(m *mount, dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		entries, err := fs.ReadDir(m.files, dir)
		if err != nil {
			r.logs.Error("failed to list directory", zap.String("dir", dir), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		if !m.cfg.ShowHidden {
			entries = lo.Reject(entries, func(e fs.DirEntry, _ int) bool { return isHidden(e.Name()) })
		}

		base := req.URL.Path
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}

		var buf bytes.Buffer
		title := html.EscapeString(base)
		buf.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>Index of ` + title + `</title></head>`)
		buf.WriteString(`<body><h1>Index of ` + title + `</h1><table border="1">`)
		buf.WriteString(`<tr><th>name</th><th>size(in bytes)</th><th>time</th></tr>`)

		if dir != "." {
			buf.WriteString(`<tr><td><a href="../">../</a></td><td></td><td></td></tr>`)
		}

		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}

			name, size := e.Name(), strconv.FormatInt(info.Size(), 10)
			if e.IsDir() {
				name, size = name+"/", "-"
			}

			href := (&url.URL{Path: base + name}).EscapedPath()
			buf.WriteString(`<tr><td><a href="` + html.EscapeString(href) + `">` + html.EscapeString(name) +
				`</a></td><td>` + size + `</td><td>` + info.ModTime().UTC().Format(http.TimeFormat) + `</td></tr>`)
		}

		buf.WriteString(`</table></body></html>`)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusOK)

		if req.Method != http.MethodHead {
			_, _ = buf.WriteTo(w)
		}
	})
}
