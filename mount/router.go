// Package mount resolves request paths against a set of content sources: static directories, zip archives, WebDAV
// roots and upload sinks. Rewrite rules apply to every path before it is matched, paths that no mount claims are
// forwarded to the application handler.
package mount

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/advdv/hbridge"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/net/webdav"
)

type rewrite struct {
	re          *regexp.Regexp
	replacement string
}

// mount is a configured, ready to serve content source.
type mount struct {
	cfg    Config
	prefix string
	files  fs.FS
	dav    *webdav.Handler
	arch   *archive
}

// Router implements [hbridge.Router] on top of a set of mounts. It is immutable once created.
type Router struct {
	logs     *zap.Logger
	hybrid   bool
	mimes    mimeTable
	rewrites []rewrite
	mounts   []*mount
}

// New validates the configuration and prepares every mount. Any invalid mount fails the whole router.
func New(cfgs []Config, opts Options) (*Router, error) {
	r := &Router{
		logs:   opts.Logger,
		hybrid: opts.Hybrid,
		mimes:  newMimeTable(opts.MimeTypes),
	}

	if r.logs == nil {
		r.logs = zap.NewNop()
	}

	r.logs = r.logs.Named("mount")

	for i, cfg := range cfgs {
		if err := cfg.validate(); err != nil {
			_ = r.Close()
			return nil, errors.Wrapf(err, "mount %d", i)
		}

		if cfg.Type == KindRewrite {
			for _, rule := range cfg.Rules {
				r.rewrites = append(r.rewrites, rewrite{regexp.MustCompile(rule.Pattern), rule.Replacement})
			}

			continue
		}

		m, err := r.prepare(cfg)
		if err != nil {
			_ = r.Close()
			return nil, errors.Wrapf(err, "mount %d", i)
		}

		r.mounts = append(r.mounts, m)
	}

	return r, nil
}

func (r *Router) prepare(cfg Config) (*mount, error) {
	prefix, _ := cleanPrefix(cfg.Prefix)
	m := &mount{cfg: cfg, prefix: prefix}

	switch cfg.Type {
	case KindStatic:
		m.files = os.DirFS(cfg.Root)
	case KindArchive:
		arch, err := openArchive(cfg.Archive, cfg.Watch, r.logs)
		if err != nil {
			return nil, err
		}

		m.arch, m.files = arch, arch
	case KindWebDAV:
		m.dav = &webdav.Handler{
			Prefix:     strings.TrimSuffix(prefix, "/"),
			FileSystem: webdav.Dir(cfg.Root),
			LockSystem: webdav.NewMemLS(),
			Logger: func(req *http.Request, err error) {
				if err != nil {
					r.logs.Debug("webdav request failed", zap.String("method", req.Method), zap.Error(err))
				}
			},
		}
	case KindUpload:
		if m.cfg.TempDir == "" {
			m.cfg.TempDir = os.TempDir()
		}
	case KindBufferUpload:
		if m.cfg.MaxSize == 0 {
			m.cfg.MaxSize = DefaultMaxBufferSize
		}
	case KindRewrite:
	}

	return m, nil
}

// Close releases archive readers and stops watching archives.
func (r *Router) Close() error {
	var errs []error
	for _, m := range r.mounts {
		if m.arch != nil {
			errs = append(errs, m.arch.Close())
		}
	}

	return errors.Join(errs...)
}

// Rewrite applies the rewrite rules to p in declaration order. Each rule is tried once against the output of the
// previous rule and replaces its first match only, a rule that does not match leaves the path unchanged.
func (r *Router) Rewrite(p string) string {
	for _, rw := range r.rewrites {
		loc := rw.re.FindStringSubmatchIndex(p)
		if loc == nil {
			continue
		}

		p = p[:loc[0]] + string(rw.re.ExpandString(nil, rw.replacement, p, loc)) + p[loc[1]:]
	}

	return p
}

// match returns the mount with the longest prefix that matches p on segment boundaries, and the remainder of p
// below that prefix. Mounts declared first win ties.
func (r *Router) match(p string) (*mount, string) {
	var best *mount
	for _, m := range r.mounts {
		if !hasSegmentPrefix(p, m.prefix) {
			continue
		}

		if best == nil || len(m.prefix) > len(best.prefix) {
			best = m
		}
	}

	if best == nil {
		return nil, p
	}

	return best, stripPrefix(best.prefix, p)
}

// Match reports the prefix of the mount that would serve p, after rewriting.
func (r *Router) Match(p string) (prefix string, kind Kind, ok bool) {
	m, _ := r.match(r.Rewrite(p))
	if m == nil {
		return "", "", false
	}

	return m.prefix, m.cfg.Type, true
}

func hasSegmentPrefix(p, prefix string) bool {
	switch {
	case prefix == "/":
		return true
	case p == prefix:
		return true
	default:
		return strings.HasPrefix(p, prefix+"/")
	}
}

// stripPrefix removes prefix from p, the result always starts with a slash.
func stripPrefix(prefix, p string) string {
	if prefix == "/" {
		return p
	}

	rest := strings.TrimPrefix(p, prefix)
	if rest == "" {
		rest = "/"
	}

	return rest
}

// Route implements [hbridge.Router].
func (r *Router) Route(ctx context.Context, req *hbridge.Request) (hbridge.Action, error) {
	if rewritten := r.Rewrite(req.Path()); rewritten != req.Path() {
		p, q, hasQuery := strings.Cut(rewritten, "?")
		req = req.WithPath(p)
		if hasQuery {
			req = req.WithQuery(joinQuery(q, req.RawQuery()))
		}
	}

	m, rest := r.match(req.Path())
	if m == nil {
		return hbridge.Forward{Request: req}, nil
	}

	switch m.cfg.Type {
	case KindStatic, KindArchive:
		return r.routeFiles(req, m, rest)
	case KindWebDAV:
		return hbridge.Serve{Handler: m.dav, Request: req}, nil
	case KindUpload:
		return r.routeUpload(ctx, req, m, rest)
	case KindBufferUpload:
		return r.routeBufferUpload(ctx, req, m, rest)
	case KindRewrite:
	}

	return nil, errors.Newf("unroutable mount type %q", m.cfg.Type)
}

func joinQuery(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "&" + b
	}
}

// miss is the outcome for paths inside a file mount that resolve to nothing: the application handler in hybrid
// mode, [hbridge.ErrNotFound] otherwise.
func (r *Router) miss(req *hbridge.Request) (hbridge.Action, error) {
	if r.hybrid {
		return hbridge.Forward{Request: req}, nil
	}

	return nil, errors.Wrapf(hbridge.ErrNotFound, "%s", req.Path())
}

func textResponse(status int) *hbridge.Response {
	resp := hbridge.NewTextResponse(status, http.StatusText(status))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("X-Content-Type-Options", "nosniff")

	return resp
}

var _ hbridge.Router = &Router{}
