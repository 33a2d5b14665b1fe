package mount

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/advdv/hbridge"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultMaxBufferSize is the largest body a buffer upload mount accepts when none is configured.
const DefaultMaxBufferSize = 100 << 20

// Kind identifies the content source of a mount.
type Kind string

const (
	KindStatic       Kind = "static"
	KindArchive      Kind = "archive"
	KindWebDAV       Kind = "webdav"
	KindUpload       Kind = "upload"
	KindBufferUpload Kind = "bufferUpload"
	KindRewrite      Kind = "rewrite"
)

// Config declares one mount. Which fields apply depends on the type.
type Config struct {
	Type   Kind   `json:"type"`
	Prefix string `json:"prefix"`

	// static and webdav
	Root string `json:"root,omitempty"`

	// archive
	Archive string `json:"archive,omitempty"`
	Watch   bool   `json:"watch,omitempty"`

	// static and archive
	Index      []string `json:"index,omitempty"`
	Listing    bool     `json:"listing,omitempty"`
	ShowHidden bool     `json:"showHidden,omitempty"`

	// upload
	TempDir string `json:"tempDir,omitempty"`

	// bufferUpload
	MaxSize int64 `json:"maxSize,omitempty"`

	// rewrite
	Rules []Rule `json:"rules,omitempty"`
}

// Rule rewrites paths that match Pattern to Replacement. Replacement may refer to capture groups as $1 or ${name}.
type Rule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// Options configure the router as a whole.
type Options struct {
	// Hybrid forwards static misses and non-GET requests to the application handler instead of answering them.
	Hybrid bool
	// MimeTypes maps file extensions, with or without the dot, to content types on top of the built-in table.
	MimeTypes map[string]string
	// Logger for the router, may be nil.
	Logger *zap.Logger
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(hbridge.ErrConfigInvalid, format, args...)
}

// cleanPrefix validates a mount prefix and removes a trailing slash.
func cleanPrefix(p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", invalid("mount prefix %q must be an absolute path", p)
	}

	c := path.Clean(p)
	if c != p && c+"/" != p {
		return "", invalid("mount prefix %q is not clean", p)
	}

	return c, nil
}

func (c Config) validate() error {
	switch c.Type {
	case KindRewrite:
		if len(c.Rules) == 0 {
			return invalid("rewrite mount without rules")
		}

		for _, r := range c.Rules {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return errors.Wrapf(hbridge.ErrConfigInvalid, "rewrite pattern %q: %v", r.Pattern, err)
			}
		}

		return nil
	case KindStatic, KindWebDAV:
		if err := dirExists(c.Root); err != nil {
			return err
		}
	case KindArchive:
		if info, err := os.Stat(c.Archive); err != nil || !info.Mode().IsRegular() {
			return invalid("archive %q is not a readable file", c.Archive)
		}
	case KindUpload:
		if c.TempDir != "" {
			if err := dirExists(c.TempDir); err != nil {
				return err
			}
		}
	case KindBufferUpload:
		if c.MaxSize < 0 {
			return invalid("negative max size for buffer upload mount")
		}
	default:
		return invalid("unknown mount type %q", c.Type)
	}

	_, err := cleanPrefix(c.Prefix)

	return err
}

func dirExists(dir string) error {
	if dir == "" || !filepath.IsAbs(dir) {
		return invalid("directory %q must be an absolute path", dir)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return invalid("directory %q does not exist", dir)
	}

	return nil
}
