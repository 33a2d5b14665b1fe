package hbserve

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/advdv/hbridge"
	"github.com/advdv/hbridge/mount"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels accepted by the "verbose" key.
const (
	VerboseOff   = "off"
	VerboseError = "error"
	VerboseWarn  = "warn"
	VerboseInfo  = "info"
	VerboseDebug = "debug"
)

var (
	documentKeys = []string{"rootDir", "verbose", "mimeTypes", "hybrid", "requestTimeout", "mounts"}
	verbosities  = []string{VerboseOff, VerboseError, VerboseWarn, VerboseInfo, VerboseDebug}
	mountKinds   = []mount.Kind{
		mount.KindStatic, mount.KindArchive, mount.KindWebDAV,
		mount.KindUpload, mount.KindBufferUpload, mount.KindRewrite,
	}
)

// Config is the server configuration document. It is written as JSON that may contain comments and trailing commas:
//
//	{
//	  "rootDir": "./public",       // served at "/" after the explicit mounts
//	  "verbose": "info",           // off, error, warn, info or debug
//	  "hybrid": true,              // static misses fall through to the handler
//	  "requestTimeout": "30s",     // a duration or milliseconds, 0 disables
//	  "mimeTypes": {"wasm": "application/wasm"},
//	  "mounts": [
//	    {"type": "rewrite", "rules": [{"pattern": "^/old/(.*)", "replacement": "/new/$1"}]},
//	    {"type": "archive", "prefix": "/docs", "archive": "docs.zip", "watch": true},
//	  ],
//	}
//
// Relative paths in mounts are resolved against the directory of the document.
type Config struct {
	RootDir        string
	Verbose        string
	MimeTypes      map[string]string
	Hybrid         bool
	RequestTimeout time.Duration
	Mounts         []mount.Config
}

func invalid(err error) error {
	return errors.Wrapf(hbridge.ErrConfigInvalid, "%v", err)
}

// LoadConfig reads and parses the configuration document at path.
func LoadConfig(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, invalid(errors.Wrapf(err, "resolve config path %q", path))
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, invalid(errors.Wrapf(err, "read config %q", path))
	}

	cfg, err := ParseConfig(data, filepath.Dir(abs))
	if err != nil {
		return nil, errors.Wrapf(err, "config %q", path)
	}

	return cfg, nil
}

// ParseConfig parses a configuration document. Relative paths are resolved against baseDir.
func ParseConfig(data []byte, baseDir string) (*Config, error) {
	stripped := jsonc.ToJSON(data)
	if !gjson.ValidBytes(stripped) {
		return nil, invalid(errors.New("config is not valid JSON"))
	}

	doc := gjson.ParseBytes(stripped)
	if !doc.IsObject() {
		return nil, invalid(errors.New("config must be an object"))
	}

	var unknown []string
	doc.ForEach(func(key, _ gjson.Result) bool {
		if !lo.Contains(documentKeys, key.String()) {
			unknown = append(unknown, key.String())
		}
		return true
	})

	if len(unknown) > 0 {
		return nil, invalid(errors.Newf("unknown config keys: %v", unknown))
	}

	cfg := &Config{}

	if v := doc.Get("rootDir"); v.Exists() {
		if v.Type != gjson.String {
			return nil, invalid(errors.New("rootDir must be a string"))
		}

		cfg.RootDir = resolve(baseDir, v.String())
	}

	if v := doc.Get("verbose"); v.Exists() {
		switch v.Type {
		case gjson.True:
			cfg.Verbose = VerboseDebug
		case gjson.False:
			cfg.Verbose = VerboseOff
		case gjson.String:
			if !lo.Contains(verbosities, v.String()) {
				return nil, invalid(errors.Newf("verbose must be one of %v, got %q", verbosities, v.String()))
			}

			cfg.Verbose = v.String()
		default:
			return nil, invalid(errors.New("verbose must be a string or a boolean"))
		}
	}

	if v := doc.Get("hybrid"); v.Exists() {
		if v.Type != gjson.True && v.Type != gjson.False {
			return nil, invalid(errors.New("hybrid must be a boolean"))
		}

		cfg.Hybrid = v.Bool()
	}

	if v := doc.Get("requestTimeout"); v.Exists() {
		d, err := parseTimeout(v)
		if err != nil {
			return nil, err
		}

		cfg.RequestTimeout = d
	}

	if v := doc.Get("mimeTypes"); v.Exists() {
		if !v.IsObject() {
			return nil, invalid(errors.New("mimeTypes must be an object"))
		}

		cfg.MimeTypes = map[string]string{}

		var bad string
		v.ForEach(func(ext, typ gjson.Result) bool {
			if typ.Type != gjson.String {
				bad = ext.String()
				return false
			}

			cfg.MimeTypes[ext.String()] = typ.String()
			return true
		})

		if bad != "" {
			return nil, invalid(errors.Newf("mime type for %q must be a string", bad))
		}
	}

	if v := doc.Get("mounts"); v.Exists() {
		if !v.IsArray() {
			return nil, invalid(errors.New("mounts must be an array"))
		}

		for i, m := range v.Array() {
			mc, err := parseMount(m, baseDir)
			if err != nil {
				return nil, errors.Wrapf(err, "mount %d", i)
			}

			cfg.Mounts = append(cfg.Mounts, mc)
		}
	}

	return cfg, nil
}

func parseTimeout(v gjson.Result) (time.Duration, error) {
	var d time.Duration
	switch v.Type {
	case gjson.Number:
		d = time.Duration(v.Float() * float64(time.Millisecond))
	case gjson.String:
		var err error
		if d, err = time.ParseDuration(v.String()); err != nil {
			return 0, invalid(errors.Wrap(err, "requestTimeout"))
		}
	default:
		return 0, invalid(errors.New("requestTimeout must be a duration string or milliseconds"))
	}

	if d < 0 {
		return 0, invalid(errors.New("requestTimeout must not be negative"))
	}

	return d, nil
}

// parseMount dispatches on the type tag before decoding so unknown types are reported as such.
func parseMount(m gjson.Result, baseDir string) (mount.Config, error) {
	var mc mount.Config
	if !m.IsObject() {
		return mc, invalid(errors.New("mount must be an object"))
	}

	kind := mount.Kind(m.Get("type").String())
	if !lo.Contains(mountKinds, kind) {
		return mc, invalid(errors.Newf("unknown mount type %q", m.Get("type").String()))
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(m.Raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&mc); err != nil {
		return mc, invalid(errors.Wrapf(err, "decode %s mount", kind))
	}

	mc.Root = resolve(baseDir, mc.Root)
	mc.Archive = resolve(baseDir, mc.Archive)
	mc.TempDir = resolve(baseDir, mc.TempDir)

	return mc, nil
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}

	return filepath.Join(baseDir, p)
}

// Level returns the log level for the verbosity, ok is false when logging is off.
func (c *Config) Level() (lvl zapcore.Level, ok bool) {
	switch c.Verbose {
	case VerboseOff:
		return zapcore.InvalidLevel, false
	case VerboseError:
		return zapcore.ErrorLevel, true
	case VerboseWarn:
		return zapcore.WarnLevel, true
	case VerboseDebug:
		return zapcore.DebugLevel, true
	default:
		return zapcore.InfoLevel, true
	}
}

// mounts returns the explicit mounts followed by a static mount of RootDir at "/".
func (c *Config) mounts() []mount.Config {
	out := append([]mount.Config(nil), c.Mounts...)
	if c.RootDir != "" {
		out = append(out, mount.Config{Type: mount.KindStatic, Prefix: "/", Root: c.RootDir})
	}

	return out
}
