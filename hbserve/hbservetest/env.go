package hbservetest

import (
	"strconv"
	"testing"
)

// Env provides a chainable builder for setting [hbserve.BaseEnvironment] env vars
// via t.Setenv. Create one with [SetBaseEnv].
type Env struct {
	t testing.TB
}

// SetBaseEnv sets the [hbserve.BaseEnvironment] env vars to test defaults.
//
// Defaults:
//   - HBRIDGE_HOST: "127.0.0.1"
//   - HBRIDGE_PORT: "0", the instance picks a free port
//   - HBRIDGE_SERVICE_NAME: "test"
//   - HBRIDGE_LOG_LEVEL: "error"
//   - HBRIDGE_OTEL_EXPORTER: "none"
//   - HBRIDGE_CONFIG and HBRIDGE_ROOT_DIR: unset
func SetBaseEnv(t testing.TB) *Env {
	t.Helper()
	t.Setenv("HBRIDGE_HOST", "127.0.0.1")
	t.Setenv("HBRIDGE_PORT", "0")
	t.Setenv("HBRIDGE_SERVICE_NAME", "test")
	t.Setenv("HBRIDGE_LOG_LEVEL", "error")
	t.Setenv("HBRIDGE_OTEL_EXPORTER", "none")
	t.Setenv("HBRIDGE_CONFIG", "")
	t.Setenv("HBRIDGE_ROOT_DIR", "")
	return &Env{t: t}
}

// Port overrides HBRIDGE_PORT.
func (e *Env) Port(port int) *Env {
	e.t.Helper()
	e.t.Setenv("HBRIDGE_PORT", strconv.Itoa(port))
	return e
}

// ConfigPath overrides HBRIDGE_CONFIG.
func (e *Env) ConfigPath(path string) *Env {
	e.t.Helper()
	e.t.Setenv("HBRIDGE_CONFIG", path)
	return e
}

// RootDir overrides HBRIDGE_ROOT_DIR.
func (e *Env) RootDir(dir string) *Env {
	e.t.Helper()
	e.t.Setenv("HBRIDGE_ROOT_DIR", dir)
	return e
}

// OtelExporter overrides HBRIDGE_OTEL_EXPORTER.
func (e *Env) OtelExporter(exporter string) *Env {
	e.t.Helper()
	e.t.Setenv("HBRIDGE_OTEL_EXPORTER", exporter)
	return e
}

// CompressMinSize overrides HBRIDGE_COMPRESS_MIN_SIZE.
func (e *Env) CompressMinSize(n int) *Env {
	e.t.Helper()
	e.t.Setenv("HBRIDGE_COMPRESS_MIN_SIZE", strconv.Itoa(n))
	return e
}
