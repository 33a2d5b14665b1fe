package hbserve

import (
	"net"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
)

// Environment defines the interface that all environment configurations must implement.
// Embed BaseEnvironment in your struct to satisfy this interface.
type Environment interface {
	addr() string
	serviceName() string
	configPath() string
	rootDir() string
	logLevel() zapcore.Level
	otelExporter() string
	compressMinSize() int
}

// BaseEnvironment contains the HBRIDGE_ environment variables the server reads.
type BaseEnvironment struct {
	Host        string        `env:"HBRIDGE_HOST" envDefault:"127.0.0.1"`
	Port        int           `env:"HBRIDGE_PORT" envDefault:"8080"`
	ServiceName string        `env:"HBRIDGE_SERVICE_NAME" envDefault:"hbridge"`
	ConfigPath  string        `env:"HBRIDGE_CONFIG"`
	RootDir     string        `env:"HBRIDGE_ROOT_DIR"`
	LogLevel    zapcore.Level `env:"HBRIDGE_LOG_LEVEL" envDefault:"info"`
	// OtelExporter selects the span exporter: "none" or "stdout".
	OtelExporter string `env:"HBRIDGE_OTEL_EXPORTER" envDefault:"none"`
	// CompressMinSize enables gzip compression of responses of at least this many bytes. Zero disables it.
	CompressMinSize int `env:"HBRIDGE_COMPRESS_MIN_SIZE" envDefault:"0"`
}

func (e BaseEnvironment) addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e BaseEnvironment) serviceName() string {
	return e.ServiceName
}

func (e BaseEnvironment) configPath() string {
	return e.ConfigPath
}

func (e BaseEnvironment) rootDir() string {
	return e.RootDir
}

func (e BaseEnvironment) logLevel() zapcore.Level {
	return e.LogLevel
}

func (e BaseEnvironment) otelExporter() string {
	return e.OtelExporter
}

func (e BaseEnvironment) compressMinSize() int {
	return e.CompressMinSize
}

var _ Environment = BaseEnvironment{}

// ParseEnv parses environment variables into the given Environment type.
func ParseEnv[E Environment]() func() (E, error) {
	return func() (e E, err error) {
		if err := env.Parse(&e); err != nil {
			return e, errors.Wrap(err, "failed to parse environment")
		}
		return e, nil
	}
}
