// hbridged serves a directory, or the mounts of a configuration document, through the bridge. Requests no mount
// answers get a 404, except for the optional stats endpoint that reports the server counters as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/advdv/hbridge"
	"github.com/advdv/hbridge/hbserve"
	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		host, config, root, logLevel, statsPath string
		port, compress                          int
	)

	flagSet := pflag.NewFlagSet("hbridged", pflag.ContinueOnError)
	flagSet.StringVar(&host, "host", "", "address to listen on (env HBRIDGE_HOST)")
	flagSet.IntVarP(&port, "port", "p", 0, "port to listen on (env HBRIDGE_PORT)")
	flagSet.StringVarP(&config, "config", "c", "", "configuration document (env HBRIDGE_CONFIG)")
	flagSet.StringVarP(&root, "root", "r", "", "directory to serve when no configuration is given (env HBRIDGE_ROOT_DIR)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (env HBRIDGE_LOG_LEVEL)")
	flagSet.IntVar(&compress, "compress", 0, "gzip responses of at least this many bytes (env HBRIDGE_COMPRESS_MIN_SIZE)")
	flagSet.StringVar(&statsPath, "stats-path", "", "serve the server counters as JSON at this path")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if rest := flagSet.Args(); len(rest) > 0 {
		return errors.Newf("unexpected argument: %s", rest[0])
	}

	// flags take precedence over the environment
	for name, value := range map[string]string{
		"HBRIDGE_HOST":              host,
		"HBRIDGE_PORT":              nonZero(port),
		"HBRIDGE_CONFIG":            config,
		"HBRIDGE_ROOT_DIR":          root,
		"HBRIDGE_LOG_LEVEL":         logLevel,
		"HBRIDGE_COMPRESS_MIN_SIZE": nonZero(compress),
	} {
		if value == "" {
			continue
		}

		if err := os.Setenv(name, value); err != nil {
			return err
		}
	}

	hbserve.NewApp[hbserve.BaseEnvironment](func(inst *hbserve.Instance) error {
		return inst.SetHandler(statsHandler(inst, statsPath))
	}).Run()

	return nil
}

func nonZero(n int) string {
	if n == 0 {
		return ""
	}

	return strconv.Itoa(n)
}

// statsHandler answers the stats path with the instance counters and everything else with a 404.
func statsHandler(inst *hbserve.Instance, statsPath string) hbridge.Handler {
	return hbridge.HandlerFunc(func(_ context.Context, req *hbridge.Request) (hbridge.Result, error) {
		if statsPath == "" || req.Path() != statsPath {
			return nil, errors.Wrapf(hbridge.ErrNotFound, "%s", req.Path())
		}

		data, err := json.Marshal(inst.Stats())
		if err != nil {
			return nil, err
		}

		resp := hbridge.NewBinaryResponse(http.StatusOK, data)
		resp.Header.Set("Content-Type", "application/json")

		return hbridge.Respond(resp), nil
	})
}
