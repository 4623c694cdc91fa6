// Command gandalfd is the USB-mux TCP forwarding daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/hashicorp/go-envparse"
	"github.com/r2northstar/gandalf/pkg/gandalf"
	"github.com/r2northstar/gandalf/pkg/mapping"
	"github.com/r2northstar/gandalf/pkg/muxproto"
	"github.com/r2northstar/gandalf/pkg/pidfile"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(10)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var c gandalf.Config
	if err := c.UnmarshalEnv(e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := configureLogging(&c)

	eng, err := gandalf.New(&c, log)
	if err != nil {
		log.Error().Err(err).Msg("initialize engine")
		os.Exit(1)
	}

	if c.StatusAddr.IsValid() && c.StatusAddr.Port() != 0 {
		srv, ln, err := eng.ListenAndServeStatus(c.StatusAddr.String())
		if err != nil {
			log.Error().Err(err).Msg("start status server")
			os.Exit(exitCode(err))
		}
		log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
		defer srv.Close()
	}

	if err := eng.Run(context.Background(), c.PIDFile); err != nil {
		code := exitCode(err)
		if code != 0 {
			log.Error().Err(err).Msg("run")
		}
		os.Exit(code)
	}
}

// exitCode maps an error returned by Engine.Run (or a startup step before
// it) to the CLI exit code contract in spec.md §6, by matching it against
// the typed errors the failing component actually returns. Anything that
// doesn't match a contracted case is a generic OS-level error (exit 9).
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}

	var lockErr *pidfile.LockError
	if errors.As(err, &lockErr) {
		return 3
	}
	if errors.Is(err, fs.ErrPermission) {
		return 4
	}

	var mapErr *mapping.FileError
	if errors.As(err, &mapErr) {
		return 8
	}
	if errors.Is(err, muxproto.ErrMuxUnreachable) {
		return 7
	}

	return 9
}

func configureLogging(c *gandalf.Config) zerolog.Logger {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, zerolog.ConsoleWriter{Out: os.Stdout})
		} else {
			outputs = append(outputs, os.Stdout)
		}
	}
	if len(outputs) == 0 {
		outputs = append(outputs, io.Discard)
	}
	return zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
