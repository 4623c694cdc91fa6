package gandalf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/r2northstar/gandalf/pkg/pidfile"
)

// Run is the lifecycle controller (C7): it takes and holds the PID file
// for the duration of the process, wires the daemon's signal table
// (spec.md §4.7 — SIGPIPE ignored, SIGUSR1 reload, SIGUSR2/SIGTERM
// graceful shutdown), starts the forwarding engine, and blocks until ctx
// is cancelled, a shutdown signal arrives, or the engine's mux
// subscription fails. It always closes every bound listener before
// returning.
func (e *Engine) Run(ctx context.Context, pidFilePath string) error {
	pf, err := pidfile.Create(pidFilePath)
	if err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	defer pf.Remove()

	signal.Ignore(syscall.SIGPIPE)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGUSR2, syscall.SIGTERM)
	defer stop()

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGUSR1)
	defer signal.Stop(reloadCh)

	go func() {
		for range reloadCh {
			e.log.Info().Msg("received SIGUSR1, reloading mapping")
			e.mu.Lock()
			path := e.mappingPath
			e.mu.Unlock()
			if err := e.Reload(path); err != nil {
				e.log.Error().Err(err).Msg("reload failed, previous mapping and listeners retained")
			}
		}
	}()

	err = e.Start(ctx)
	e.Shutdown()

	if errors.Is(err, context.Canceled) {
		e.log.Info().Msg("shutdown complete")
		return nil
	}
	return err
}
