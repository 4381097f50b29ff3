package warden

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader re-fetches the engine's configured rule and trigger
// sources on SIGHUP. Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher and waits for it to exit.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that reloads the engine's sources on
// each SIGHUP.
func WatchSIGHUP(engine *Engine, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading lists")
				if err := engine.ReloadSources(ctx); err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				logger.Info("lists reloaded")
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
