package shutdown

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// WatchSignals turns SIGINT and SIGTERM into a stop request and SIGTSTP into
// a pause toggle until the returned func is called. Once a stop is under way,
// a further SIGINT or SIGTERM is handed to force so that a slow drain can be
// cut short. A nil force ignores it.
func (c *Controller) WatchSignals(force func(os.Signal)) (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGTSTP)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigChan:
				slog.Info("Received signal", "signal", sig)
				if sig == syscall.SIGTSTP {
					c.TogglePause()
					continue
				}
				if c.Request(ReasonSignal) {
					continue
				}
				if force != nil {
					slog.Warn("Stop already under way, forcing exit", "signal", sig)
					force(sig)
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(done)
		})
	}
}

// Reraise restores the default action of sig and delivers it to the current
// process, which ends it the way the signal would have without a handler.
func Reraise(sig os.Signal) {
	signal.Reset(sig)
	if s, ok := sig.(syscall.Signal); ok {
		_ = syscall.Kill(syscall.Getpid(), s)
	}
}
