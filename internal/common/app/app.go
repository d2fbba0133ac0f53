package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// CreateContextWithShutdown returns a context that is cancelled on the first SIGINT or SIGTERM.
// A second signal exits the process immediately.
func CreateContextWithShutdown() context.Context {
	c := make(chan os.Signal, 2)
	signal.Notify(c, shutdownSignals...)
	return contextWithShutdown(c, func() { os.Exit(1) })
}

func contextWithShutdown(signals <-chan os.Signal, exit func()) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-signals
		log.WithField("signal", sig.String()).Info("shutting down; signal again to exit immediately")
		cancel()
		sig = <-signals
		log.WithField("signal", sig.String()).Warn("exiting without graceful shutdown")
		exit()
	}()
	return ctx
}
