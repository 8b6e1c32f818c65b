package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// handleGracefulExit exits immediately if another SIGINT or SIGTERM arrives
// after ctx is done, i.e. while the graceful shutdown is still waiting for
// analyses and handlers to finish.
func handleGracefulExit(ctx context.Context) {
	go func() {
		<-ctx.Done()

		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc,
			syscall.SIGINT,
			syscall.SIGTERM)

		s := <-sigc
		log.Warn().Msgf("got %s during shutdown, exiting", s)
		os.Exit(1)
	}()
}
