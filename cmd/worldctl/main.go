// Command worldctl inspects and operates a Redis-backed world store.
//
// Connection settings come from the environment, see package config.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	zlog "github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	if closeErr := a.close(); closeErr != nil {
		zlog.Warn().Err(closeErr).Msg("failed to shut down cleanly")
	}
	stop()
	if err != nil {
		os.Exit(1)
	}
}
