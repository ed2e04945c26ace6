package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
)

// Serve validates cfg, wires the App and runs it until SIGINT/SIGTERM or
// until parent is cancelled. It returns an error instead of exiting so
// defers in the caller still run.
func Serve(parent context.Context, cfg Config, log Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
