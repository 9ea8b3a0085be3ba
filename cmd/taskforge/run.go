package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runDaemon wires the core and blocks until SIGINT or SIGTERM, then drains
// and persists state.
func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}

	c.logger.Info("taskforge ready",
		zap.String("version", Version),
		zap.String("strategy", string(c.lb.Strategy())),
		zap.Int("backends", len(c.pool.List())))

	<-ctx.Done()
	c.logger.Info("shutting down")
	c.shutdown()
	return nil
}
