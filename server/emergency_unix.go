//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// watchEmergency triggers an emergency shutdown on SIGUSR1
func watchEmergency(ctx context.Context, a *app, logger *zap.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(sig)
		select {
		case <-sig:
			a.orch.EmergencyShutdown()
		case <-ctx.Done():
		}
	}()
	logger.Info("kill switch armed", zap.String("signal", "SIGUSR1"))
}
