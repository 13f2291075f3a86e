//go:build windows

package main

import (
	"context"

	"go.uber.org/zap"
)

func watchEmergency(_ context.Context, _ *app, logger *zap.Logger) {
	logger.Warn("kill switch signal not supported on windows")
}
