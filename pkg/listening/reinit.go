package listening

import (
	"context"

	"go.uber.org/zap"

	"example.com/speech_hub/pkg/speech"
)

// ReinitResult describes the outcome of Reinitialize
type ReinitResult struct {
	Success bool
	Message string
	// Restarted is set when listening was resumed after the rebuild
	Restarted bool
	// RestartFailed is set when listening was active before and could not be resumed
	RestartFailed bool
}

// Reinitialize rebuilds the engine with its current parameters. Listening is
// paused around the rebuild and resumed if it was active. Any failure leaves
// the controller Idle.
func (c *Controller) Reinitialize(ctx context.Context) ReinitResult {
	if c.engine.Kind() == speech.KindStub {
		return ReinitResult{Success: true, Message: "stub engine active"}
	}

	wasListening := c.IsListening()
	if wasListening {
		c.Stop(ctx)
	}

	if err := c.engine.Reinitialize(ctx); err != nil {
		c.logger.Error("engine reinitialize failed", zap.Error(err))
		return ReinitResult{Message: "reinitialize failed: " + err.Error(), RestartFailed: wasListening}
	}

	if !wasListening {
		return ReinitResult{Success: true, Message: "speech engine reinitialized"}
	}
	if err := c.Start(ctx); err != nil {
		return ReinitResult{Message: "restart failed: " + err.Error(), RestartFailed: true}
	}
	return ReinitResult{Success: true, Message: "speech engine reinitialized", Restarted: true}
}
