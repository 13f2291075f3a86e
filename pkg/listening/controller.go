// Package listening owns the lifecycle of the speech recognition engine.
package listening

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/speech_hub/pkg/speech"
)

// DefaultStopGrace bounds how long Stop waits for the engine worker
const DefaultStopGrace = 2 * time.Second

// ErrBusy is returned by Start while a stop is in progress, or when a stop
// overtook the start
var ErrBusy = errors.New("listening: stop in progress")

// State is the controller's lifecycle state
type State int

const (
	Idle State = iota
	Starting
	Listening
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Dispatcher hands recognized text to the session. It must be safe to call
// from any goroutine.
type Dispatcher interface {
	Dispatch(text string)
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(text string)

func (f DispatcherFunc) Dispatch(text string) { f(text) }

// Config configures a Controller
type Config struct {
	Engine     speech.Engine
	Dispatcher Dispatcher
	StopGrace  time.Duration
	Logger     *zap.Logger
}

// Controller is the state machine around a speech.Engine
type Controller struct {
	engine     speech.Engine
	dispatcher Dispatcher
	stopGrace  time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	state State
}

// New creates a controller and registers it as the engine's text receiver
func New(cfg Config) (*Controller, error) {
	if cfg.Engine == nil {
		return nil, errors.New("listening: engine is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("listening: dispatcher is required")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Controller{
		engine:     cfg.Engine,
		dispatcher: cfg.Dispatcher,
		stopGrace:  cfg.StopGrace,
		logger:     cfg.Logger.Named("listening"),
	}
	cfg.Engine.SetTextCallback(c.OnTextProduced)
	return c, nil
}

// Start brings the engine up. Calling it while already listening succeeds
// without touching the engine.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Listening, Starting:
		c.mu.Unlock()
		return nil
	case Stopping:
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = Starting
	c.mu.Unlock()

	err := c.engine.Start(ctx)

	c.mu.Lock()
	if c.state != Starting {
		// stopped while the engine was starting
		c.mu.Unlock()
		if err == nil {
			c.logger.Warn("stop arrived during start, shutting the engine down")
			c.stopEngine(ctx)
		}
		return ErrBusy
	}
	defer c.mu.Unlock()
	if err != nil {
		c.state = Idle
		c.logger.Error("engine start failed", zap.Error(err))
		return err
	}
	c.state = Listening
	return nil
}

// Stop halts the engine. It returns within the stop grace period even if
// the engine worker never exits, and always leaves the controller Idle.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.state == Idle || c.state == Stopping {
		c.mu.Unlock()
		return
	}
	c.state = Stopping
	c.mu.Unlock()

	c.stopEngine(ctx)

	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
}

// stopEngine runs engine.Stop bounded by the stop grace period
func (c *Controller) stopEngine(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(ctx, c.stopGrace)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.engine.Stop(stopCtx) }()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Warn("engine did not stop cleanly, continuing degraded", zap.Error(err))
		}
	case <-stopCtx.Done():
		c.logger.Warn("engine worker still running after grace period, continuing degraded",
			zap.Duration("grace", c.stopGrace))
	}
}

// OnTextProduced receives text from the engine. Blank text is dropped.
func (c *Controller) OnTextProduced(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.dispatcher.Dispatch(text)
}

// Status reports the current state
func (c *Controller) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsListening reports whether the controller is in the Listening state
func (c *Controller) IsListening() bool {
	return c.Status() == Listening
}

// Info returns the engine status
func (c *Controller) Info() speech.Status {
	return c.engine.Status()
}

// RecorderInfo returns the engine backend description
func (c *Controller) RecorderInfo() speech.RecorderInfo {
	return c.engine.RecorderInfo()
}

// EngineKind reports which engine variant is installed
func (c *Controller) EngineKind() speech.Kind {
	return c.engine.Kind()
}

// Simulate injects text through the engine
func (c *Controller) Simulate(text string) error {
	return c.engine.Simulate(text)
}
