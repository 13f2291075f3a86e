// Package speech defines the recognition engine port used by the listening
// controller and its two implementations: a live engine that streams captured
// audio to a speech-to-text provider, and a stub for running without one.
package speech

import (
	"context"
	"errors"
)

var (
	// ErrSimulationUnsupported is returned by engines that only produce text from real audio
	ErrSimulationUnsupported = errors.New("speech: engine does not support simulated speech")
	// ErrListening is returned when an operation needs a stopped engine
	ErrListening = errors.New("speech: engine is listening")
)

// Kind tells which engine implementation is in use
type Kind string

const (
	KindStub Kind = "stub"
	KindLive Kind = "live"
)

// TextCallback receives finalized text segments. It may be invoked from any
// goroutine.
type TextCallback func(text string)

// Status is the engine state reported to viewers
type Status struct {
	IsListening  bool   `json:"is_listening"`
	HasRecorder  bool   `json:"has_recorder"`
	RecorderType string `json:"recorder_type"`
	ThreadAlive  bool   `json:"thread_alive"`
}

// RecorderInfo describes the recognition backend
type RecorderInfo struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	Provider   string `json:"provider,omitempty"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Engine is a speech recognition engine
type Engine interface {
	Kind() Kind
	// SetTextCallback registers the receiver of recognized text
	SetTextCallback(cb TextCallback)
	// Start begins recognition; it returns once the engine is producing or has failed
	Start(ctx context.Context) error
	// Stop signals the engine to halt and waits for its worker until ctx is done
	Stop(ctx context.Context) error
	Status() Status
	RecorderInfo() RecorderInfo
	// Simulate injects text as if it had been spoken
	Simulate(text string) error
	// Reinitialize rebuilds the engine with its current parameters. The engine must be stopped.
	Reinitialize(ctx context.Context) error
}
