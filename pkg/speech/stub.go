package speech

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// StubEngine never hears anything; text only arrives through Simulate
type StubEngine struct {
	logger *zap.Logger

	mu        sync.Mutex
	listening bool
	callback  TextCallback
}

// NewStubEngine creates a stub engine
func NewStubEngine(logger *zap.Logger) *StubEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubEngine{logger: logger.Named("stub_engine")}
}

func (s *StubEngine) Kind() Kind { return KindStub }

func (s *StubEngine) SetTextCallback(cb TextCallback) {
	s.mu.Lock()
	s.callback = cb
	s.mu.Unlock()
}

// Start marks the stub as listening
func (s *StubEngine) Start(context.Context) error {
	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()
	s.logger.Info("listening started")
	return nil
}

// Stop marks the stub as idle
func (s *StubEngine) Stop(context.Context) error {
	s.mu.Lock()
	s.listening = false
	s.mu.Unlock()
	s.logger.Info("listening stopped")
	return nil
}

func (s *StubEngine) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		IsListening:  s.listening,
		RecorderType: string(KindStub),
	}
}

func (s *StubEngine) RecorderInfo() RecorderInfo {
	return RecorderInfo{Type: string(KindStub), Status: "active"}
}

// Simulate delivers text on a separate goroutine, the way a real recognizer
// reports from its own worker.
func (s *StubEngine) Simulate(text string) error {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()

	if cb == nil {
		s.logger.Warn("no text callback for simulated speech")
		return nil
	}
	s.logger.Info("simulating speech", zap.String("text", text))
	go cb(text)
	return nil
}

func (s *StubEngine) Reinitialize(context.Context) error { return nil }
