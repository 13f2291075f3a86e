package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"example.com/speech_hub/pkg/config"
	"example.com/speech_hub/pkg/conversation"
	"example.com/speech_hub/pkg/hub"
	"example.com/speech_hub/pkg/ingest"
	"example.com/speech_hub/pkg/openai"
	"example.com/speech_hub/pkg/security"
	"example.com/speech_hub/pkg/session"
	"example.com/speech_hub/pkg/speech"
	"example.com/speech_hub/pkg/stt"
)

// version is reported in the welcome message; set with -ldflags "-X main.version=..."
var version = "1.0.0"

// app holds the wired hub components
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	orch    *session.Orchestrator
	loop    *session.Loop
	ingest  *ingest.Ingest
	monitor *security.Monitor
	handler http.Handler
}

type appOption func(*session.Config)

// withExit replaces the process exit used by emergency shutdown
func withExit(exit func(int)) appOption {
	return func(c *session.Config) { c.Exit = exit }
}

func newApp(cfg *config.Config, logger *zap.Logger, opts ...appOption) (*app, error) {
	llm, err := openai.NewClient(openai.Config{APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.BaseURL})
	if err != nil {
		return nil, err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	generator, err := conversation.NewGenerator(llm, registry, conversation.GeneratorConfig{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		WindowSize:  cfg.HistorySize,
		Logger:      logger.Named("generator"),
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	engine := a.buildEngine()

	loop := session.NewLoop(0, logger)
	sessionCfg := session.Config{
		Engine:    engine,
		Generator: generator,
		Hub:       hub.New(cfg.SendTimeout, logger),
		Loop:      loop,
		StopGrace: cfg.StopGrace,
		Version:   version,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&sessionCfg)
	}
	orch, err := session.New(sessionCfg)
	if err != nil {
		return nil, err
	}
	a.orch = orch
	a.loop = loop

	if cfg.SecurityMonitor {
		a.monitor = security.NewMonitor(cfg.SecurityInterval, logger)
	}

	h := &handlers{orch: orch, logger: logger.Named("http")}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/health", handleHealth)
	if a.ingest != nil {
		mux.Handle("/audio/offer", a.ingest)
	}
	a.handler = mux

	logger.Info("speech hub ready",
		zap.String("engine", string(engine.Kind())),
		zap.String("persona", generator.Persona().Name),
		zap.String("model", cfg.LLM.Model))
	return a, nil
}

// buildEngine picks the live engine when an STT provider is configured and
// falls back to the stub otherwise.
func (a *app) buildEngine() speech.Engine {
	if a.cfg.STT.Provider == "" {
		a.logger.Warn("no speech-to-text provider configured, using stub engine")
		return speech.NewStubEngine(a.logger)
	}

	in := ingest.New(ingest.Config{SampleRate: a.cfg.STT.SampleRate, Logger: a.logger})
	engine, err := speech.NewLiveEngine(speech.LiveConfig{
		Provider: a.cfg.STT.Provider,
		STT: stt.Config{
			APIKey:     a.cfg.STT.APIKey,
			Language:   a.cfg.STT.Language,
			SampleRate: in.SampleRate(),
			Channels:   1,
		},
		Source: in,
		Logger: a.logger,
	})
	if err != nil {
		a.logger.Warn("live speech engine unavailable, using stub engine", zap.Error(err))
		return speech.NewStubEngine(a.logger)
	}
	a.ingest = in
	return engine
}

// start launches the background goroutines
func (a *app) start(ctx context.Context) {
	go a.loop.Run(ctx)
	if a.monitor != nil {
		go a.monitor.Run(ctx)
	}
}

func (a *app) shutdown(ctx context.Context) {
	a.orch.Shutdown(ctx)
	if a.ingest != nil {
		if err := a.ingest.Close(); err != nil {
			a.logger.Debug("close ingest", zap.Error(err))
		}
	}
}
