package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/speech_hub/pkg/conversation"
	"example.com/speech_hub/pkg/hub"
	"example.com/speech_hub/pkg/listening"
	"example.com/speech_hub/pkg/protocol"
	"example.com/speech_hub/pkg/speech"
)

const (
	defaultVersion = "1.0.0"
	defaultWelcome = "Connected to speech hub"
)

// Config wires an Orchestrator
type Config struct {
	Engine    speech.Engine
	Generator *conversation.Generator
	Hub       *hub.Hub
	Loop      *Loop
	StopGrace time.Duration
	Version   string
	// Exit terminates the process after an emergency shutdown; os.Exit by default
	Exit func(code int)
	// Now stamps transcriptions and answers; time.Now by default
	Now    func() time.Time
	Logger *zap.Logger
}

// Orchestrator turns recognized speech and viewer control messages into
// broadcasts. Control messages and recognized text are handled on the loop.
type Orchestrator struct {
	controller *listening.Controller
	generator  *conversation.Generator
	hub        *hub.Hub
	loop       *Loop
	stopGrace  time.Duration
	version    string
	exit       func(int)
	now        func() time.Time
	logger     *zap.Logger

	// answers run off the loop; baseCtx is cancelled on shutdown
	baseCtx context.Context
	cancel  context.CancelFunc
	answers sync.WaitGroup

	shutdownOnce  sync.Once
	emergencyOnce sync.Once
}

// New builds the orchestrator and its listening controller
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Generator == nil || cfg.Hub == nil || cfg.Loop == nil {
		return nil, errors.New("session: generator, hub and loop are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = listening.DefaultStopGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	o := &Orchestrator{
		generator: cfg.Generator,
		hub:       cfg.Hub,
		loop:      cfg.Loop,
		stopGrace: cfg.StopGrace,
		version:   cfg.Version,
		exit:      cfg.Exit,
		now:       cfg.Now,
		logger:    cfg.Logger.Named("session"),
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())

	controller, err := listening.New(listening.Config{
		Engine:     cfg.Engine,
		Dispatcher: listening.DispatcherFunc(o.dispatchText),
		StopGrace:  cfg.StopGrace,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	o.controller = controller
	return o, nil
}

// Controller exposes the listening controller
func (o *Orchestrator) Controller() *listening.Controller {
	return o.controller
}

func (o *Orchestrator) dispatchText(text string) {
	o.loop.Submit(func(ctx context.Context) {
		o.HandleRecognizedText(ctx, text)
	})
}

// HandleRecognizedText broadcasts a transcription and then asks the
// generator for an answer.
func (o *Orchestrator) HandleRecognizedText(ctx context.Context, text string) {
	o.logger.Info("speech recognized", zap.String("text", text))
	o.broadcast(ctx, protocol.SpeechTranscription(text, o.now()))
	o.answer(text)
}

// answer runs generation off the loop and broadcasts the reply on success
func (o *Orchestrator) answer(question string) {
	if o.baseCtx.Err() != nil {
		o.logger.Debug("shutting down, question dropped", zap.String("question", question))
		return
	}
	o.answers.Add(1)
	go func() {
		defer o.answers.Done()

		answer, err := o.generator.Generate(o.baseCtx, question)
		if err != nil {
			o.logger.Warn("no answer produced", zap.String("question", question), zap.Error(err))
			return
		}
		o.broadcast(o.baseCtx, protocol.AIResponse(question, answer, o.now()))
	}()
}

func (o *Orchestrator) broadcast(ctx context.Context, msg protocol.Outbound) hub.Result {
	data, err := protocol.Encode(msg)
	if err != nil {
		o.logger.Error("encode broadcast", zap.Error(err))
		return hub.Result{}
	}
	res := o.hub.Broadcast(ctx, data)
	o.logger.Info("broadcast",
		zap.String("type", msg.Type),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed))
	return res
}

func (o *Orchestrator) reply(ctx context.Context, conn hub.Connection, msg protocol.Outbound) {
	data, err := protocol.Encode(msg)
	if err != nil {
		o.logger.Error("encode reply", zap.Error(err))
		return
	}
	if err := o.hub.SendTo(ctx, conn, data); err != nil {
		o.logger.Warn("reply failed", zap.String("type", msg.Type), zap.String("viewer", conn.ID()), zap.Error(err))
	}
}

// Attach registers a viewer and greets it
func (o *Orchestrator) Attach(ctx context.Context, conn hub.Connection) {
	o.hub.Register(conn)
	o.reply(ctx, conn, protocol.Welcome(defaultWelcome, o.version))
}

// Detach removes a viewer
func (o *Orchestrator) Detach(conn hub.Connection) {
	o.hub.Unregister(conn)
}

// Receive schedules a raw viewer message for handling on the loop
func (o *Orchestrator) Receive(conn hub.Connection, data []byte) {
	o.loop.Submit(func(ctx context.Context) {
		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			o.logger.Warn("ignoring viewer message", zap.String("viewer", conn.ID()), zap.Error(err))
			return
		}
		o.HandleControl(ctx, conn, msg)
	})
}

// HandleControl executes one control message and replies to its sender
func (o *Orchestrator) HandleControl(ctx context.Context, conn hub.Connection, msg protocol.Inbound) {
	o.logger.Debug("control message", zap.String("type", msg.Type), zap.String("viewer", conn.ID()))

	switch msg.Type {
	case protocol.TypeStartListening:
		status := protocol.ListeningStarted
		if err := o.controller.Start(ctx); err != nil {
			status = protocol.ListeningFailed
		}
		o.reply(ctx, conn, protocol.ListeningStatus(status))

	case protocol.TypeStopListening:
		o.controller.Stop(ctx)
		o.reply(ctx, conn, protocol.ListeningStatus(protocol.ListeningStopped))

	case protocol.TypeSetProfile:
		name := msg.Profile
		if name == "" {
			name = o.generator.DefaultPersona().Name
		}
		err := o.generator.SetPersona(name)
		o.reply(ctx, conn, protocol.ProfileChanged(o.generator.Persona().Name))
		if err != nil {
			o.reply(ctx, conn, protocol.Error("unknown profile: "+name))
		}

	case protocol.TypeClearHistory:
		o.generator.ClearHistory()
		o.reply(ctx, conn, protocol.HistoryCleared())

	case protocol.TypeGetStatus:
		o.reply(ctx, conn, protocol.Status(o.Snapshot()))

	case protocol.TypeOptimizePerformance:
		res := o.controller.Reinitialize(ctx)
		status := "success"
		if !res.Success {
			status = "error"
		}
		if res.RestartFailed {
			o.broadcast(ctx, protocol.ListeningStatus(protocol.ListeningFailed))
		}
		o.reply(ctx, conn, protocol.PerformanceOptimized(res.Message, status))

	case protocol.TypeManualQuestion:
		question := strings.TrimSpace(msg.Question)
		if question == "" {
			return
		}
		o.answer(question)

	case protocol.TypeSimulateSpeech:
		if err := o.controller.Simulate(msg.Text); err != nil {
			o.logger.Warn("simulate speech ignored", zap.Error(err))
		}

	default:
		o.logger.Warn("unknown control message", zap.String("type", msg.Type))
	}
}

// Snapshot gathers the state reported by get_status
func (o *Orchestrator) Snapshot() protocol.Snapshot {
	return protocol.Snapshot{
		Engine:        o.controller.Info(),
		Recorder:      o.controller.RecorderInfo(),
		Profile:       o.generator.Persona().Name,
		HistoryLength: o.generator.HistoryLen(),
		Clients:       o.hub.Len(),
	}
}

// Shutdown stops listening, closes every viewer and stops the loop. Pending
// answers are abandoned. Safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.shutdownOnce.Do(func() {
		o.logger.Info("shutting down")
		o.cancel()
		o.controller.Stop(ctx)
		o.hub.CloseAll()
		o.loop.Stop()

		done := make(chan struct{})
		go func() {
			o.answers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			o.logger.Warn("answers still running at shutdown")
		}
		o.logger.Info("stopped")
	})
}

// EmergencyShutdown tears everything down and exits the process. It may be
// called from any goroutine; only the first call has an effect.
func (o *Orchestrator) EmergencyShutdown() {
	o.emergencyOnce.Do(func() {
		o.logger.Warn("emergency shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), o.stopGrace+time.Second)
		o.Shutdown(ctx)
		cancel()
		o.exit(0)
	})
}
