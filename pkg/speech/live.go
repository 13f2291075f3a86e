package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"example.com/speech_hub/pkg/assemblyai"
	"example.com/speech_hub/pkg/deepgram"
	"example.com/speech_hub/pkg/stt"
)

const (
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = 30 * time.Second
	connectTimeout      = 10 * time.Second
)

// AudioSource yields PCM s16le frames at the sample rate given in the STT config
type AudioSource interface {
	Frames() <-chan []byte
}

// ClientFactory builds a streaming STT client
type ClientFactory func(cfg stt.Config) stt.Client

// NewProviderClient returns the client for a known provider
func NewProviderClient(provider stt.Provider) (ClientFactory, error) {
	switch provider {
	case stt.ProviderDeepgram:
		return func(cfg stt.Config) stt.Client { return deepgram.NewClient(cfg) }, nil
	case stt.ProviderAssemblyAI:
		return func(cfg stt.Config) stt.Client { return assemblyai.NewClient(cfg) }, nil
	}
	return nil, fmt.Errorf("speech: unknown stt provider %q", provider)
}

// LiveConfig configures a LiveEngine
type LiveConfig struct {
	Provider stt.Provider
	STT      stt.Config
	Source   AudioSource
	// NewClient overrides the provider client, mostly for tests
	NewClient ClientFactory
	// RetryBackoff is the first wait between reconnect attempts; it doubles
	// up to 30s
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

// LiveEngine streams audio from a source to a speech-to-text provider and
// reports each completed utterance as one text segment.
type LiveEngine struct {
	cfg       LiveConfig
	newClient ClientFactory
	logger    *zap.Logger

	mu         sync.Mutex
	callback   TextCallback
	client     stt.Client
	listening  bool
	stop       chan struct{}
	workerDone chan struct{}
	pending    []string
}

// NewLiveEngine validates cfg and creates an engine. Nothing is dialed until Start.
func NewLiveEngine(cfg LiveConfig) (*LiveEngine, error) {
	if cfg.Source == nil {
		return nil, errors.New("speech: audio source is required")
	}
	if cfg.STT.APIKey == "" {
		return nil, fmt.Errorf("speech: api key for %s is required", cfg.Provider)
	}
	factory := cfg.NewClient
	if factory == nil {
		var err error
		if factory, err = NewProviderClient(cfg.Provider); err != nil {
			return nil, err
		}
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.STT.Logger == nil {
		cfg.STT.Logger = cfg.Logger
	}

	return &LiveEngine{
		cfg:       cfg,
		newClient: factory,
		logger:    cfg.Logger.Named("live_engine"),
	}, nil
}

func (e *LiveEngine) Kind() Kind { return KindLive }

// SetTextCallback sets the receiver of completed utterances
func (e *LiveEngine) SetTextCallback(cb TextCallback) {
	e.mu.Lock()
	e.callback = cb
	e.mu.Unlock()
}

// Start connects to the provider and launches the audio pump
func (e *LiveEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listening {
		return nil
	}

	client := e.newClient(e.cfg.STT)
	client.OnTranscript(e.handleTranscript)
	client.OnUtteranceEnd(e.handleUtteranceEnd)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("speech: connect %s: %w", e.cfg.Provider, err)
	}

	e.client = client
	e.pending = nil
	e.stop = make(chan struct{})
	e.workerDone = make(chan struct{})
	e.listening = true

	go e.pump(client, e.stop, e.workerDone)

	e.logger.Info("listening started", zap.String("provider", string(e.cfg.Provider)))
	return nil
}

func (e *LiveEngine) pump(client stt.Client, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	frames := e.cfg.Source.Frames()
	for {
		select {
		case <-stop:
			return
		case frame, ok := <-frames:
			if !ok {
				e.logger.Warn("audio source closed")
				<-stop
				return
			}
			if !client.IsConnected() {
				if !e.reconnect(client, stop) {
					return
				}
			}
			if err := client.SendAudio(frame); err != nil {
				e.logger.Warn("send audio failed", zap.Error(err))
			}
		}
	}
}

// reconnect redials after a dropped stream with exponential backoff.
// It returns false once stop is closed.
func (e *LiveEngine) reconnect(client stt.Client, stop <-chan struct{}) bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := retry.WithCappedDuration(maxRetryBackoff, retry.NewExponential(e.cfg.RetryBackoff))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
		defer cancelDial()
		if err := client.Connect(dialCtx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			e.logger.Warn("stt reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return false
	}
	e.logger.Info("stt stream reconnected", zap.Int("attempts", attempt))
	return true
}

func (e *LiveEngine) handleTranscript(transcript string, isFinal bool) {
	if !isFinal {
		return
	}
	e.mu.Lock()
	e.pending = append(e.pending, transcript)
	e.mu.Unlock()
}

func (e *LiveEngine) handleUtteranceEnd() {
	e.mu.Lock()
	text := strings.TrimSpace(strings.Join(e.pending, " "))
	e.pending = nil
	cb := e.callback
	e.mu.Unlock()

	if text == "" || cb == nil {
		return
	}
	e.logger.Debug("utterance complete", zap.String("text", text))
	cb(text)
}

// Stop closes the provider stream and waits for the pump to exit or ctx to end
func (e *LiveEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.listening {
		e.mu.Unlock()
		return nil
	}
	close(e.stop)
	client := e.client
	done := e.workerDone
	e.client = nil
	e.listening = false
	e.mu.Unlock()

	if err := client.Close(); err != nil {
		e.logger.Debug("close stt client", zap.Error(err))
	}

	select {
	case <-done:
		e.logger.Info("listening stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *LiveEngine) workerAlive() bool {
	if e.workerDone == nil {
		return false
	}
	select {
	case <-e.workerDone:
		return false
	default:
		return true
	}
}

// Status reports whether the pump is running
func (e *LiveEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		IsListening:  e.listening,
		HasRecorder:  true,
		RecorderType: string(e.cfg.Provider),
		ThreadAlive:  e.workerAlive(),
	}
}

// RecorderInfo describes the provider stream
func (e *LiveEngine) RecorderInfo() RecorderInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := "ready"
	if e.listening {
		status = "listening"
	}
	return RecorderInfo{
		Type:       string(KindLive),
		Status:     status,
		Provider:   string(e.cfg.Provider),
		Language:   e.cfg.STT.Language,
		SampleRate: e.cfg.STT.SampleRate,
	}
}

// Simulate is not supported on live audio
func (e *LiveEngine) Simulate(string) error {
	return ErrSimulationUnsupported
}

// Reinitialize drops buffered text and checks that the provider accepts a
// fresh stream.
func (e *LiveEngine) Reinitialize(ctx context.Context) error {
	e.mu.Lock()
	if e.listening {
		e.mu.Unlock()
		return ErrListening
	}
	e.pending = nil
	e.mu.Unlock()

	check := e.newClient(e.cfg.STT)
	if err := check.Connect(ctx); err != nil {
		return fmt.Errorf("speech: reinitialize %s: %w", e.cfg.Provider, err)
	}
	return check.Close()
}
