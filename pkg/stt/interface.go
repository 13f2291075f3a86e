package stt

import (
	"context"

	"go.uber.org/zap"
)

// TranscriptCallback is called when a transcript is received
type TranscriptCallback func(transcript string, isFinal bool)

// UtteranceEndCallback is called when the user finishes speaking
type UtteranceEndCallback func()

// Client defines the interface for speech-to-text providers
type Client interface {
	// OnTranscript sets the callback for transcriptions
	OnTranscript(callback TranscriptCallback)

	// OnUtteranceEnd sets the callback for when the user finishes speaking
	OnUtteranceEnd(callback UtteranceEndCallback)

	// Connect establishes connection to the STT service
	Connect(ctx context.Context) error

	// SendAudio sends PCM audio data to the STT service
	SendAudio(pcmData []byte) error

	// Close closes the connection
	Close() error

	// IsConnected returns connection status
	IsConnected() bool
}

// Provider names a speech-to-text backend
type Provider string

const (
	ProviderDeepgram   Provider = "deepgram"
	ProviderAssemblyAI Provider = "assemblyai"
)

// Config holds common STT connection settings
type Config struct {
	APIKey         string
	URL            string // overrides the provider endpoint
	Language       string // e.g. "ru", empty for provider default
	SampleRate     int    // e.g., 48000
	Channels       int    // e.g., 1 or 2
	UtteranceEndMs int    // Milliseconds of silence before utterance end
	Logger         *zap.Logger
}
