package assemblyai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"example.com/speech_hub/pkg/audio"
	"example.com/speech_hub/pkg/stt"
)

const (
	// Universal Streaming API endpoint
	assemblyWSURL = "wss://streaming.assemblyai.com/v3/ws"

	targetSampleRate = 16000

	// minAudioBytes is 100ms at 16kHz mono; the service wants 50-1000ms per send
	minAudioBytes = 3200
)

// Client is an AssemblyAI Universal Streaming STT client
type Client struct {
	apiKey     string
	endpoint   string
	sampleRate int
	channels   int
	logger     *zap.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	callback       stt.TranscriptCallback
	utteranceEndCb stt.UtteranceEndCallback
	connected      bool
	done           chan struct{}
	lastTranscript string
	audioBuffer    []byte
}

// turnMessage is a Universal Streaming transcript update
type turnMessage struct {
	Type                string  `json:"type"`
	TurnOrder           int     `json:"turn_order"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
}

// NewClient creates a new AssemblyAI client. Audio is downmixed and resampled
// to 16kHz mono before sending.
func NewClient(config stt.Config) *Client {
	if config.SampleRate == 0 {
		config.SampleRate = 48000
	}
	if config.Channels == 0 {
		config.Channels = 1
	}
	if config.URL == "" {
		config.URL = assemblyWSURL
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Client{
		apiKey:      config.APIKey,
		endpoint:    config.URL,
		sampleRate:  config.SampleRate,
		channels:    config.Channels,
		logger:      config.Logger.Named("assemblyai"),
		done:        make(chan struct{}),
		audioBuffer: make([]byte, 0, minAudioBytes*2),
	}
}

// OnTranscript sets the callback for transcriptions
func (c *Client) OnTranscript(callback stt.TranscriptCallback) {
	c.mu.Lock()
	c.callback = callback
	c.mu.Unlock()
}

// OnUtteranceEnd sets the callback for when the user finishes speaking
func (c *Client) OnUtteranceEnd(callback stt.UtteranceEndCallback) {
	c.mu.Lock()
	c.utteranceEndCb = callback
	c.mu.Unlock()
}

// Connect opens the streaming session
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.conn != nil {
		close(c.done)
		_ = c.conn.Close()
		c.conn = nil
	}

	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(targetSampleRate))
	q.Set("format_turns", "true")

	header := http.Header{}
	header.Set("Authorization", c.apiKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint+"?"+q.Encode(), header)
	if err != nil {
		return fmt.Errorf("assemblyai connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	c.lastTranscript = ""
	c.audioBuffer = c.audioBuffer[:0]

	go c.readResponses(conn, c.done)

	c.logger.Info("connected to universal streaming service")
	return nil
}

func (c *Client) readResponses(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.connected = false
		}
		c.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &base); err != nil {
			c.logger.Debug("unparseable message", zap.Error(err))
			continue
		}

		switch base.Type {
		case "Begin", "SessionBegins":
			c.logger.Debug("session started")

		case "Turn":
			var turn turnMessage
			if err := json.Unmarshal(message, &turn); err != nil {
				continue
			}
			c.handleTurn(turn)

		case "Termination", "SessionTerminated":
			c.logger.Info("session terminated")
			return

		case "Error":
			c.logger.Warn("service error", zap.ByteString("message", message))
		}
	}
}

// handleTurn forwards only the newly finalized part of the running transcript
func (c *Client) handleTurn(turn turnMessage) {
	c.mu.Lock()
	cb := c.callback
	endCb := c.utteranceEndCb
	newText := ""
	if turn.Transcript != "" && turn.Transcript != c.lastTranscript {
		newText = turn.Transcript
		if strings.HasPrefix(turn.Transcript, c.lastTranscript) {
			newText = strings.TrimSpace(turn.Transcript[len(c.lastTranscript):])
		}
		c.lastTranscript = turn.Transcript
	}
	if turn.EndOfTurn {
		c.lastTranscript = ""
	}
	c.mu.Unlock()

	if newText != "" && cb != nil {
		cb(newText, true)
	}
	if turn.EndOfTurn && endCb != nil {
		c.logger.Debug("end of turn", zap.Float64("confidence", turn.EndOfTurnConfidence))
		endCb()
	}
}

// SendAudio buffers PCM s16le at the configured rate and sends it in chunks
// of at least 100ms once converted to 16kHz mono.
func (c *Client) SendAudio(pcmData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return fmt.Errorf("not connected")
	}

	samples := audio.BytesToSamples(pcmData)
	if c.channels == 2 {
		samples = audio.StereoToMono(samples)
	}
	samples = audio.Resample(samples, c.sampleRate, targetSampleRate)

	c.audioBuffer = append(c.audioBuffer, audio.SamplesToBytes(samples)...)
	if len(c.audioBuffer) < minAudioBytes {
		return nil
	}

	err := c.conn.WriteMessage(websocket.BinaryMessage, c.audioBuffer)
	c.audioBuffer = c.audioBuffer[:0]
	return err
}

// Close terminates the session
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	close(c.done)
	_ = c.conn.WriteJSON(map[string]string{"type": "Terminate"})
	err := c.conn.Close()

	c.conn = nil
	c.connected = false
	c.logger.Info("disconnected")
	return err
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
