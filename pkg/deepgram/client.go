package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"example.com/speech_hub/pkg/stt"
)

const (
	deepgramWSURL = "wss://api.deepgram.com/v1/listen"
)

// Client is a Deepgram real-time STT client
type Client struct {
	apiKey         string
	endpoint       string
	language       string
	sampleRate     int
	channels       int
	utteranceEndMs int
	logger         *zap.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	callback       stt.TranscriptCallback
	utteranceEndCb stt.UtteranceEndCallback
	connected      bool
	done           chan struct{}
}

// messageType is used to determine the type of Deepgram message
type messageType struct {
	Type string `json:"type"`
}

// transcriptResponse represents Deepgram's transcript response
type transcriptResponse struct {
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool `json:"is_final"`
}

// NewClient creates a new Deepgram client
func NewClient(config stt.Config) *Client {
	if config.SampleRate == 0 {
		config.SampleRate = 48000
	}
	if config.Channels == 0 {
		config.Channels = 1
	}
	if config.UtteranceEndMs == 0 {
		config.UtteranceEndMs = 1000
	}
	if config.URL == "" {
		config.URL = deepgramWSURL
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Client{
		apiKey:         config.APIKey,
		endpoint:       config.URL,
		language:       config.Language,
		sampleRate:     config.SampleRate,
		channels:       config.Channels,
		utteranceEndMs: config.UtteranceEndMs,
		logger:         config.Logger.Named("deepgram"),
		done:           make(chan struct{}),
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

func (c *Client) streamURL() string {
	q := url.Values{}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(c.sampleRate))
	q.Set("channels", strconv.Itoa(c.channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", strconv.Itoa(c.utteranceEndMs))
	if c.language != "" {
		q.Set("language", c.language)
	}
	return c.endpoint + "?" + q.Encode()
}

// Connect establishes WebSocket connection to Deepgram
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.conn != nil {
		// previous stream dropped on its own
		close(c.done)
		_ = c.conn.Close()
		c.conn = nil
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+c.apiKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.streamURL(), header)
	if err != nil {
		return fmt.Errorf("deepgram connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})

	go c.readResponses(conn, c.done)

	c.logger.Info("connected to speech-to-text service")
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
		select {
		case <-done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			c.logger.Warn("read error", zap.Error(err))
			return
		}

		var msgType messageType
		if err := json.Unmarshal(message, &msgType); err != nil {
			continue
		}

		switch msgType.Type {
		case "UtteranceEnd":
			c.logger.Debug("utterance end detected")
			c.mu.Lock()
			cb := c.utteranceEndCb
			c.mu.Unlock()
			if cb != nil {
				cb()
			}

		case "Results":
			var resp transcriptResponse
			if err := json.Unmarshal(message, &resp); err != nil {
				continue
			}
			if len(resp.Channel.Alternatives) == 0 {
				continue
			}
			transcript := resp.Channel.Alternatives[0].Transcript
			c.mu.Lock()
			cb := c.callback
			c.mu.Unlock()
			if transcript != "" && cb != nil {
				cb(transcript, resp.IsFinal)
			}
		}
	}
}

// SendAudio sends PCM audio data to Deepgram
func (c *Client) SendAudio(pcmData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return fmt.Errorf("not connected")
	}

	return c.conn.WriteMessage(websocket.BinaryMessage, pcmData)
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	close(c.done)
	_ = c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`))
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
