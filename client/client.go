// Package client connects to a speech hub as a viewer and, optionally, as
// an audio sender.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"example.com/speech_hub/pkg/protocol"
)

// MessageHandler receives every message pushed by the hub
type MessageHandler func(msg protocol.Outbound)

// Client is a viewer connection to the hub
type Client struct {
	url    string
	logger *zap.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	onMessage MessageHandler
	connected bool
	done      chan struct{}
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the hub websocket URL, e.g. ws://localhost:8765/ws
func New(url string, opts ...Option) *Client {
	c := &Client{url: url, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("viewer")
	return c
}

// OnMessage sets the handler for hub messages. It runs on the read goroutine.
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

// Connect dials the hub and starts reading messages
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return errors.New("already connected")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})

	go c.readMessages(conn, c.done)

	c.logger.Info("connected", zap.String("url", c.url))
	return nil
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Client) readMessages(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.connected = false
		}
		c.mu.Unlock()
		close(done)
	}()

	for {
		var msg protocol.Outbound
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (c *Client) send(msg protocol.Inbound) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return errors.New("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// StartListening asks the hub to start recognition
func (c *Client) StartListening() error {
	return c.send(protocol.Inbound{Type: protocol.TypeStartListening})
}

// StopListening asks the hub to stop recognition
func (c *Client) StopListening() error {
	return c.send(protocol.Inbound{Type: protocol.TypeStopListening})
}

// SetProfile switches the hub to the named persona
func (c *Client) SetProfile(name string) error {
	return c.send(protocol.Inbound{Type: protocol.TypeSetProfile, Profile: name})
}

// ClearHistory drops the hub's conversation context
func (c *Client) ClearHistory() error {
	return c.send(protocol.Inbound{Type: protocol.TypeClearHistory})
}

// GetStatus requests a status reply
func (c *Client) GetStatus() error {
	return c.send(protocol.Inbound{Type: protocol.TypeGetStatus})
}

// OptimizePerformance asks the hub to rebuild its speech engine
func (c *Client) OptimizePerformance() error {
	return c.send(protocol.Inbound{Type: protocol.TypeOptimizePerformance})
}

// Ask sends a typed question straight to the language model
func (c *Client) Ask(question string) error {
	return c.send(protocol.Inbound{Type: protocol.TypeManualQuestion, Question: question})
}

// SimulateSpeech injects text as if spoken; only stub engines honor it
func (c *Client) SimulateSpeech(text string) error {
	return c.send(protocol.Inbound{Type: protocol.TypeSimulateSpeech, Text: text})
}

// Close ends the connection
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.connected = false
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.logger.Info("disconnected")
	return conn.Close()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
