package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
)

var errViewerClosed = errors.New("viewer closed")

// wsViewer is a viewer connected over WebSocket
type wsViewer struct {
	id     string
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newViewer(conn *websocket.Conn, logger *zap.Logger) *wsViewer {
	id := uuid.NewString()
	return &wsViewer{
		id:     id,
		conn:   conn,
		logger: logger.With(zap.String("viewer", id), zap.String("remote", conn.RemoteAddr().String())),
		done:   make(chan struct{}),
	}
}

func (v *wsViewer) ID() string { return v.id }

// Send writes one text frame. Writes are serialized so each viewer receives
// messages in the order they were sent.
func (v *wsViewer) Send(ctx context.Context, data []byte) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	select {
	case <-v.done:
		return errViewerClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := v.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return v.conn.WriteMessage(websocket.TextMessage, data)
}

func (v *wsViewer) ping() error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	return v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame and drops the connection. Safe to call more than once.
func (v *wsViewer) Close() error {
	var err error
	v.closeOnce.Do(func() {
		close(v.done)
		_ = v.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
			time.Now().Add(time.Second))
		err = v.conn.Close()
	})
	return err
}

// keepAlive pings until the viewer is closed
func (v *wsViewer) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-v.done:
			return
		case <-ticker.C:
			if err := v.ping(); err != nil {
				v.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
