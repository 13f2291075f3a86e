// Package hub fans messages out to the set of connected viewers.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSendTimeout bounds a single send to one viewer
const DefaultSendTimeout = 5 * time.Second

// ErrNotRegistered is returned by SendTo for a connection the hub does not hold
var ErrNotRegistered = errors.New("hub: connection not registered")

// Connection is a live viewer
type Connection interface {
	ID() string
	// Send writes one message. Sends to the same connection are delivered in call order.
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Result counts the outcome of a broadcast
type Result struct {
	Succeeded int
	Failed    int
}

// Hub holds all viewer connections
type Hub struct {
	sendTimeout time.Duration
	logger      *zap.Logger

	mu    sync.RWMutex
	conns map[string]Connection
}

// New creates an empty hub. A non-positive sendTimeout selects DefaultSendTimeout.
func New(sendTimeout time.Duration, logger *zap.Logger) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sendTimeout: sendTimeout,
		logger:      logger.Named("hub"),
		conns:       make(map[string]Connection),
	}
}

// Register adds a connection
func (h *Hub) Register(conn Connection) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("viewer connected", zap.String("id", conn.ID()), zap.Int("viewers", n))
}

// Unregister removes a connection. It reports whether the connection was
// present; removing an absent one is a no-op.
func (h *Hub) Unregister(conn Connection) bool {
	h.mu.Lock()
	cur, ok := h.conns[conn.ID()]
	if ok && cur == conn {
		delete(h.conns, conn.ID())
	}
	n := len(h.conns)
	h.mu.Unlock()

	if !ok || cur != conn {
		return false
	}
	h.logger.Info("viewer disconnected", zap.String("id", conn.ID()), zap.Int("viewers", n))
	return true
}

// Len returns the number of registered connections
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends data to every registered connection concurrently.
// Connections whose send fails are evicted and closed. One viewer's failure
// never affects delivery to the others.
func (h *Hub) Broadcast(ctx context.Context, data []byte) Result {
	conns := h.snapshot()
	if len(conns) == 0 {
		h.logger.Warn("no viewers to broadcast to")
		return Result{}
	}

	var succeeded, failed atomic.Int64
	var g errgroup.Group
	for _, conn := range conns {
		g.Go(func() error {
			if err := h.send(ctx, conn, data); err != nil {
				failed.Add(1)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Succeeded: int(succeeded.Load()), Failed: int(failed.Load())}
	h.logger.Debug("broadcast complete", zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed))
	return res
}

// SendTo sends data to a single registered connection, evicting it on failure
func (h *Hub) SendTo(ctx context.Context, conn Connection, data []byte) error {
	h.mu.RLock()
	cur, ok := h.conns[conn.ID()]
	h.mu.RUnlock()
	if !ok || cur != conn {
		return ErrNotRegistered
	}
	return h.send(ctx, conn, data)
}

func (h *Hub) send(ctx context.Context, conn Connection, data []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()

	err := conn.Send(sendCtx, data)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// the caller gave up, the viewer is not at fault
		h.logger.Debug("send abandoned", zap.String("id", conn.ID()), zap.Error(err))
		return err
	}
	h.logger.Warn("send failed, evicting viewer", zap.String("id", conn.ID()), zap.Error(err))
	h.evict(conn)
	return err
}

func (h *Hub) evict(conn Connection) {
	if h.Unregister(conn) {
		if err := conn.Close(); err != nil {
			h.logger.Debug("close evicted viewer", zap.String("id", conn.ID()), zap.Error(err))
		}
	}
}

// CloseAll closes and removes every connection, best effort
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]Connection)
	h.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			h.logger.Debug("close viewer", zap.String("id", id), zap.Error(err))
		}
	}
	if len(conns) > 0 {
		h.logger.Info("closed all viewers", zap.Int("count", len(conns)))
	}
}
