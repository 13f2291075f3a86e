// Package session coordinates the listening controller, the response
// generator and the viewer hub on a single event loop.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize = 64
	// DefaultOneShotTimeout bounds a task run outside the loop
	DefaultOneShotTimeout = 35 * time.Second
)

// Task is a unit of work executed on the loop
type Task func(ctx context.Context)

// Loop runs tasks one at a time on its own goroutine. Tasks posted from
// other goroutines never run concurrently with each other. A task accepted
// by Post always runs, even if the loop stops before reaching it.
type Loop struct {
	tasks          chan Task
	quit           chan struct{}
	stopOnce       sync.Once
	oneShotTimeout time.Duration
	logger         *zap.Logger

	// mu orders Post against the switch to not accepting, so nothing can be
	// queued after the final drain
	mu        sync.RWMutex
	accepting bool
}

// NewLoop creates a loop. It accepts tasks once Run has been called.
func NewLoop(oneShotTimeout time.Duration, logger *zap.Logger) *Loop {
	if oneShotTimeout <= 0 {
		oneShotTimeout = DefaultOneShotTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		tasks:          make(chan Task, defaultQueueSize),
		quit:           make(chan struct{}),
		oneShotTimeout: oneShotTimeout,
		logger:         logger.Named("loop"),
	}
}

// Run executes tasks until Stop is called or ctx is done. Tasks still queued
// at that point run before Run returns, each on its own bounded context.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	select {
	case <-l.quit:
		l.mu.Unlock()
		return
	default:
	}
	l.accepting = true
	l.mu.Unlock()

	defer l.drain()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.logger.Debug("loop running")
	for {
		select {
		case <-l.quit:
			return
		case <-ctx.Done():
			return
		case task := <-l.tasks:
			if ctx.Err() != nil {
				l.runOneShot(task)
				continue
			}
			l.run(ctx, task)
		}
	}
}

// drain stops accepting and runs whatever Post already queued
func (l *Loop) drain() {
	l.Stop()
	n := 0
	for {
		select {
		case task := <-l.tasks:
			n++
			l.runOneShot(task)
		default:
			if n > 0 {
				l.logger.Info("ran queued tasks after stop", zap.Int("count", n))
			}
			return
		}
	}
}

func (l *Loop) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", zap.Any("panic", r))
		}
	}()
	task(ctx)
}

func (l *Loop) runOneShot(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), l.oneShotTimeout)
	defer cancel()
	l.run(ctx, task)
}

// Alive reports whether the loop is accepting tasks
func (l *Loop) Alive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accepting
}

// Post queues task. It returns false when the loop is not running.
func (l *Loop) Post(task Task) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.accepting {
		return false
	}
	select {
	case l.tasks <- task:
		return true
	case <-l.quit:
		return false
	}
}

// Submit posts task, or runs it in the calling goroutine on a fresh bounded
// context when the loop is not running.
func (l *Loop) Submit(task Task) {
	if l.Post(task) {
		return
	}
	l.logger.Debug("loop not running, executing task inline")
	l.runOneShot(task)
}

// Stop makes Run return after the current task and the queued ones. Safe to
// call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
	// waits out in-flight Posts; quit unblocks any stuck on a full queue
	l.mu.Lock()
	l.accepting = false
	l.mu.Unlock()
}
