// Package security watches for screen capture and meeting software running
// alongside the hub.
package security

import (
	"context"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const (
	DefaultInterval = 5 * time.Second

	defaultErrorBackoff = 5 * time.Second
	maxErrorBackoff     = time.Minute
)

// DefaultWatchList names capture tools by executable base name
var DefaultWatchList = []string{
	"obs64", "obs32", "obs",
	"bandicam", "fraps", "camtasia",
	"screenrec", "hypercam", "snagit",
	"zoom", "teams", "skype",
}

// Proc is a running process
type Proc struct {
	PID  int32
	Name string
}

// Lister enumerates running processes
type Lister func(ctx context.Context) ([]Proc, error)

// ListProcesses reads the process table with gopsutil. Processes that vanish
// or deny access while being read are skipped.
func ListProcesses(ctx context.Context) ([]Proc, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, Proc{PID: p.Pid, Name: name})
	}
	return out, nil
}

// Monitor periodically scans processes and logs watched ones
type Monitor struct {
	interval     time.Duration
	errorBackoff time.Duration
	watch        map[string]struct{}
	list         Lister
	logger       *zap.Logger

	seen map[int32]string
}

// Option configures a Monitor
type Option func(*Monitor)

// WithLister replaces the process source
func WithLister(l Lister) Option {
	return func(m *Monitor) { m.list = l }
}

// WithErrorBackoff sets the first wait after a failed scan. Later waits
// double up to a minute.
func WithErrorBackoff(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.errorBackoff = d
		}
	}
}

// WithWatchList replaces DefaultWatchList
func WithWatchList(names []string) Option {
	return func(m *Monitor) { m.watch = normalize(names) }
}

// NewMonitor creates a monitor polling every interval
func NewMonitor(interval time.Duration, logger *zap.Logger, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		interval:     interval,
		errorBackoff: defaultErrorBackoff,
		watch:        normalize(DefaultWatchList),
		list:         ListProcesses,
		logger:       logger.Named("security"),
		seen:         make(map[int32]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func normalize(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[baseName(n)] = struct{}{}
	}
	return out
}

// baseName lowercases and strips a trailing .exe
func baseName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".exe")
}

// Matches reports whether a process name is on the watch list
func (m *Monitor) Matches(name string) bool {
	_, ok := m.watch[baseName(name)]
	return ok
}

// Run scans until ctx is done. Failed scans are retried with exponential
// backoff before the regular interval resumes.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("security monitor active", zap.Duration("interval", m.interval))
	for {
		backoff := retry.WithCappedDuration(maxErrorBackoff, retry.NewExponential(m.errorBackoff))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if _, err := m.Scan(ctx); err != nil {
				if ctx.Err() != nil {
					return err
				}
				m.logger.Error("process scan failed", zap.Error(err))
				return retry.RetryableError(err)
			}
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Error("process scan gave up", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
	}
}

// Scan runs one pass and returns the watched processes that appeared since
// the previous pass.
func (m *Monitor) Scan(ctx context.Context) ([]Proc, error) {
	procs, err := m.list(ctx)
	if err != nil {
		return nil, err
	}

	current := make(map[int32]string)
	var found []Proc
	for _, p := range procs {
		if !m.Matches(p.Name) {
			continue
		}
		current[p.PID] = p.Name
		if prev, ok := m.seen[p.PID]; ok && prev == p.Name {
			continue
		}
		found = append(found, p)
		m.logger.Warn("screen capture process detected", zap.String("name", p.Name), zap.Int32("pid", p.PID))
	}
	m.seen = current
	return found, nil
}
