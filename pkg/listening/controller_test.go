package listening

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/speech_hub/pkg/speech"
)

type fakeEngine struct {
	mu        sync.Mutex
	kind      speech.Kind
	startErr  error
	reinitErr error
	hangStop  bool
	startGate chan struct{}
	starts    int
	stops     int
	reinits   int
	listening bool
	cb        speech.TextCallback
}

func (f *fakeEngine) Kind() speech.Kind {
	if f.kind == "" {
		return speech.KindLive
	}
	return f.kind
}

func (f *fakeEngine) SetTextCallback(cb speech.TextCallback) { f.cb = cb }

func (f *fakeEngine) Start(context.Context) error {
	f.mu.Lock()
	gate := f.startGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.listening = true
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	f.listening = false
	hang := f.hangStop
	f.mu.Unlock()
	if hang {
		// worker that never exits; ignores ctx like a blocked recorder would
		select {}
	}
	return nil
}

func (f *fakeEngine) Status() speech.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return speech.Status{IsListening: f.listening, HasRecorder: true, RecorderType: "fake"}
}

func (f *fakeEngine) RecorderInfo() speech.RecorderInfo { return speech.RecorderInfo{Type: "fake"} }
func (f *fakeEngine) Simulate(string) error             { return speech.ErrSimulationUnsupported }

func (f *fakeEngine) Reinitialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reinits++
	return f.reinitErr
}

type recordingDispatcher struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingDispatcher) Dispatch(text string) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
}

func newController(t *testing.T, engine *fakeEngine, d Dispatcher) *Controller {
	t.Helper()
	if d == nil {
		d = &recordingDispatcher{}
	}
	c, err := New(Config{Engine: engine, Dispatcher: d, StopGrace: 50 * time.Millisecond})
	require.NoError(t, err)
	return c
}

func TestStart_Success(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine, nil)
	require.Equal(t, Idle, c.Status())

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, Listening, c.Status())
	require.True(t, c.Info().IsListening)
}

func TestStart_FailureReturnsToIdle(t *testing.T) {
	engine := &fakeEngine{startErr: errors.New("no microphone")}
	c := newController(t, engine, nil)

	require.Error(t, c.Start(context.Background()))
	require.Equal(t, Idle, c.Status())
}

func TestStart_Idempotent(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine, nil)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, Listening, c.Status())
	require.Equal(t, 1, engine.starts)
}

func TestStart_OvertakenByStop(t *testing.T) {
	gate := make(chan struct{})
	engine := &fakeEngine{startGate: gate}
	c := newController(t, engine, nil)

	result := make(chan error, 1)
	go func() { result <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return c.Status() == Starting }, time.Second, time.Millisecond)

	c.Stop(context.Background())
	require.Equal(t, Idle, c.Status())

	close(gate)
	require.ErrorIs(t, <-result, ErrBusy)
	require.Equal(t, Idle, c.Status())
	require.False(t, engine.Status().IsListening, "engine that came up late is shut down again")

	engine.mu.Lock()
	require.Equal(t, 2, engine.stops)
	engine.mu.Unlock()
}

func TestStop(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine, nil)

	c.Stop(context.Background())
	require.Equal(t, 0, engine.stops, "stop from idle is a no-op")

	require.NoError(t, c.Start(context.Background()))
	c.Stop(context.Background())
	require.Equal(t, Idle, c.Status())
	require.Equal(t, 1, engine.stops)
}

func TestStop_BoundedWhenWorkerHangs(t *testing.T) {
	engine := &fakeEngine{hangStop: true}
	c := newController(t, engine, nil)
	require.NoError(t, c.Start(context.Background()))

	begin := time.Now()
	c.Stop(context.Background())
	require.Less(t, time.Since(begin), time.Second)
	require.Equal(t, Idle, c.Status())
}

func TestOnTextProduced_DropsBlank(t *testing.T) {
	d := &recordingDispatcher{}
	engine := &fakeEngine{}
	c := newController(t, engine, d)

	engine.cb("   ")
	engine.cb("")
	engine.cb("\n\t")
	engine.cb("  hello  ")

	require.Equal(t, []string{"hello"}, d.texts)
	require.Equal(t, Idle, c.Status(), "text delivery does not change state")
}

func TestReinitialize(t *testing.T) {
	t.Run("stub engine", func(t *testing.T) {
		engine := &fakeEngine{kind: speech.KindStub}
		c := newController(t, engine, nil)
		res := c.Reinitialize(context.Background())
		require.True(t, res.Success)
		require.Equal(t, "stub engine active", res.Message)
		require.Equal(t, 0, engine.reinits)
	})

	t.Run("idle", func(t *testing.T) {
		engine := &fakeEngine{}
		c := newController(t, engine, nil)
		res := c.Reinitialize(context.Background())
		require.True(t, res.Success)
		require.False(t, res.Restarted)
		require.Equal(t, Idle, c.Status())
	})

	t.Run("resumes listening", func(t *testing.T) {
		engine := &fakeEngine{}
		c := newController(t, engine, nil)
		require.NoError(t, c.Start(context.Background()))

		res := c.Reinitialize(context.Background())
		require.True(t, res.Success)
		require.True(t, res.Restarted)
		require.Equal(t, Listening, c.Status())
		require.Equal(t, 2, engine.starts)
	})

	t.Run("failure leaves idle", func(t *testing.T) {
		engine := &fakeEngine{}
		c := newController(t, engine, nil)
		require.NoError(t, c.Start(context.Background()))
		engine.reinitErr = errors.New("bad key")

		res := c.Reinitialize(context.Background())
		require.False(t, res.Success)
		require.True(t, res.RestartFailed)
		require.Equal(t, Idle, c.Status())
	})

	t.Run("restart failure", func(t *testing.T) {
		engine := &fakeEngine{}
		c := newController(t, engine, nil)
		require.NoError(t, c.Start(context.Background()))
		engine.startErr = errors.New("device busy")

		res := c.Reinitialize(context.Background())
		require.False(t, res.Success)
		require.True(t, res.RestartFailed)
		require.Equal(t, Idle, c.Status())
	})
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "listening", Listening.String())
	require.Equal(t, "state(9)", State(9).String())
}
