package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/speech_hub/pkg/config"
)

func fakeLLM(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": answer}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testHub struct {
	srv   *httptest.Server
	app   *app
	mu    sync.Mutex
	exits []int
}

func startHub(t *testing.T, extraArgs ...string) *testHub {
	t.Helper()
	llm := fakeLLM(t, "A mutex is a lock.")
	args := append([]string{"-llm-url", llm.URL + "/v1", "-stt", "stub", "-security=false"}, extraArgs...)
	cfg, err := config.Load(args, func(k string) string {
		if k == "LLM_API_KEY" {
			return "sk-test"
		}
		return ""
	})
	require.NoError(t, err)

	th := &testHub{}
	th.app, err = newApp(cfg, zap.NewNop(), withExit(func(code int) {
		th.mu.Lock()
		th.exits = append(th.exits, code)
		th.mu.Unlock()
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	th.app.start(ctx)
	require.Eventually(t, th.app.loop.Alive, time.Second, 5*time.Millisecond)

	th.srv = httptest.NewServer(th.app.handler)
	t.Cleanup(func() {
		th.app.shutdown(context.Background())
		th.srv.Close()
		cancel()
	})
	return th
}

func (th *testHub) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(th.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

func TestHealth(t *testing.T) {
	th := startHub(t)
	resp, err := http.Get(th.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestAudioOfferNotMountedForStub(t *testing.T) {
	th := startHub(t)
	resp, err := http.Post(th.srv.URL+"/audio/offer", "application/json", strings.NewReader(`{"sdp":"v=0"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestViewerSession(t *testing.T) {
	th := startHub(t)
	a := th.dial(t)
	b := th.dial(t)

	welcome := readType(t, a, "welcome")
	require.Equal(t, version, welcome["version"])
	readType(t, b, "welcome")

	require.NoError(t, a.WriteJSON(map[string]string{"type": "set_profile", "profile": "technical"}))
	require.Equal(t, "technical", readType(t, a, "profile_changed")["profile"])

	require.NoError(t, a.WriteJSON(map[string]string{"type": "start_listening"}))
	require.Equal(t, "started", readType(t, a, "listening_status")["status"])

	require.NoError(t, a.WriteJSON(map[string]string{"type": "simulate_speech", "text": "What is a mutex?"}))
	for _, conn := range []*websocket.Conn{a, b} {
		require.Equal(t, "What is a mutex?", readType(t, conn, "speech_transcription")["text"])
		resp := readType(t, conn, "ai_response")
		require.Equal(t, "What is a mutex?", resp["question"])
		require.Equal(t, "A mutex is a lock.", resp["answer"])
	}

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, a.WriteJSON(map[string]string{"type": "get_status"}))
	status := readType(t, a, "status")
	require.Equal(t, float64(2), status["clients_connected"])
	require.Equal(t, map[string]any{"profile": "technical", "history_length": float64(2)}, status["ai_responder"])

	require.NoError(t, a.WriteJSON(map[string]string{"type": "clear_history"}))
	readType(t, a, "history_cleared")

	require.NoError(t, a.WriteJSON(map[string]string{"type": "stop_listening"}))
	require.Equal(t, "stopped", readType(t, a, "listening_status")["status"])
}

func TestViewerDisconnectIsDetached(t *testing.T) {
	th := startHub(t)
	a := th.dial(t)
	readType(t, a, "welcome")
	b := th.dial(t)
	readType(t, b, "welcome")

	require.NoError(t, b.Close())

	require.Eventually(t, func() bool {
		return th.app.orch.Snapshot().Clients == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmergencyShutdownClosesViewers(t *testing.T) {
	th := startHub(t)
	a := th.dial(t)
	readType(t, a, "welcome")

	th.app.orch.EmergencyShutdown()

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	th.mu.Lock()
	require.Equal(t, []int{0}, th.exits)
	th.mu.Unlock()
}

func TestLiveEngineUsesConfiguredSampleRate(t *testing.T) {
	th := startHub(t, "-stt", "deepgram", "-deepgram-key", "dg", "-sample-rate", "16000")

	require.NotNil(t, th.app.ingest)
	require.Equal(t, 16000, th.app.ingest.SampleRate())

	snap := th.app.orch.Snapshot()
	require.Equal(t, "live", snap.Recorder.Type)
	require.Equal(t, 16000, snap.Recorder.SampleRate)

	resp, err := http.Post(th.srv.URL+"/audio/offer", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "ingest endpoint mounted")
}
