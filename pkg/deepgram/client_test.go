package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"example.com/speech_hub/pkg/stt"
)

type fakeDeepgram struct {
	srv      *httptest.Server
	mu       sync.Mutex
	query    string
	auth     string
	received [][]byte
}

func newFakeDeepgram(t *testing.T, script []string) *fakeDeepgram {
	t.Helper()
	f := &fakeDeepgram{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.query = r.URL.RawQuery
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, msg := range script {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				f.mu.Lock()
				f.received = append(f.received, data)
				f.mu.Unlock()
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDeepgram) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func TestClient_TranscriptsAndUtteranceEnd(t *testing.T) {
	fake := newFakeDeepgram(t, []string{
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello"}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
		`not json`,
		`{"type":"UtteranceEnd"}`,
	})

	c := NewClient(stt.Config{APIKey: "dg-key", URL: fake.wsURL(), Language: "ru", SampleRate: 16000})

	var mu sync.Mutex
	var finals, interims []string
	ended := make(chan struct{}, 1)
	c.OnTranscript(func(transcript string, isFinal bool) {
		mu.Lock()
		defer mu.Unlock()
		if isFinal {
			finals = append(finals, transcript)
		} else {
			interims = append(interims, transcript)
		}
	})
	c.OnUtteranceEnd(func() { ended <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	require.True(t, c.IsConnected())

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("utterance end not delivered")
	}

	mu.Lock()
	require.Equal(t, []string{"hello"}, finals)
	require.Equal(t, []string{"hel"}, interims)
	mu.Unlock()

	fake.mu.Lock()
	require.Equal(t, "Token dg-key", fake.auth)
	require.Contains(t, fake.query, "sample_rate=16000")
	require.Contains(t, fake.query, "language=ru")
	require.Contains(t, fake.query, "encoding=linear16")
	fake.mu.Unlock()
}

func TestClient_SendAudio(t *testing.T) {
	fake := newFakeDeepgram(t, nil)
	c := NewClient(stt.Config{APIKey: "k", URL: fake.wsURL()})

	require.Error(t, c.SendAudio([]byte{1, 2}), "must fail before connect")

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.SendAudio([]byte{1, 2, 3, 4}))

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.False(t, c.IsConnected())
	require.NoError(t, c.Close(), "second close is a no-op")
}

func TestClient_ConnectFailure(t *testing.T) {
	c := NewClient(stt.Config{APIKey: "k", URL: "ws://127.0.0.1:1/listen"})
	err := c.Connect(context.Background())
	require.Error(t, err)
	require.False(t, c.IsConnected())
}
