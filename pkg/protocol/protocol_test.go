package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/speech_hub/pkg/speech"
)

func TestEncode_Shapes(t *testing.T) {
	at := time.Unix(1700000000, 500_000_000)

	cases := []struct {
		name string
		msg  Outbound
		want string
	}{
		{"welcome", Welcome("connected", "1.0.0"), `{"type":"welcome","message":"connected","version":"1.0.0"}`},
		{"transcription", SpeechTranscription("hello", at), `{"type":"speech_transcription","text":"hello","timestamp":1700000000.5}`},
		{"ai_response", AIResponse("q", "a", at), `{"type":"ai_response","question":"q","answer":"a","timestamp":1700000000.5}`},
		{"listening", ListeningStatus(ListeningFailed), `{"type":"listening_status","status":"failed"}`},
		{"profile", ProfileChanged("hr"), `{"type":"profile_changed","profile":"hr"}`},
		{"cleared", HistoryCleared(), `{"type":"history_cleared"}`},
		{"optimized", PerformanceOptimized("stub engine active", "success"), `{"type":"performance_optimized","message":"stub engine active","status":"success"}`},
		{"error", Error("unknown profile: x"), `{"type":"error","message":"unknown profile: x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.msg)
			require.NoError(t, err)
			require.JSONEq(t, tc.want, string(data))
		})
	}
}

func TestEncode_Status(t *testing.T) {
	data, err := Encode(Status(Snapshot{
		Engine:        speech.Status{RecorderType: "stub"},
		Recorder:      speech.RecorderInfo{Type: "stub", Status: "active"},
		Profile:       "general",
		HistoryLength: 0,
		Clients:       0,
	}))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "status", got["type"])
	require.Equal(t, float64(0), got["clients_connected"], "zero clients still reported")
	require.Equal(t, map[string]any{"profile": "general", "history_length": float64(0)}, got["ai_responder"])
	require.Equal(t, map[string]any{
		"is_listening":  false,
		"has_recorder":  false,
		"recorder_type": "stub",
		"thread_alive":  false,
	}, got["speech_processor"])
	require.Equal(t, map[string]any{"type": "stub", "status": "active"}, got["recorder_info"])
}

func TestDecodeInbound(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"set_profile","profile":"technical"}`))
	require.NoError(t, err)
	require.Equal(t, Inbound{Type: TypeSetProfile, Profile: "technical"}, msg)

	msg, err = DecodeInbound([]byte(`{"type":"manual_question","question":"What is a mutex?"}`))
	require.NoError(t, err)
	require.Equal(t, "What is a mutex?", msg.Question)

	_, err = DecodeInbound([]byte(`{"type":`))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeInbound([]byte(`{"profile":"hr"}`))
	require.ErrorIs(t, err, ErrMalformed)

	msg, err = DecodeInbound([]byte(`{"type":"dance"}`))
	require.ErrorIs(t, err, ErrUnknownType)
	require.Equal(t, "dance", msg.Type)
}
