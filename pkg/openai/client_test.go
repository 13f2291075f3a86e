package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/speech_hub/pkg/conversation"
)

func TestChatURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.proxyapi.ru/openai/v1/", "https://api.proxyapi.ru/openai/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chatURL(tc.base), "base=%q", tc.base)
	}
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)

	c, err := NewClient(Config{APIKey: "sk"})
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"},
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func testRequest() conversation.CompletionRequest {
	return conversation.CompletionRequest{
		Model: "gpt-3.5-turbo",
		Messages: []conversation.Turn{
			{Role: conversation.RoleSystem, Content: "be brief"},
			{Role: conversation.RoleUser, Content: "What is a mutex?"},
		},
		MaxTokens:   800,
		Temperature: 0.7,
	}
}

func TestComplete_Success(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"A lock."}}]}`))
	}))
	defer srv.Close()

	answer, err := newTestClient(t, srv).Complete(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, "A lock.", answer)

	require.Equal(t, "gpt-3.5-turbo", got.Model)
	require.Equal(t, 800, got.MaxTokens)
	require.InDelta(t, 0.7, got.Temperature, 1e-9)
	require.Equal(t, []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "What is a mutex?"},
	}, got.Messages)
}

func TestComplete_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Complete(context.Background(), testRequest())
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "slow down")
}

func TestComplete_MalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Complete(context.Background(), testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode")
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Complete(context.Background(), testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestComplete_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, srv).Complete(ctx, testRequest())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestComplete_EmptyModel(t *testing.T) {
	c, err := NewClient(Config{APIKey: "sk"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), conversation.CompletionRequest{})
	require.Error(t, err)
}
