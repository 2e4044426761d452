package enhancer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, content string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req["model"])

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnhance_Success(t *testing.T) {
	srv := chatServer(t, "\"Slow dolly-in as waves crash around the lighthouse.\"", 0)
	e := NewOpenAI(Options{APIKey: "k", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini"}, zerolog.Nop())

	res := e.Enhance(context.Background(), "https://img/1.jpg", "waves")
	assert.True(t, res.Enhanced)
	assert.Equal(t, "Slow dolly-in as waves crash around the lighthouse.", res.Prompt)
}

func TestEnhance_EmptyFallsBack(t *testing.T) {
	srv := chatServer(t, "   ", 0)
	e := NewOpenAI(Options{APIKey: "k", BaseURL: srv.URL + "/v1"}, zerolog.Nop())

	res := e.Enhance(context.Background(), "https://img/1.jpg", "waves")
	assert.False(t, res.Enhanced)
	assert.Equal(t, "waves", res.Prompt)
	assert.Equal(t, "empty_response", res.Reason)
}

func TestEnhance_TimeoutFallsBack(t *testing.T) {
	srv := chatServer(t, "too late", time.Second)
	e := NewOpenAI(Options{APIKey: "k", BaseURL: srv.URL + "/v1", Timeout: 50 * time.Millisecond}, zerolog.Nop())

	res := e.Enhance(context.Background(), "https://img/1.jpg", "waves")
	assert.False(t, res.Enhanced)
	assert.Equal(t, "waves", res.Prompt)
	assert.Equal(t, "timeout", res.Reason)
}

func TestEnhance_ServerErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()
	e := NewOpenAI(Options{APIKey: "k", BaseURL: srv.URL + "/v1"}, zerolog.Nop())

	res := e.Enhance(context.Background(), "https://img/1.jpg", "waves")
	assert.False(t, res.Enhanced)
	assert.Equal(t, "http_request", res.Reason)
}

func TestCleanup(t *testing.T) {
	assert.Equal(t, "a cat", cleanup("```text\na cat\n```"))
	assert.Equal(t, "a cat", cleanup("  'a cat'  "))
}

func TestNoop(t *testing.T) {
	res := Noop{}.Enhance(context.Background(), "https://img", "waves")
	assert.Equal(t, Result{Prompt: "waves", Reason: "disabled"}, res)
}
