package replicate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/motiongif/internal/config"
	"github.com/digkill/motiongif/internal/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.Config{ReplicateAPIToken: "r8_token", ReplicateBaseURL: srv.URL}, zerolog.Nop())
}

func TestSubmit_ModelEndpoint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/models/minimax/video-01/predictions", r.URL.Path)
		assert.Equal(t, "Bearer r8_token", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://api.example.com/hook", body["webhook"])
		assert.Equal(t, []any{"completed"}, body["webhook_events_filter"])
		assert.NotContains(t, body, "version")

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred-1","status":"starting"}`))
	})

	id, err := c.Submit(context.Background(), provider.Submission{
		Model:       "minimax/video-01",
		Input:       map[string]any{"prompt": "waves"},
		CallbackURL: "https://api.example.com/hook",
	})
	require.NoError(t, err)
	assert.Equal(t, "pred-1", id)
}

func TestSubmit_PinnedVersion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/predictions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "abc123", body["version"])
		_, _ = w.Write([]byte(`{"id":"pred-2","status":"starting"}`))
	})

	id, err := c.Submit(context.Background(), provider.Submission{Model: "owner/model:abc123"})
	require.NoError(t, err)
	assert.Equal(t, "pred-2", id)
}

func TestSubmit_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"invalid input"}`))
	})
	_, err := c.Submit(context.Background(), provider.Submission{Model: "minimax/video-01"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=422")
}

func TestStatus(t *testing.T) {
	tests := []struct {
		body       string
		wantStatus provider.Status
		wantErr    string
	}{
		{`{"id":"p","status":"processing"}`, provider.StatusPending, ""},
		{`{"id":"p","status":"succeeded","output":"https://cdn/v.mp4"}`, provider.StatusSucceeded, ""},
		{`{"id":"p","status":"failed","error":"out of memory"}`, provider.StatusFailed, "out of memory"},
		{`{"id":"p","status":"canceled"}`, provider.StatusFailed, "prediction canceled"},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/predictions/p", r.URL.Path)
			_, _ = w.Write([]byte(tt.body))
		})
		res, err := c.Status(context.Background(), "p")
		require.NoError(t, err)
		assert.Equal(t, tt.wantStatus, res.Status, tt.body)
		assert.Equal(t, tt.wantErr, res.Error, tt.body)
	}
}

func TestParseCallback(t *testing.T) {
	c := NewClient(config.Config{}, zerolog.Nop())

	id, res, err := c.ParseCallback([]byte(`{"id":"pred-7","status":"succeeded","output":["https://cdn/a.mp4"]}`))
	require.NoError(t, err)
	assert.Equal(t, "pred-7", id)
	url, err := provider.OutputURL(res.Output)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/a.mp4", url)

	_, _, err = c.ParseCallback([]byte(`{"status":"succeeded"}`))
	assert.ErrorIs(t, err, provider.ErrMalformedCallback)

	_, _, err = c.ParseCallback([]byte(`{"id":"p","status":"exploded"}`))
	assert.ErrorIs(t, err, provider.ErrMalformedCallback)
}
