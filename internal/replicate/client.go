// Package replicate implements the provider contract on top of the
// Replicate predictions API.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/digkill/motiongif/internal/config"
	"github.com/digkill/motiongif/internal/provider"
)

const name = "replicate"

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		token:      cfg.ReplicateAPIToken,
		baseURL:    strings.TrimRight(cfg.ReplicateBaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("provider", name).Logger(),
	}
}

func (c *Client) Name() string { return name }

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
}

// Submit creates a prediction. Models given as owner/name use the official
// model endpoint; owner/name:version pins a specific version.
func (c *Client) Submit(ctx context.Context, sub provider.Submission) (string, error) {
	payload := map[string]any{"input": sub.Input}
	if sub.CallbackURL != "" {
		payload["webhook"] = sub.CallbackURL
		payload["webhook_events_filter"] = []string{"completed"}
	}

	path := "/v1/models/" + sub.Model + "/predictions"
	if _, version, ok := strings.Cut(sub.Model, ":"); ok {
		path = "/v1/predictions"
		payload["version"] = version
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	c.log.Info().Str("model", sub.Model).Msg("creating replicate prediction")

	var pred prediction
	if err := c.do(ctx, http.MethodPost, path, body, &pred); err != nil {
		return "", err
	}
	if pred.ID == "" {
		return "", fmt.Errorf("empty prediction id in response")
	}

	c.log.Info().Str("prediction_id", pred.ID).Str("status", pred.Status).Msg("replicate prediction created")
	return pred.ID, nil
}

func (c *Client) Status(ctx context.Context, externalID string) (*provider.Result, error) {
	var pred prediction
	if err := c.do(ctx, http.MethodGet, "/v1/predictions/"+externalID, nil, &pred); err != nil {
		return nil, err
	}
	return toResult(pred)
}

// ParseCallback decodes a webhook body, which is the full prediction object.
func (c *Client) ParseCallback(body []byte) (string, *provider.Result, error) {
	var pred prediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return "", nil, fmt.Errorf("%w: %v", provider.ErrMalformedCallback, err)
	}
	if pred.ID == "" {
		return "", nil, fmt.Errorf("%w: missing id", provider.ErrMalformedCallback)
	}
	res, err := toResult(pred)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", provider.ErrMalformedCallback, err)
	}
	return pred.ID, res, nil
}

func toResult(pred prediction) (*provider.Result, error) {
	switch pred.Status {
	case "starting", "processing":
		return &provider.Result{Status: provider.StatusPending}, nil
	case "succeeded":
		return &provider.Result{Status: provider.StatusSucceeded, Output: pred.Output}, nil
	case "failed", "canceled", "aborted":
		msg := errorText(pred.Error)
		if msg == "" {
			msg = "prediction " + pred.Status
		}
		return &provider.Result{Status: provider.StatusFailed, Error: msg}, nil
	default:
		return nil, fmt.Errorf("unknown prediction status: %q", pred.Status)
	}
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s replicate: %w", strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.log.Error().Int("status", resp.StatusCode).Str("path", path).Str("body", provider.TruncateBody(rawBody)).Msg("replicate request failed")
		return fmt.Errorf("replicate error: status=%d body=%s", resp.StatusCode, provider.TruncateBody(rawBody))
	}
	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("decode replicate response: %w (body=%s)", err, provider.TruncateBody(rawBody))
	}
	return nil
}
