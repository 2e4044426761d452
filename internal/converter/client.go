// Package converter is a client for the video-to-GIF conversion service.
package converter

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

	"github.com/digkill/motiongif/internal/models"
	"github.com/digkill/motiongif/internal/provider"
)

const maxResultBytes = 64 << 20

type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(opts Options, log zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "converter").Logger(),
	}
}

type jobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// CreateJob uploads the source video and starts a conversion.
func (c *Client) CreateJob(ctx context.Context, video []byte) (*models.TranscodeJob, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/jobs", bytes.NewReader(video))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "video/mp4")

	var out jobResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("create conversion job: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("create conversion job: empty id")
	}
	c.log.Debug().Str("transcode_id", out.ID).Msg("conversion job created")
	return toJob(out), nil
}

func (c *Client) JobStatus(ctx context.Context, id string) (*models.TranscodeJob, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/jobs/"+id, nil)
	if err != nil {
		return nil, err
	}
	var out jobResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("conversion job status: %w", err)
	}
	if out.ID == "" {
		out.ID = id
	}
	return toJob(out), nil
}

// DownloadResult fetches the finished GIF bytes.
func (c *Client) DownloadResult(ctx context.Context, id string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/jobs/"+id+"/result", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download conversion result: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read conversion result: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download conversion result: status=%d body=%s", resp.StatusCode, provider.TruncateBody(data))
	}
	if len(data) > maxResultBytes {
		return nil, fmt.Errorf("download conversion result: exceeds %d bytes", maxResultBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download conversion result: empty body")
	}
	return data, nil
}

func toJob(r jobResponse) *models.TranscodeJob {
	return &models.TranscodeJob{ID: r.ID, Status: models.TranscodeStatus(strings.ToLower(r.Status)), Error: r.Error}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, provider.TruncateBody(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w (body=%s)", err, provider.TruncateBody(raw))
	}
	return nil
}
