package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/digkill/motiongif/internal/config"
	"github.com/digkill/motiongif/internal/provider"
)

const name = "kie"

// Client talks to the kie.ai jobs API. Tasks are created with a callback URL
// and can also be polled through recordInfo.
type Client struct {
	apiKey     string
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
		apiKey:  cfg.KIEAPIKey,
		baseURL: strings.TrimRight(cfg.KIEBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log.With().Str("provider", name).Logger(),
	}
}

func (c *Client) Name() string { return name }

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type taskRecord struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailCode   string `json:"failCode"`
	FailMsg    string `json:"failMsg"`
}

// Submit creates a task and returns its taskId.
func (c *Client) Submit(ctx context.Context, sub provider.Submission) (string, error) {
	payload := map[string]any{
		"model": sub.Model,
		"input": sub.Input,
	}
	if sub.CallbackURL != "" {
		payload["callBackUrl"] = sub.CallbackURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", err
	}

	c.log.Info().Str("url", fullURL).Str("model", sub.Model).Msg("creating kie task")

	raw, err := c.do(ctx, http.MethodPost, fullURL, body)
	if err != nil {
		return "", err
	}

	var created struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", fmt.Errorf("decode create task response: %w", err)
	}
	if created.TaskID == "" {
		return "", fmt.Errorf("empty taskId in response")
	}

	c.log.Info().Str("task_id", created.TaskID).Msg("kie task created")
	return created.TaskID, nil
}

// Status fetches the task record once.
func (c *Client) Status(ctx context.Context, externalID string) (*provider.Result, error) {
	params := url.Values{}
	params.Set("taskId", externalID)
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", params)
	if err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}

	var record taskRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return toResult(record)
}

// ParseCallback decodes the body kie.ai posts to callBackUrl. It carries the
// same record as recordInfo.
func (c *Client) ParseCallback(body []byte) (string, *provider.Result, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", provider.ErrMalformedCallback, err)
	}
	var record taskRecord
	if err := json.Unmarshal(env.Data, &record); err != nil {
		return "", nil, fmt.Errorf("%w: %v", provider.ErrMalformedCallback, err)
	}
	if record.TaskID == "" {
		return "", nil, fmt.Errorf("%w: missing taskId", provider.ErrMalformedCallback)
	}
	if record.State == "" && env.Code != 0 && env.Code != http.StatusOK {
		record.State = "fail"
		record.FailMsg = env.Msg
	}
	res, err := toResult(record)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", provider.ErrMalformedCallback, err)
	}
	return record.TaskID, res, nil
}

func toResult(record taskRecord) (*provider.Result, error) {
	switch strings.ToLower(record.State) {
	case "success":
		res := &provider.Result{Status: provider.StatusSucceeded}
		if record.ResultJSON == "" {
			return res, nil
		}
		var result struct {
			ResultURLs []string `json:"resultUrls"`
		}
		if err := json.Unmarshal([]byte(record.ResultJSON), &result); err != nil {
			// Malformed output is reported as success with no output; the
			// reconciler treats that as an invalid result.
			return res, nil
		}
		out, err := json.Marshal(result.ResultURLs)
		if err != nil {
			return nil, fmt.Errorf("encode result urls: %w", err)
		}
		res.Output = out
		return res, nil
	case "fail":
		msg := record.FailMsg
		if msg == "" {
			msg = "unknown error"
		}
		if record.FailCode != "" {
			msg = fmt.Sprintf("%s (code: %s)", msg, record.FailCode)
		}
		return &provider.Result{Status: provider.StatusFailed, Error: msg}, nil
	case "waiting", "queuing", "queueing", "queued", "generating", "processing":
		return &provider.Result{Status: provider.StatusPending}, nil
	default:
		return nil, fmt.Errorf("unknown task state: %q", record.State)
	}
}

func (c *Client) endpoint(path string, params url.Values) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if params != nil {
		ref.RawQuery = params.Encode()
	}
	return base.ResolveReference(ref).String(), nil
}

// do performs the request and unwraps the {code,msg,data} envelope.
func (c *Client) do(ctx context.Context, method, fullURL string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s kie: %w", strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		c.log.Error().Int("status", resp.StatusCode).Str("url", fullURL).Str("body", provider.TruncateBody(rawBody)).Msg("kie request failed")
		return nil, fmt.Errorf("kie error: status=%d body=%s", resp.StatusCode, provider.TruncateBody(rawBody))
	}

	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("decode kie response: %w (body=%s)", err, provider.TruncateBody(rawBody))
	}
	if env.Code != http.StatusOK {
		return nil, fmt.Errorf("kie request failed: code=%d msg=%s", env.Code, env.Msg)
	}
	return env.Data, nil
}
