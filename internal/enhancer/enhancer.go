// Package enhancer rewrites a short user prompt into a richer motion prompt
// using a vision chat model. It never fails: any problem yields the original
// prompt and a fallback reason.
package enhancer

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

const systemPrompt = `You write prompts for image-to-video models. Given a reference image and a short idea,
describe the motion, camera movement and mood in one paragraph of at most 80 words.
Keep the subject of the image unchanged. Reply with the prompt only, no quotes or markdown.`

type Result struct {
	Prompt   string
	Enhanced bool
	Reason   string
}

type Enhancer interface {
	Enhance(ctx context.Context, imageURL, prompt string) Result
}

type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	log     zerolog.Logger
}

func NewOpenAI(opts Options, log zerolog.Logger) *OpenAI {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	model := opts.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
		log:     log.With().Str("component", "enhancer").Logger(),
	}
}

func (e *OpenAI) Enhance(ctx context.Context, imageURL, prompt string) Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		MaxTokens:   200,
		Temperature: 0.7,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: imageURL, Detail: openai.ImageURLDetailLow}},
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
				},
			},
		},
	})
	if err != nil {
		reason := "http_request"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		return e.fallback(prompt, reason, err)
	}
	if len(resp.Choices) == 0 {
		return e.fallback(prompt, "empty_response", nil)
	}

	enhanced := cleanup(resp.Choices[0].Message.Content)
	if enhanced == "" {
		return e.fallback(prompt, "empty_response", nil)
	}
	return Result{Prompt: enhanced, Enhanced: true}
}

func (e *OpenAI) fallback(prompt, reason string, err error) Result {
	e.log.Warn().Err(err).Str("reason", reason).Msg("prompt enhancement skipped")
	return Result{Prompt: prompt, Reason: reason}
}

// Noop returns the prompt unchanged.
type Noop struct{}

func (Noop) Enhance(_ context.Context, _ string, prompt string) Result {
	return Result{Prompt: prompt, Reason: "disabled"}
}

// cleanup strips markdown fences and wrapping quotes models sometimes add.
func cleanup(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	return strings.TrimSpace(s)
}
