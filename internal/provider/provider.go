// Package provider defines the contract every video-generation backend
// implements and the helpers shared by the concrete clients.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrMalformedCallback = errors.New("malformed provider callback")
	ErrInvalidOutput     = errors.New("provider output invalid")
)

// Result is a provider's view of one prediction.
type Result struct {
	Status Status
	Output json.RawMessage
	Error  string
}

type Submission struct {
	Model       string
	Input       map[string]any
	CallbackURL string
}

type Provider interface {
	Name() string
	// Submit starts an asynchronous prediction and returns its external id.
	Submit(ctx context.Context, sub Submission) (string, error)
	// Status polls the current state of a prediction.
	Status(ctx context.Context, externalID string) (*Result, error)
	// ParseCallback decodes a webhook body into the external id and result.
	ParseCallback(body []byte) (string, *Result, error)
}

type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OutputURL extracts the primary artifact URL from a provider output: either
// a bare string or the first element of a list. Only http(s) URLs pass.
func OutputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: empty output", ErrInvalidOutput)
	}

	var candidate string
	var single string
	var list []string
	switch {
	case json.Unmarshal(raw, &single) == nil:
		candidate = single
	case json.Unmarshal(raw, &list) == nil:
		if len(list) == 0 {
			return "", fmt.Errorf("%w: empty output list", ErrInvalidOutput)
		}
		candidate = list[0]
	default:
		return "", fmt.Errorf("%w: unexpected shape %s", ErrInvalidOutput, TruncateBody(raw))
	}

	candidate = strings.TrimSpace(candidate)
	u, err := url.Parse(candidate)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: not an http url %q", ErrInvalidOutput, candidate)
	}
	return candidate, nil
}

// TruncateBody shortens a response body for logs and error messages.
func TruncateBody(body []byte) string {
	const limit = 512
	s := strings.ToValidUTF8(strings.TrimSpace(string(body)), "\uFFFD")
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
