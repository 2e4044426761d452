// Package catalog maps user-facing generation modes to a provider, a model,
// a credit cost and the provider-specific input payload.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/digkill/motiongif/internal/models"
)

const (
	ProviderKIE       = "kie"
	ProviderReplicate = "replicate"
)

var (
	ErrUnknownMode  = errors.New("unknown generation mode")
	ErrInvalidParam = errors.New("invalid mode parameter")
)

// Param describes one tunable of a mode. An empty Allowed list means free
// text bounded by MaxLen.
type Param struct {
	Name    string
	Allowed []string
	Default string
	MaxLen  int
}

// Input is what the dispatcher knows about a request when shaping a payload.
type Input struct {
	ImageURL string
	Prompt   string
	Params   map[string]string
}

type Entry struct {
	Mode     models.GenerationMode
	Title    string
	Provider string
	Model    string
	Cost     int
	Params   []Param
	build    func(in Input) map[string]any
}

// Build returns the provider input payload for this mode.
func (e Entry) Build(in Input) map[string]any {
	return e.build(in)
}

// Resolve validates user supplied parameters and fills in defaults. Unknown
// names and values outside the allowed set are rejected.
func (e Entry) Resolve(params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(e.Params))
	for name := range params {
		if !slices.ContainsFunc(e.Params, func(p Param) bool { return p.Name == name }) {
			return nil, fmt.Errorf("%w: %s does not accept %q", ErrInvalidParam, e.Mode, name)
		}
	}
	for _, p := range e.Params {
		v, ok := params[p.Name]
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			if p.Default != "" {
				out[p.Name] = p.Default
			}
			continue
		}
		if len(p.Allowed) > 0 && !slices.Contains(p.Allowed, v) {
			return nil, fmt.Errorf("%w: %s=%q, allowed %v", ErrInvalidParam, p.Name, v, p.Allowed)
		}
		if p.MaxLen > 0 && len(v) > p.MaxLen {
			return nil, fmt.Errorf("%w: %s longer than %d", ErrInvalidParam, p.Name, p.MaxLen)
		}
		out[p.Name] = v
	}
	return out, nil
}

type Catalog struct {
	entries map[models.GenerationMode]Entry
	order   []models.GenerationMode
}

// New builds a catalog, rejecting duplicate modes and non-positive costs.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[models.GenerationMode]Entry, len(entries))}
	for _, e := range entries {
		if e.Mode == "" {
			return nil, errors.New("catalog entry without mode")
		}
		if e.Cost <= 0 {
			return nil, fmt.Errorf("mode %s: cost must be positive", e.Mode)
		}
		if e.build == nil {
			return nil, fmt.Errorf("mode %s: payload builder missing", e.Mode)
		}
		if _, dup := c.entries[e.Mode]; dup {
			return nil, fmt.Errorf("mode %s: duplicate entry", e.Mode)
		}
		c.entries[e.Mode] = e
		c.order = append(c.order, e.Mode)
	}
	return c, nil
}

func (c *Catalog) Lookup(mode models.GenerationMode) (Entry, error) {
	e, ok := c.entries[mode]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return e, nil
}

// Cost returns the credit price of mode, or false for unknown modes.
func (c *Catalog) Cost(mode models.GenerationMode) (int, bool) {
	e, ok := c.entries[mode]
	return e.Cost, ok
}

// Entries lists all modes in declaration order.
func (c *Catalog) Entries() []Entry {
	return lo.Map(c.order, func(m models.GenerationMode, _ int) Entry { return c.entries[m] })
}

// Available lists the modes whose provider is configured.
func (c *Catalog) Available(providers ...string) []Entry {
	return lo.Filter(c.Entries(), func(e Entry, _ int) bool { return lo.Contains(providers, e.Provider) })
}

func withFunc(e Entry, build func(in Input) map[string]any) Entry {
	e.build = build
	return e
}

var negativePrompt = Param{Name: "negative_prompt", MaxLen: 500}

// Default returns the shipped mode table.
func Default() *Catalog {
	c, err := New(
		withFunc(Entry{
			Mode:     "wan-turbo",
			Title:    "Wan 2.2 Turbo",
			Provider: ProviderKIE,
			Model:    "wan/2-2-a14b-image-to-video-turbo",
			Cost:     1,
			Params: []Param{
				{Name: "resolution", Allowed: []string{"480p", "580p", "720p"}, Default: "720p"},
				negativePrompt,
			},
		}, func(in Input) map[string]any {
			payload := map[string]any{
				"prompt":     in.Prompt,
				"image_url":  in.ImageURL,
				"resolution": in.Params["resolution"],
			}
			setIfPresent(payload, "negative_prompt", in.Params)
			return payload
		}),
		withFunc(Entry{
			Mode:     "kling-standard",
			Title:    "Kling 2.1 Standard",
			Provider: ProviderKIE,
			Model:    "kling/v2-1-standard",
			Cost:     2,
			Params: []Param{
				{Name: "duration", Allowed: []string{"5", "10"}, Default: "5"},
				negativePrompt,
			},
		}, klingPayload),
		withFunc(Entry{
			Mode:     "kling-pro",
			Title:    "Kling 2.1 Pro",
			Provider: ProviderKIE,
			Model:    "kling/v2-1-pro",
			Cost:     4,
			Params: []Param{
				{Name: "duration", Allowed: []string{"5", "10"}, Default: "5"},
				negativePrompt,
			},
		}, klingPayload),
		withFunc(Entry{
			Mode:     "seedance-lite",
			Title:    "Seedance 1 Lite",
			Provider: ProviderReplicate,
			Model:    "bytedance/seedance-1-lite",
			Cost:     2,
			Params: []Param{
				{Name: "duration", Allowed: []string{"5", "10"}, Default: "5"},
				{Name: "resolution", Allowed: []string{"480p", "720p", "1080p"}, Default: "720p"},
			},
		}, func(in Input) map[string]any {
			duration, _ := strconv.Atoi(in.Params["duration"])
			return map[string]any{
				"prompt":     in.Prompt,
				"image":      in.ImageURL,
				"duration":   duration,
				"resolution": in.Params["resolution"],
			}
		}),
		withFunc(Entry{
			Mode:     "hailuo",
			Title:    "MiniMax Hailuo",
			Provider: ProviderReplicate,
			Model:    "minimax/video-01",
			Cost:     3,
		}, func(in Input) map[string]any {
			return map[string]any{
				"prompt":            in.Prompt,
				"first_frame_image": in.ImageURL,
				"prompt_optimizer":  false,
			}
		}),
	)
	if err != nil {
		panic(err)
	}
	return c
}

func klingPayload(in Input) map[string]any {
	payload := map[string]any{
		"prompt":    in.Prompt,
		"image_url": in.ImageURL,
		"duration":  in.Params["duration"],
		"cfg_scale": 0.5,
	}
	setIfPresent(payload, "negative_prompt", in.Params)
	return payload
}

func setIfPresent(payload map[string]any, key string, params map[string]string) {
	if v, ok := params[key]; ok && v != "" {
		payload[key] = v
	}
}
