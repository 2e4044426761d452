package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/motiongif/internal/models"
)

func TestDefault_CostsArePositive(t *testing.T) {
	c := Default()
	require.NotEmpty(t, c.Entries())
	for _, e := range c.Entries() {
		assert.Positive(t, e.Cost, e.Mode)
		assert.Contains(t, []string{ProviderKIE, ProviderReplicate}, e.Provider)
	}
	cost, ok := c.Cost("kling-pro")
	assert.True(t, ok)
	assert.Equal(t, 4, cost)
}

func TestLookup_UnknownMode(t *testing.T) {
	_, err := Default().Lookup("sora-max")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestResolve(t *testing.T) {
	e, err := Default().Lookup("kling-standard")
	require.NoError(t, err)

	tests := []struct {
		name    string
		params  map[string]string
		want    map[string]string
		wantErr bool
	}{
		{name: "defaults", params: nil, want: map[string]string{"duration": "5"}},
		{name: "explicit", params: map[string]string{"duration": "10", "negative_prompt": "blur"}, want: map[string]string{"duration": "10", "negative_prompt": "blur"}},
		{name: "value outside allowed set", params: map[string]string{"duration": "7"}, wantErr: true},
		{name: "unknown param", params: map[string]string{"fps": "24"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Resolve(tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParam)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuild_ProviderShapes(t *testing.T) {
	c := Default()

	kling, _ := c.Lookup("kling-pro")
	payload := kling.Build(Input{ImageURL: "https://img", Prompt: "waves", Params: map[string]string{"duration": "10"}})
	assert.Equal(t, "https://img", payload["image_url"])
	assert.Equal(t, "10", payload["duration"])
	assert.NotContains(t, payload, "negative_prompt")

	seedance, _ := c.Lookup("seedance-lite")
	payload = seedance.Build(Input{ImageURL: "https://img", Prompt: "waves", Params: map[string]string{"duration": "5", "resolution": "480p"}})
	assert.Equal(t, "https://img", payload["image"])
	assert.Equal(t, 5, payload["duration"])

	hailuo, _ := c.Lookup("hailuo")
	payload = hailuo.Build(Input{ImageURL: "https://img", Prompt: "waves"})
	assert.Equal(t, "https://img", payload["first_frame_image"])
}

func TestNew_RejectsBadEntries(t *testing.T) {
	noop := func(Input) map[string]any { return nil }
	_, err := New(withFunc(Entry{Mode: "x", Cost: 0}, noop))
	assert.Error(t, err)

	_, err = New(withFunc(Entry{Mode: "x", Cost: 1}, noop), withFunc(Entry{Mode: "x", Cost: 2}, noop))
	assert.Error(t, err)
}

func TestAvailable(t *testing.T) {
	modes := Default().Available(ProviderReplicate)
	require.Len(t, modes, 2)
	assert.Equal(t, models.GenerationMode("seedance-lite"), modes[0].Mode)
}
