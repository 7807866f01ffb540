package feature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barnybug/gonilm/artifact"
	"github.com/barnybug/gonilm/nilm/window"
)

func params(powerStd, dpowerStd float64) *artifact.Normalizer {
	return &artifact.Normalizer{Features: []artifact.Feature{
		{Name: "power", Mean: 250, Std: powerStd},
		{Name: "dpower", Mean: 0, Std: dpowerStd},
	}}
}

func TestNewNormalizer(t *testing.T) {
	_, err := NewNormalizer(params(180, 1))
	assert.NoError(t, err)
}

func TestNewNormalizerBadSchema(t *testing.T) {
	_, err := NewNormalizer(&artifact.Normalizer{Features: []artifact.Feature{
		{Name: "power", Mean: 250, Std: 180},
	}})
	assert.Error(t, err)

	_, err = NewNormalizer(&artifact.Normalizer{Features: []artifact.Feature{
		{Name: "dpower", Mean: 0, Std: 1},
		{Name: "power", Mean: 250, Std: 180},
	}})
	assert.Error(t, err)

	_, err = NewNormalizer(params(0, 1))
	assert.Error(t, err)
}

func TestTransform(t *testing.T) {
	n, err := NewNormalizer(params(100, 2))
	require.NoError(t, err)

	win := &window.Window{Powers: []float64{250, 350, 300}, Lead: 200, HasLead: true}
	features := n.Transform(win)
	require.Len(t, features, 3)
	assert.InDelta(t, 0.0, features[0][0], 1e-9)  // (250-250)/100
	assert.InDelta(t, 25.0, features[0][1], 1e-9) // (250-200)/2
	assert.InDelta(t, 1.0, features[1][0], 1e-9)  // (350-250)/100
	assert.InDelta(t, 50.0, features[1][1], 1e-9)
	assert.InDelta(t, 0.5, features[2][0], 1e-9)
	assert.InDelta(t, -25.0, features[2][1], 1e-9)
}

func TestTransformNoLead(t *testing.T) {
	n, err := NewNormalizer(params(100, 2))
	require.NoError(t, err)

	// first window after a reset: no left neighbour, derivative zero
	win := &window.Window{Powers: []float64{250, 350}}
	features := n.Transform(win)
	require.Len(t, features, 2)
	assert.InDelta(t, 0.0, features[0][1], 1e-9)
	assert.InDelta(t, 50.0, features[1][1], 1e-9)
}

func TestRoundtrip(t *testing.T) {
	n, _ := NewNormalizer(params(180, 1))
	for _, v := range []float64{0, 1, 250, 423.5, 1e6, -50} {
		assert.InDelta(t, v, n.Denormalize(n.Normalize(v)), 1e-9)
	}
}
