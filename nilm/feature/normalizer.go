// Package feature derives the model input features from raw power
// windows: z-normalized power and first-difference power (dP/dt).
package feature

import (
	"github.com/pkg/errors"

	"github.com/barnybug/gonilm/artifact"
	"github.com/barnybug/gonilm/nilm/window"
)

// Channels per timestep fed to the model.
const Channels = 2

// Normalizer applies the scaling parameters persisted at training time.
// It is pure and stateless - parameters are fixed at construction.
type Normalizer struct {
	powerMean  float64
	powerStd   float64
	dpowerMean float64
	dpowerStd  float64
}

func NewNormalizer(params *artifact.Normalizer) (*Normalizer, error) {
	if len(params.Features) != Channels {
		return nil, errors.Errorf("normalizer has %d features, expected %d",
			len(params.Features), Channels)
	}
	power, dpower := params.Features[0], params.Features[1]
	if power.Name != "power" || dpower.Name != "dpower" {
		return nil, errors.Errorf("unexpected feature order: %s, %s", power.Name, dpower.Name)
	}
	if !(power.Std > 0) || !(dpower.Std > 0) {
		return nil, errors.New("normalizer std must be positive")
	}
	return &Normalizer{
		powerMean:  power.Mean,
		powerStd:   power.Std,
		dpowerMean: dpower.Mean,
		dpowerStd:  dpower.Std,
	}, nil
}

// Transform derives one [power, dpower] feature row per window timestep.
// The window's lead-in sample supplies the left neighbour for the first
// timestep's difference; without one (the first window after a reset)
// the first difference is zero.
func (n *Normalizer) Transform(win *window.Window) [][Channels]float64 {
	features := make([][Channels]float64, win.Size())
	for i := range features {
		power := win.Powers[i]
		var dpower float64
		if i > 0 {
			dpower = power - win.Powers[i-1]
		} else if win.HasLead {
			dpower = power - win.Lead
		}
		features[i][0] = (power - n.powerMean) / n.powerStd
		features[i][1] = (dpower - n.dpowerMean) / n.dpowerStd
	}
	return features
}

// Normalize scales a raw power value into model space.
func (n *Normalizer) Normalize(power float64) float64 {
	return (power - n.powerMean) / n.powerStd
}

// Denormalize is the inverse of Normalize.
func (n *Normalizer) Denormalize(z float64) float64 {
	return z*n.powerStd + n.powerMean
}
