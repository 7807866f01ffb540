// Package model runs the pretrained multi-head gru over feature windows.
//
// Each window is inferred independently - the hidden state starts from
// zero on every call. Temporal continuity across windows is the
// stabilizer's job; keeping the model stateless makes the pipeline
// indifferent to gaps and replay seeks.
package model

import (
	"log"
	"math"

	"github.com/pkg/errors"

	"github.com/barnybug/gonilm/artifact"
	"github.com/barnybug/gonilm/nilm/feature"
)

// Engine holds the loaded model and the mapping from training head
// order to the runtime device order.
type Engine struct {
	model   *artifact.Model
	devices []string
	heads   []int // runtime index -> head index, -1 if untrained
}

// NewEngine maps the bundle's training heads onto the runtime device
// list. A runtime device the model was not trained for gets a constant
// zero probability (logged); training heads with no runtime device are
// ignored.
func NewEngine(bundle *artifact.Bundle, devices []string) (*Engine, error) {
	if len(devices) == 0 {
		return nil, errors.New("no runtime devices configured")
	}
	if bundle.Model.Inputs != feature.Channels {
		return nil, errors.Errorf("model expects %d channels, pipeline produces %d",
			bundle.Model.Inputs, feature.Channels)
	}
	headIndex := map[string]int{}
	for i, head := range bundle.Model.Heads {
		headIndex[head.Device] = i
	}
	heads := make([]int, len(devices))
	for i, device := range devices {
		if idx, ok := headIndex[device]; ok {
			heads[i] = idx
		} else {
			log.Printf("model: no trained head for device %s, probability pinned to 0", device)
			heads[i] = -1
		}
	}
	return &Engine{model: bundle.Model, devices: devices, heads: heads}, nil
}

// Devices returns the runtime device order of Infer's output columns.
func (e *Engine) Devices() []string {
	return e.devices
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// gate computes act(W·x + U·h + b) into out.
func gate(out []float64, w, u [][]float64, b, x, h []float64, act func(float64) float64) {
	for i := range out {
		sum := b[i]
		for j, xj := range x {
			sum += w[i][j] * xj
		}
		for j, hj := range h {
			sum += u[i][j] * hj
		}
		out[i] = act(sum)
	}
}

// step advances one gru layer by one timestep, updating h in place.
//
//	z = sigmoid(Wz·x + Uz·h + bz)
//	r = sigmoid(Wr·x + Ur·h + br)
//	c = tanh(Wh·x + Uh·(r*h) + bh)
//	h = (1-z)*h + z*c
func step(layer *artifact.Layer, x, h, z, r, rh, c []float64) {
	gate(z, layer.Wz, layer.Uz, layer.Bz, x, h, sigmoid)
	gate(r, layer.Wr, layer.Ur, layer.Br, x, h, sigmoid)
	for i := range rh {
		rh[i] = r[i] * h[i]
	}
	gate(c, layer.Wh, layer.Uh, layer.Bh, x, rh, math.Tanh)
	for i := range h {
		h[i] = (1-z[i])*h[i] + z[i]*c[i]
	}
}

// Infer runs the model over one feature window, returning per-timestep
// probabilities in runtime device order. Any non-finite output fails the
// whole window - a faulted window produces no state updates.
func (e *Engine) Infer(features [][feature.Channels]float64) ([][]float64, error) {
	hidden := e.model.Hidden
	layers := len(e.model.Layers)

	h := make([][]float64, layers)
	for l := range h {
		h[l] = make([]float64, hidden)
	}
	z := make([]float64, hidden)
	r := make([]float64, hidden)
	rh := make([]float64, hidden)
	c := make([]float64, hidden)

	probs := make([][]float64, len(features))
	x := make([]float64, feature.Channels)
	for t, row := range features {
		for j := range x {
			x[j] = row[j]
		}
		input := x
		for l := range e.model.Layers {
			step(&e.model.Layers[l], input, h[l], z, r, rh, c)
			input = h[l]
		}

		top := h[layers-1]
		out := make([]float64, len(e.devices))
		for i, headIdx := range e.heads {
			if headIdx < 0 {
				continue
			}
			head := &e.model.Heads[headIdx]
			sum := head.B
			for j, hj := range top {
				sum += head.W[j] * hj
			}
			p := sigmoid(sum)
			if math.IsNaN(p) || math.IsInf(p, 0) {
				return nil, errors.Errorf("non-finite output for %s at timestep %d", e.devices[i], t)
			}
			out[i] = clamp(p)
		}
		probs[t] = out
	}
	return probs, nil
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
