// Package artifact loads the frozen model bundle produced by training.
//
// A bundle directory contains:
//
//	model.json      gru weights and classification heads
//	normalizer.json per-feature mean/std scaling parameters
//	kpis.json       device metadata and per-device thresholds
//	config.yaml     window/stride/sample rate and training device order
//
// The bundle is loaded once at startup and never mutated.
package artifact

import (
	"encoding/json"
	"io/ioutil"
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type Feature struct {
	Name string  `json:"name"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

type Normalizer struct {
	Features []Feature `json:"features"`
}

type Device struct {
	Id           string  `json:"id"`
	Name         string  `json:"name"`
	Icon         string  `json:"icon"`
	OnThreshold  float64 `json:"on_threshold"`
	OffThreshold float64 `json:"off_threshold"`
}

type Kpis struct {
	Devices []Device `json:"devices"`
}

// Layer holds the weights of one gru layer: input (W), recurrent (U) and
// bias (B) terms for the update (z), reset (r) and candidate (h) gates.
type Layer struct {
	Wz [][]float64 `json:"wz"`
	Wr [][]float64 `json:"wr"`
	Wh [][]float64 `json:"wh"`
	Uz [][]float64 `json:"uz"`
	Ur [][]float64 `json:"ur"`
	Uh [][]float64 `json:"uh"`
	Bz []float64   `json:"bz"`
	Br []float64   `json:"br"`
	Bh []float64   `json:"bh"`
}

// Head is a per-device linear classifier over the hidden state.
type Head struct {
	Device string    `json:"device"`
	W      []float64 `json:"w"`
	B      float64   `json:"b"`
}

type Model struct {
	Inputs int     `json:"inputs"`
	Hidden int     `json:"hidden"`
	Layers []Layer `json:"layers"`
	Heads  []Head  `json:"heads"`
}

type ModelConf struct {
	Model struct {
		Hidden int
		Layers int
	}
	Dataset struct {
		Window        int
		Stride        int
		SampleRate    float64  `yaml:"sample_rate_hz"`
		TargetDevices []string `yaml:"target_devices"`
		OnW           float64  `yaml:"on_w"`
	}
}

// Bundle is the immutable artifact set shared by the pipeline.
type Bundle struct {
	Dir        string
	Model      *Model
	Normalizer *Normalizer
	Devices    []Device
	Conf       *ModelConf
}

// FeatureSchema is the feature channel ordering the model was trained
// with: z-normalized power, then first-difference power.
var FeatureSchema = []string{"power", "dpower"}

// Load reads and validates a bundle directory. Any missing file or
// schema mismatch is fatal - the process must not start on a bad bundle.
func Load(dir string) (*Bundle, error) {
	bundle := &Bundle{Dir: dir}

	if err := readJson(filepath.Join(dir, "model.json"), &bundle.Model); err != nil {
		return nil, err
	}
	if err := readJson(filepath.Join(dir, "normalizer.json"), &bundle.Normalizer); err != nil {
		return nil, err
	}
	var kpis Kpis
	if err := readJson(filepath.Join(dir, "kpis.json"), &kpis); err != nil {
		return nil, err
	}
	bundle.Devices = kpis.Devices

	data, err := ioutil.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return nil, errors.Wrap(err, "reading config.yaml")
	}
	if err := yaml.Unmarshal(data, &bundle.Conf); err != nil {
		return nil, errors.Wrap(err, "parsing config.yaml")
	}

	if err := bundle.validate(); err != nil {
		return nil, err
	}
	return bundle, nil
}

func readJson(path string, v interface{}) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading %s", filepath.Base(path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parsing %s", filepath.Base(path))
	}
	return nil
}

func (b *Bundle) validate() error {
	conf := b.Conf.Dataset
	if conf.Window <= 0 {
		return errors.Errorf("invalid window length: %d", conf.Window)
	}
	if conf.Stride <= 0 || conf.Stride > conf.Window {
		return errors.Errorf("invalid stride %d for window %d", conf.Stride, conf.Window)
	}
	if conf.SampleRate <= 0 {
		return errors.Errorf("invalid sample rate: %v", conf.SampleRate)
	}
	if len(conf.TargetDevices) == 0 {
		return errors.New("config.yaml lists no target devices")
	}
	seen := map[string]bool{}
	for _, id := range conf.TargetDevices {
		if seen[id] {
			return errors.Errorf("duplicate target device: %s", id)
		}
		seen[id] = true
	}

	if len(b.Normalizer.Features) != len(FeatureSchema) {
		return errors.Errorf("normalizer has %d features, model expects %d",
			len(b.Normalizer.Features), len(FeatureSchema))
	}
	for i, name := range FeatureSchema {
		feature := b.Normalizer.Features[i]
		if feature.Name != name {
			return errors.Errorf("normalizer feature %d is %q, expected %q", i, feature.Name, name)
		}
		if !(feature.Std > 0) || math.IsNaN(feature.Std) || math.IsInf(feature.Std, 0) {
			return errors.Errorf("normalizer feature %q has invalid std %v", feature.Name, feature.Std)
		}
	}

	return b.validateModel()
}

func (b *Bundle) validateModel() error {
	model := b.Model
	if model.Hidden <= 0 {
		return errors.Errorf("invalid hidden size: %d", model.Hidden)
	}
	if len(model.Layers) == 0 {
		return errors.New("model has no layers")
	}
	if model.Hidden != b.Conf.Model.Hidden {
		return errors.Errorf("model hidden size %d does not match config %d",
			model.Hidden, b.Conf.Model.Hidden)
	}
	if len(model.Layers) != b.Conf.Model.Layers {
		return errors.Errorf("model has %d layers, config says %d",
			len(model.Layers), b.Conf.Model.Layers)
	}
	if model.Inputs != len(FeatureSchema) {
		return errors.Errorf("model expects %d input channels, feature schema has %d",
			model.Inputs, len(FeatureSchema))
	}
	if len(model.Heads) != len(b.Conf.Dataset.TargetDevices) {
		return errors.Errorf("model has %d heads, config lists %d target devices",
			len(model.Heads), len(b.Conf.Dataset.TargetDevices))
	}
	for i, head := range model.Heads {
		if head.Device != b.Conf.Dataset.TargetDevices[i] {
			return errors.Errorf("head %d is %q, config order says %q",
				i, head.Device, b.Conf.Dataset.TargetDevices[i])
		}
		if len(head.W) != model.Hidden {
			return errors.Errorf("head %q weight length %d != hidden %d",
				head.Device, len(head.W), model.Hidden)
		}
	}

	inputs := model.Inputs
	for i := range model.Layers {
		layer := &model.Layers[i]
		for _, m := range [][][]float64{layer.Wz, layer.Wr, layer.Wh} {
			if err := checkShape(m, model.Hidden, inputs); err != nil {
				return errors.Wrapf(err, "layer %d input weights", i)
			}
		}
		for _, m := range [][][]float64{layer.Uz, layer.Ur, layer.Uh} {
			if err := checkShape(m, model.Hidden, model.Hidden); err != nil {
				return errors.Wrapf(err, "layer %d recurrent weights", i)
			}
		}
		for _, v := range [][]float64{layer.Bz, layer.Br, layer.Bh} {
			if len(v) != model.Hidden {
				return errors.Errorf("layer %d bias length %d != hidden %d", i, len(v), model.Hidden)
			}
		}
		inputs = model.Hidden // layers above the first take the hidden state
	}
	return nil
}

func checkShape(m [][]float64, rows, cols int) error {
	if len(m) != rows {
		return errors.Errorf("have %d rows, want %d", len(m), rows)
	}
	for _, row := range m {
		if len(row) != cols {
			return errors.Errorf("have %d columns, want %d", len(row), cols)
		}
	}
	return nil
}

// Device looks up device metadata by id.
func (b *Bundle) Device(id string) (Device, bool) {
	for _, device := range b.Devices {
		if device.Id == id {
			return device, true
		}
	}
	return Device{}, false
}
