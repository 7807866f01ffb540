// Package config loads the gateway process configuration from yaml.
package config

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration readable from yaml ("30s", "5m").
type Duration struct {
	Duration time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	d.Duration = val
	return nil
}

type GeneralConf struct {
	Name string
}

type ArtifactConf struct {
	Dir string
}

type ReplayConf struct {
	Url   string
	Mains int
	Start string
	End   string
	Speed float64
	Truth bool
	// Items maps device ids to the ground truth series of the replay
	// store, for evaluation against submetered data.
	Items map[string]int
}

type ShellyConf struct {
	Host    string
	Port    int
	Rate    float64
	Timeout Duration
}

type CurrentcostConf struct {
	Device string
}

type SourceConf struct {
	Mode        string
	MaxGap      Duration `yaml:"maxgap"`
	Queue       int
	Replay      ReplayConf
	Shelly      ShellyConf
	Currentcost CurrentcostConf
}

type ThresholdConf struct {
	On  float64
	Off float64
}

type StabilizerConf struct {
	Buffer      int
	MinFraction float64 `yaml:"minfraction"`
	Dwell       Duration
	Heartbeat   Duration
	Ema         float64
	Thresholds  map[string]ThresholdConf
}

type PublisherConf struct {
	BaseTopic string `yaml:"basetopic"`
	Discovery *bool
	HaPrefix  string `yaml:"haprefix"`
	Retain    bool
}

type HostmetricsConf struct {
	Interval Duration
}

// Config for the gonilm gateway.
type Config struct {
	General     GeneralConf
	Artifact    ArtifactConf
	Source      SourceConf
	Stabilizer  StabilizerConf
	Publisher   PublisherConf
	Hostmetrics HostmetricsConf
}

var sourceModes = map[string]bool{"replay": true, "shelly": true, "currentcost": true}

// Open reads and parses the configuration file at path.
func Open(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return OpenRaw(data)
}

// OpenRaw parses configuration yaml, applying defaults.
func OpenRaw(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.General.Name == "" {
		c.General.Name = "gonilm"
	}
	if c.Source.Mode == "" {
		c.Source.Mode = "replay"
	}
	if c.Source.MaxGap.Duration == 0 {
		c.Source.MaxGap.Duration = 10 * time.Second
	}
	if c.Source.Queue == 0 {
		c.Source.Queue = 256
	}
	if c.Source.Replay.Speed == 0 {
		c.Source.Replay.Speed = 1.0
	}
	if c.Source.Shelly.Port == 0 {
		c.Source.Shelly.Port = 80
	}
	if c.Source.Shelly.Rate == 0 {
		c.Source.Shelly.Rate = 1.0
	}
	if c.Source.Shelly.Timeout.Duration == 0 {
		c.Source.Shelly.Timeout.Duration = 3 * time.Second
	}
	if c.Stabilizer.Buffer == 0 {
		c.Stabilizer.Buffer = 5
	}
	if c.Stabilizer.MinFraction == 0 {
		c.Stabilizer.MinFraction = 0.6
	}
	if c.Stabilizer.Dwell.Duration == 0 {
		c.Stabilizer.Dwell.Duration = 30 * time.Second
	}
	if c.Stabilizer.Heartbeat.Duration == 0 {
		c.Stabilizer.Heartbeat.Duration = time.Minute
	}
	if c.Stabilizer.Ema == 0 {
		c.Stabilizer.Ema = 1.0 // no smoothing
	}
	if c.Publisher.BaseTopic == "" {
		c.Publisher.BaseTopic = "nilm"
	}
	if c.Publisher.HaPrefix == "" {
		c.Publisher.HaPrefix = "homeassistant"
	}
	if c.Publisher.Discovery == nil {
		t := true
		c.Publisher.Discovery = &t
	}
	if c.Hostmetrics.Interval.Duration == 0 {
		c.Hostmetrics.Interval.Duration = 5 * time.Second
	}
}

func (c *Config) validate() error {
	if !sourceModes[c.Source.Mode] {
		return errors.Errorf("unknown source mode: %s", c.Source.Mode)
	}
	if c.Stabilizer.MinFraction < 0 || c.Stabilizer.MinFraction > 1 {
		return errors.Errorf("stabilizer minfraction out of range: %v", c.Stabilizer.MinFraction)
	}
	if c.Stabilizer.Ema <= 0 || c.Stabilizer.Ema > 1 {
		return errors.Errorf("stabilizer ema out of range: %v", c.Stabilizer.Ema)
	}
	for device, th := range c.Stabilizer.Thresholds {
		if th.On <= th.Off {
			return errors.Errorf("%s: on threshold must be above off threshold", device)
		}
	}
	return nil
}

// DiscoveryEnabled reports whether home assistant discovery messages
// should be published.
func (c *Config) DiscoveryEnabled() bool {
	return c.Publisher.Discovery == nil || *c.Publisher.Discovery
}
