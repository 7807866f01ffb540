// Service nilm runs the disaggregation gateway: aggregate power in,
// per-appliance ON/OFF states out to home assistant.
package nilm

import (
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/barnybug/gonilm/artifact"
	"github.com/barnybug/gonilm/config"
	"github.com/barnybug/gonilm/nilm/feature"
	"github.com/barnybug/gonilm/nilm/model"
	"github.com/barnybug/gonilm/nilm/pipeline"
	"github.com/barnybug/gonilm/nilm/source"
	"github.com/barnybug/gonilm/nilm/stabilizer"
	"github.com/barnybug/gonilm/nilm/window"
	"github.com/barnybug/gonilm/publisher"
	"github.com/barnybug/gonilm/pubsub"
	"github.com/barnybug/gonilm/services"
)

var _ pipeline.Sink = (*publisher.Publisher)(nil)

// Service nilm
type Service struct {
	pipeline *pipeline.Pipeline
	pub      *publisher.Publisher
	commands <-chan *pubsub.Event
}

// ID of the service
func (s *Service) ID() string {
	return "nilm"
}

func openSource(conf *config.Config, bundle *artifact.Bundle) (source.Source, error) {
	switch conf.Source.Mode {
	case "replay":
		return source.NewReplay(conf.Source.Replay, bundle.Conf.Dataset.SampleRate)
	case "shelly":
		return source.NewShelly(conf.Source.Shelly, conf.Source.Queue), nil
	case "currentcost":
		return source.NewCurrentcost(conf.Source.Currentcost, conf.Source.Queue,
			conf.Source.MaxGap.Duration)
	}
	return nil, errors.Errorf("unknown source mode: %s", conf.Source.Mode)
}

// thresholds merges the per-device hysteresis bands from the artifact
// kpis with any config overrides.
func thresholds(conf *config.Config, bundle *artifact.Bundle) map[string]stabilizer.Thresholds {
	out := map[string]stabilizer.Thresholds{}
	for _, device := range bundle.Devices {
		out[device.Id] = stabilizer.Thresholds{
			On:  device.OnThreshold,
			Off: device.OffThreshold,
		}
	}
	for id, th := range conf.Stabilizer.Thresholds {
		out[id] = stabilizer.Thresholds{On: th.On, Off: th.Off}
	}
	return out
}

// startTime anchors the stabilizer clock: replayed streams run in the
// recording's own time, live streams in wall time.
func startTime(conf *config.Config) time.Time {
	if conf.Source.Mode == "replay" {
		if start, err := time.Parse(time.RFC3339, conf.Source.Replay.Start); err == nil {
			return start
		}
	}
	return time.Now().UTC()
}

func deviceIds(bundle *artifact.Bundle) []string {
	ids := make([]string, len(bundle.Devices))
	for i, device := range bundle.Devices {
		ids[i] = device.Id
	}
	return ids
}

// Init assembles the pipeline from the artifact bundle and config.
func (s *Service) Init() error {
	conf := services.Config

	bundle, err := artifact.Load(conf.Artifact.Dir)
	if err != nil {
		return errors.Wrap(err, "loading artifact bundle")
	}
	dataset := bundle.Conf.Dataset
	log.Printf("nilm: artifact %s: window %d stride %d, %d devices",
		bundle.Dir, dataset.Window, dataset.Stride, len(bundle.Devices))

	src, err := openSource(conf, bundle)
	if err != nil {
		return errors.Wrap(err, "opening source")
	}
	windower, err := window.New(dataset.Window, dataset.Stride, conf.Source.MaxGap.Duration)
	if err != nil {
		return err
	}
	normalizer, err := feature.NewNormalizer(bundle.Normalizer)
	if err != nil {
		return err
	}
	engine, err := model.NewEngine(bundle, deviceIds(bundle))
	if err != nil {
		return err
	}
	stab, err := stabilizer.New(stabilizer.Config{
		Buffer:      conf.Stabilizer.Buffer,
		MinFraction: conf.Stabilizer.MinFraction,
		Dwell:       conf.Stabilizer.Dwell.Duration,
		Heartbeat:   conf.Stabilizer.Heartbeat.Duration,
	}, thresholds(conf, bundle), startTime(conf))
	if err != nil {
		return err
	}

	s.pub = publisher.New(services.Broker, publisher.Config{
		BaseTopic: conf.Publisher.BaseTopic,
		HaPrefix:  conf.Publisher.HaPrefix,
		Discovery: conf.DiscoveryEnabled(),
		Retain:    conf.Publisher.Retain,
		Node:      conf.General.Name,
		OnWatts:   dataset.OnW,
	}, bundle.Devices)

	s.pipeline = pipeline.New(pipeline.Config{Ema: conf.Stabilizer.Ema},
		src, windower, normalizer, engine, stab, s.pub)
	return nil
}

// Run the pipeline until the source ends or the service is stopped.
func (s *Service) Run() error {
	s.commands = services.Subscriber.Subscribe(pubsub.Exact("command"))
	go s.handleCommands()

	if err := s.pub.Online(); err != nil {
		log.Println("nilm: announcing entities:", err)
	}
	s.pipeline.Run()

	status := s.pipeline.Health()
	log.Printf("nilm: finished: %d samples, %d windows, %d transitions, %d gaps, %d faults, %d drops",
		status.Samples, status.Windows, status.Transitions, status.Gaps, status.Faults, status.Drops)
	s.pub.Close()
	return nil
}

// Stop shuts the pipeline down gracefully.
func (s *Service) Stop() {
	if s.commands != nil {
		services.Subscriber.Close(s.commands)
	}
	s.pipeline.Stop()
}
