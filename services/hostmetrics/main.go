// Service hostmetrics publishes gateway host health (cpu, memory,
// temperature, uptime) for the sensors announced by the nilm service.
package hostmetrics

import (
	"log"
	"time"

	"github.com/barnybug/gonilm/hostmetrics"
	"github.com/barnybug/gonilm/services"
)

// Service hostmetrics
type Service struct {
	stop chan struct{}
}

// ID of the service
func (s *Service) ID() string {
	return "hostmetrics"
}

func publish(baseTopic string, metrics map[string]string) {
	for key, value := range metrics {
		topic := baseTopic + "/host/" + key
		if err := services.Broker.Publish(topic, value, false); err != nil {
			log.Printf("hostmetrics: publish %s failed: %s", topic, err)
		}
	}
}

// Init prepares the stop channel before the service goroutines start.
func (s *Service) Init() error {
	s.stop = make(chan struct{})
	return nil
}

// Run samples and publishes on the configured interval.
func (s *Service) Run() error {
	interval := services.Config.Hostmetrics.Interval.Duration
	baseTopic := services.Config.Publisher.BaseTopic
	monitor := hostmetrics.New()
	// prime the cpu counters so the first tick has a delta
	monitor.Read()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return nil
		case <-ticker.C:
			publish(baseTopic, monitor.Read())
		}
	}
}

// Stop ends the publishing loop.
func (s *Service) Stop() {
	close(s.stop)
}
