// Package publisher pushes device states and telemetry to home
// assistant over mqtt, announcing entities via mqtt discovery.
package publisher

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/barnybug/gonilm/artifact"
	"github.com/barnybug/gonilm/nilm/stabilizer"
)

// Conn is the raw mqtt surface the publisher needs. *mqtt.Broker
// satisfies it.
type Conn interface {
	Publish(topic string, payload string, retain bool) error
	SetWill(topic string, payload string, retain bool)
	OnConnect(fn func())
}

type Config struct {
	BaseTopic string
	HaPrefix  string
	Discovery bool
	Retain    bool
	// Node identifies this gateway in entity unique_ids. Defaults to the
	// hostname.
	Node string
	// OnWatts is the power level above which a ground truth series
	// counts as ON.
	OnWatts float64
}

// Publisher owns the home assistant side of the mqtt connection. The
// last state per device is remembered and republished on reconnect, so
// a flaky link converges to the truth rather than replaying history.
type Publisher struct {
	conn    Conn
	cfg     Config
	devices []artifact.Device

	discovered bool

	mu       sync.Mutex
	last     map[string]string // device id -> last state payload
	lastConf map[string]string
}

// New prepares a publisher over conn. Must be called before the
// connection is opened: the availability last will has to be arranged
// up front.
func New(conn Conn, cfg Config, devices []artifact.Device) *Publisher {
	if cfg.Node == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "nilm-gw"
		}
		cfg.Node = hostname
	}
	p := &Publisher{
		conn:     conn,
		cfg:      cfg,
		devices:  devices,
		last:     map[string]string{},
		lastConf: map[string]string{},
	}
	conn.SetWill(p.availabilityTopic(), "offline", true)
	conn.OnConnect(p.reconnected)
	return p
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.BaseTopic + "/availability"
}

func (p *Publisher) topic(parts ...string) string {
	topic := p.cfg.BaseTopic
	for _, part := range parts {
		topic += "/" + part
	}
	return topic
}

// publish sends with the configured retain flag, logging failures. The
// pipeline never blocks on a slow broker beyond the connection's
// bounded publish wait.
func (p *Publisher) publish(topic, payload string) {
	if err := p.conn.Publish(topic, payload, p.cfg.Retain); err != nil {
		log.Printf("publisher: publish %s failed: %s", topic, err)
	}
}

// Online marks the gateway available (retained) and publishes the
// discovery configs. Idempotent.
func (p *Publisher) Online() error {
	if err := p.conn.Publish(p.availabilityTopic(), "online", true); err != nil {
		return err
	}
	return p.publishDiscovery()
}

// reconnected restores availability and the last known states after the
// transport came back. Discovery configs are retained by the broker, so
// they are not re-sent.
func (p *Publisher) reconnected() {
	if err := p.conn.Publish(p.availabilityTopic(), "online", true); err != nil {
		log.Println("publisher: availability republish failed:", err)
	}
	p.mu.Lock()
	last := make(map[string]string, len(p.last))
	for id, payload := range p.last {
		last[id] = payload
	}
	conf := make(map[string]string, len(p.lastConf))
	for id, payload := range p.lastConf {
		conf[id] = payload
	}
	p.mu.Unlock()

	for id, payload := range last {
		p.publish(p.topic(id, "state"), payload)
	}
	for id, payload := range conf {
		p.publish(p.topic(id, "confidence"), payload)
	}
	if len(last) > 0 {
		log.Printf("publisher: republished %d device states after reconnect", len(last))
	}
}

func (p *Publisher) state(id, payload, confidence string) {
	p.mu.Lock()
	p.last[id] = payload
	p.lastConf[id] = confidence
	p.mu.Unlock()
	p.publish(p.topic(id, "state"), payload)
	p.publish(p.topic(id, "confidence"), confidence)
}

func formatConfidence(confidence float64) string {
	return strconv.FormatFloat(confidence, 'f', 4, 64)
}

// StateChanged publishes a confirmed transition.
func (p *Publisher) StateChanged(t stabilizer.Transition) {
	p.state(t.Device, t.To, formatConfidence(t.Confidence))
}

// StateRefresh republishes an unchanged state (heartbeat or shutdown
// flush). Discovery is never re-sent here.
func (p *Publisher) StateRefresh(s stabilizer.State) {
	p.state(s.Device, s.State, formatConfidence(s.Confidence))
}

// Mains publishes the aggregate power reading.
func (p *Publisher) Mains(at time.Time, watts float64) {
	p.publish(p.topic("mains", "power_W"), strconv.FormatFloat(watts, 'f', 1, 64))
}

// Truth publishes replayed ground truth per device: submetered power
// and the ON/OFF state it implies.
func (p *Publisher) Truth(at time.Time, powers map[string]float64) {
	for _, device := range p.devices {
		watts, ok := powers[device.Id]
		if !ok {
			continue
		}
		p.publish(p.topic(device.Id, "truth", "power_W"), strconv.FormatFloat(watts, 'f', 1, 64))
		state := "OFF"
		if watts > p.cfg.OnWatts {
			state = "ON"
		}
		p.publish(p.topic(device.Id, "truth", "state"), state)
	}
}

// Latency publishes the per-window inference latency in milliseconds.
func (p *Publisher) Latency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	p.publish(p.topic("host", "latency_ms"), strconv.FormatFloat(ms, 'f', 3, 64))
}

// HostMetrics publishes gateway host readings under <base>/host/.
func (p *Publisher) HostMetrics(metrics map[string]string) {
	for key, value := range metrics {
		p.publish(p.topic("host", key), value)
	}
}

// Close marks the gateway offline. The mqtt connection itself belongs
// to the broker and is closed by it.
func (p *Publisher) Close() {
	if err := p.conn.Publish(p.availabilityTopic(), "offline", true); err != nil {
		log.Println("publisher: offline publish failed:", err)
	}
}

func (p *Publisher) entity(suffix string) string {
	return fmt.Sprintf("%s_%s", p.cfg.Node, suffix)
}
