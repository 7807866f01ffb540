package publisher

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/pkg/errors"
)

// mqtt discovery payloads, per the home assistant convention. Configs
// are retained so entities survive a home assistant restart.

type availability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
}

type deviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

type entityConfig struct {
	Name         string         `json:"name"`
	UniqueId     string         `json:"unique_id"`
	StateTopic   string         `json:"state_topic"`
	StateClass   string         `json:"state_class,omitempty"`
	Unit         string         `json:"unit_of_measurement,omitempty"`
	DeviceClass  string         `json:"device_class,omitempty"`
	Icon         string         `json:"icon,omitempty"`
	PayloadOn    string         `json:"payload_on,omitempty"`
	PayloadOff   string         `json:"payload_off,omitempty"`
	Availability []availability `json:"availability"`
	Device       deviceInfo     `json:"device"`
}

func (p *Publisher) deviceInfo() deviceInfo {
	return deviceInfo{
		Identifiers:  []string{p.cfg.Node},
		Name:         "NILM",
		Manufacturer: "gonilm",
		Model:        "gru nilm gateway",
	}
}

func (p *Publisher) announce(component, suffix string, config entityConfig) error {
	config.UniqueId = p.entity(suffix)
	config.Availability = []availability{{
		Topic:               p.availabilityTopic(),
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
	}}
	config.Device = p.deviceInfo()

	payload, err := json.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "encoding discovery config")
	}
	topic := fmt.Sprintf("%s/%s/%s/config", p.cfg.HaPrefix, component, config.UniqueId)
	return p.conn.Publish(topic, string(payload), true)
}

func (p *Publisher) sensor(suffix, name, stateTopic, unit, deviceClass, icon string) error {
	return p.announce("sensor", suffix, entityConfig{
		Name:        name,
		StateTopic:  stateTopic,
		StateClass:  "measurement",
		Unit:        unit,
		DeviceClass: deviceClass,
		Icon:        icon,
	})
}

func (p *Publisher) binarySensor(suffix, name, stateTopic, icon string) error {
	return p.announce("binary_sensor", suffix, entityConfig{
		Name:       name,
		StateTopic: stateTopic,
		PayloadOn:  "ON",
		PayloadOff: "OFF",
		Icon:       icon,
	})
}

// publishDiscovery announces every entity once: the per-device
// predicted and truth states, confidence, the mains feed and the host
// metrics. Later heartbeats never re-announce.
func (p *Publisher) publishDiscovery() error {
	if !p.cfg.Discovery || p.discovered {
		return nil
	}

	if err := p.sensor("nilm_mains_power_w", "Mains Power",
		p.topic("mains", "power_W"), "W", "power", "mdi:flash"); err != nil {
		return err
	}

	for _, device := range p.devices {
		name := device.Name
		if name == "" {
			name = device.Id
		}
		icon := device.Icon
		if icon == "" {
			icon = "mdi:power-plug"
		}
		if err := p.binarySensor(fmt.Sprintf("nilm_%s_pred_state", device.Id),
			name+" Predicted", p.topic(device.Id, "state"), icon); err != nil {
			return err
		}
		if err := p.binarySensor(fmt.Sprintf("nilm_%s_truth_state", device.Id),
			name+" Truth", p.topic(device.Id, "truth", "state"), "mdi:check-circle-outline"); err != nil {
			return err
		}
		if err := p.sensor(fmt.Sprintf("nilm_%s_truth_power_w", device.Id),
			name+" Power (Truth)", p.topic(device.Id, "truth", "power_W"),
			"W", "power", "mdi:flash"); err != nil {
			return err
		}
		if err := p.sensor(fmt.Sprintf("nilm_%s_pred_conf", device.Id),
			name+" Confidence", p.topic(device.Id, "confidence"),
			"", "", "mdi:chart-bell-curve"); err != nil {
			return err
		}
	}

	host := []struct {
		suffix, name, topic, unit, class, icon string
	}{
		{"host_cpu_percent", "CPU", "cpu_percent", "%", "", "mdi:cpu-64-bit"},
		{"host_mem_percent", "RAM", "mem_percent", "%", "", "mdi:memory"},
		{"host_mem_used_mb", "RAM Used", "mem_used_mb", "MB", "", "mdi:memory"},
		{"host_temp_c", "CPU Temp", "temp_c", "°C", "temperature", "mdi:thermometer"},
		{"host_uptime_s", "Uptime", "uptime_s", "s", "duration", "mdi:clock-outline"},
		{"host_latency_ms", "Latency", "latency_ms", "ms", "", "mdi:timer-outline"},
	}
	for _, h := range host {
		if err := p.sensor(h.suffix, h.name, p.topic("host", h.topic),
			h.unit, h.class, h.icon); err != nil {
			return err
		}
	}

	p.discovered = true
	log.Printf("publisher: announced %d devices to home assistant", len(p.devices))
	return nil
}
