package source

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/barnybug/gonilm/config"
)

// Shelly polls a Shelly 3EM energy meter over its local http api,
// summing the per-phase powers into one aggregate reading.
type Shelly struct {
	live
	url      string
	client   *http.Client
	interval time.Duration
}

type shellyStatus struct {
	Emeters []struct {
		Power float64 `json:"power"`
	} `json:"emeters"`
	TotalPower *float64 `json:"total_power"`
}

func NewShelly(cfg config.ShellyConf, queueSize int) *Shelly {
	interval := time.Duration(float64(time.Second) / cfg.Rate)
	base := fmt.Sprintf("http://%s", cfg.Host)
	if cfg.Port != 80 && cfg.Port != 0 {
		base = fmt.Sprintf("%s:%d", base, cfg.Port)
	}
	s := &Shelly{
		live:     newLive("shelly", queueSize, 5*interval),
		url:      base + "/status",
		client:   &http.Client{Timeout: cfg.Timeout.Duration},
		interval: interval,
	}
	go s.poll()
	return s
}

func (s *Shelly) read() (float64, error) {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %s", resp.Status)
	}
	var status shellyStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return 0, err
	}
	power := 0.0
	for _, em := range status.Emeters {
		power += em.Power
	}
	if power == 0 && status.TotalPower != nil {
		power = *status.TotalPower
	}
	return power, nil
}

func (s *Shelly) poll() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}
		power, err := s.read()
		if err != nil {
			// keep polling - a failed read must not end the stream
			log.Println("shelly: error reading status:", err)
			continue
		}
		s.offer(&Sample{Timestamp: time.Now().UTC(), Power: power})
	}
}

func (s *Shelly) Close() error {
	close(s.closed)
	return nil
}
