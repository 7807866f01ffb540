// Package stabilizer turns raw per-device probabilities into debounced
// ON/OFF device states.
//
// Each device gets an independent two-state automaton plus a small
// decision layer in front of it: a rolling buffer of recent
// probabilities is compared against the device's hysteresis band
// (on threshold above off threshold), and a transition only fires after
// the decision has persisted for the dwell time. Ties near both
// thresholds hold the current state - they never oscillate.
package stabilizer

import (
	"bytes"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/barnybug/gofsm"
	"github.com/pkg/errors"

	"github.com/barnybug/gonilm/util"
)

const (
	Off = "Off"
	On  = "On"
)

// State is a read-only snapshot of one device's stabilized state.
type State struct {
	Device     string
	State      string // "ON" or "OFF"
	Since      time.Time
	Confidence float64
}

// Transition is a confirmed state change.
type Transition struct {
	Device     string
	From       string
	To         string
	At         time.Time
	Duration   time.Duration // time spent in the previous state
	Confidence float64
}

type Thresholds struct {
	On  float64
	Off float64
}

type Config struct {
	Buffer      int           // rolling probability buffer length
	MinFraction float64       // fraction of buffered values required
	Dwell       time.Duration // minimum persistence before a transition
	Heartbeat   time.Duration // refresh interval for unchanged states
}

type device struct {
	id         string
	thresholds Thresholds

	buf  []float64
	n    int
	next int

	candidate      string
	candidateSince time.Time

	confidence float64
	since      time.Time
	lastEmit   time.Time
}

// Stabilizer owns one state machine per device. Devices share no
// mutable state - update order within a window is immaterial.
type Stabilizer struct {
	cfg      Config
	automata *gofsm.Automata
	devices  map[string]*device
	order    []string
}

// trigger feeds decision events into the automata.
type trigger string

func (t trigger) Match(s string) bool {
	return string(t) == s
}

// automataYaml renders the per-device two-state automata in gofsm's
// configuration format.
func automataYaml(ids []string) []byte {
	var buf bytes.Buffer
	for _, id := range ids {
		fmt.Fprintf(&buf, "%q:\n", id)
		buf.WriteString("  start: Off\n")
		buf.WriteString("  states:\n    Off: {}\n    On: {}\n")
		buf.WriteString("  transitions:\n")
		buf.WriteString("    Off->On:\n    - when: 'on'\n")
		buf.WriteString("    On->Off:\n    - when: 'off'\n")
	}
	return buf.Bytes()
}

func New(cfg Config, thresholds map[string]Thresholds, start time.Time) (*Stabilizer, error) {
	if cfg.Buffer <= 0 {
		return nil, errors.Errorf("invalid buffer length: %d", cfg.Buffer)
	}
	if cfg.MinFraction <= 0 || cfg.MinFraction > 1 {
		return nil, errors.Errorf("invalid min fraction: %v", cfg.MinFraction)
	}
	if cfg.Dwell < 0 {
		return nil, errors.Errorf("invalid dwell: %s", cfg.Dwell)
	}
	if len(thresholds) == 0 {
		return nil, errors.New("no devices")
	}

	var order []string
	devices := map[string]*device{}
	for id, th := range thresholds {
		if th.On <= th.Off {
			return nil, errors.Errorf("%s: on threshold %v must be above off threshold %v",
				id, th.On, th.Off)
		}
		devices[id] = &device{
			id:         id,
			thresholds: th,
			buf:        make([]float64, cfg.Buffer),
			since:      start,
			lastEmit:   start,
		}
		order = append(order, id)
	}
	sort.Strings(order)

	automata, err := gofsm.Load(automataYaml(order))
	if err != nil {
		return nil, errors.Wrap(err, "loading automata")
	}
	return &Stabilizer{cfg: cfg, automata: automata, devices: devices, order: order}, nil
}

// Devices returns the device ids in a stable order.
func (s *Stabilizer) Devices() []string {
	return s.order
}

func (d *device) push(p float64) {
	d.buf[d.next] = p
	d.next = (d.next + 1) % len(d.buf)
	if d.n < len(d.buf) {
		d.n++
	}
}

func (d *device) fractions() (above, below float64) {
	var nAbove, nBelow int
	for i := 0; i < d.n; i++ {
		if d.buf[i] > d.thresholds.On {
			nAbove++
		}
		if d.buf[i] < d.thresholds.Off {
			nBelow++
		}
	}
	return float64(nAbove) / float64(d.n), float64(nBelow) / float64(d.n)
}

func (d *device) clear() {
	d.n = 0
	d.next = 0
	d.candidate = ""
}

// Update feeds one probability for a device at stream time at. It
// returns a confirmed transition, or nil while the state holds.
func (s *Stabilizer) Update(id string, p float64, at time.Time) *Transition {
	d, ok := s.devices[id]
	if !ok {
		return nil
	}
	d.confidence = p
	d.push(p)
	if d.n < len(d.buf) {
		// not enough history yet
		return nil
	}

	above, below := d.fractions()
	current := s.automata.Automaton[id].State.Name

	desired := ""
	wantOn := above >= s.cfg.MinFraction
	wantOff := below >= s.cfg.MinFraction
	switch {
	case wantOn && wantOff:
		// noisy boundary: straddling both thresholds holds state
	case wantOn && current == Off:
		desired = "on"
	case wantOff && current == On:
		desired = "off"
	}

	if desired == "" {
		d.candidate = ""
		return nil
	}
	if d.candidate != desired {
		// dwell clock starts (or restarts) now
		d.candidate = desired
		d.candidateSince = at
		if s.cfg.Dwell > 0 {
			return nil
		}
	}
	if at.Sub(d.candidateSince) < s.cfg.Dwell {
		return nil
	}
	return s.fire(d, desired, at)
}

func (s *Stabilizer) fire(d *device, desired string, at time.Time) *Transition {
	aut := s.automata.Automaton[d.id]
	aut.Process(trigger(desired))
	var change gofsm.Change
	select {
	case change = <-s.automata.Changes:
	default:
		// the automaton refused the event - should not happen
		log.Printf("stabilizer: %s ignored %q in state %s", d.id, desired, aut.State.Name)
		return nil
	}

	duration := at.Sub(d.since)
	d.since = at
	d.lastEmit = at
	d.clear()
	log.Printf("stabilizer: %s %s -> %s after %s", d.id,
		stateName(change.Old), stateName(change.New), util.FriendlyDuration(duration))
	return &Transition{
		Device:     d.id,
		From:       stateName(change.Old),
		To:         stateName(change.New),
		At:         at,
		Duration:   duration,
		Confidence: d.confidence,
	}
}

func stateName(s string) string {
	if s == On {
		return "ON"
	}
	return "OFF"
}

// snapshot builds the read-only state handed to the publisher.
func (s *Stabilizer) snapshot(d *device) State {
	return State{
		Device:     d.id,
		State:      stateName(s.automata.Automaton[d.id].State.Name),
		Since:      d.since,
		Confidence: d.confidence,
	}
}

// State returns the current snapshot for one device.
func (s *Stabilizer) State(id string) (State, bool) {
	d, ok := s.devices[id]
	if !ok {
		return State{}, false
	}
	return s.snapshot(d), true
}

// States returns snapshots for all devices.
func (s *Stabilizer) States() []State {
	states := make([]State, 0, len(s.order))
	for _, id := range s.order {
		states = append(states, s.snapshot(s.devices[id]))
	}
	return states
}

// Heartbeats returns the states due a periodic refresh at stream time
// now, marking them emitted. Unchanged states are re-published at the
// heartbeat interval so downstream consumers can detect staleness.
func (s *Stabilizer) Heartbeats(now time.Time) []State {
	if s.cfg.Heartbeat <= 0 {
		return nil
	}
	var due []State
	for _, id := range s.order {
		d := s.devices[id]
		if now.Sub(d.lastEmit) >= s.cfg.Heartbeat {
			d.lastEmit = now
			due = append(due, s.snapshot(d))
		}
	}
	return due
}
