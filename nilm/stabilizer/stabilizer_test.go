package stabilizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2017, 11, 8, 12, 0, 0, 0, time.UTC)

func newTest(t *testing.T, cfg Config) *Stabilizer {
	t.Helper()
	if cfg.Buffer == 0 {
		cfg.Buffer = 4
	}
	if cfg.MinFraction == 0 {
		cfg.MinFraction = 0.75
	}
	s, err := New(cfg, map[string]Thresholds{
		"dishwasher": {On: 0.7, Off: 0.4},
		"kettle":     {On: 0.8, Off: 0.5},
	}, t0)
	require.NoError(t, err)
	return s
}

// feed pushes the same probability once per second, returning any
// transitions.
func feed(s *Stabilizer, id string, p float64, from, seconds int) []*Transition {
	var transitions []*Transition
	for i := from; i < from+seconds; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		if tr := s.Update(id, p, at); tr != nil {
			transitions = append(transitions, tr)
		}
	}
	return transitions
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Buffer: 0, MinFraction: 0.5}, map[string]Thresholds{"a": {On: 0.7, Off: 0.4}}, t0)
	assert.Error(t, err)
	_, err = New(Config{Buffer: 4, MinFraction: 1.5}, map[string]Thresholds{"a": {On: 0.7, Off: 0.4}}, t0)
	assert.Error(t, err)
	_, err = New(Config{Buffer: 4, MinFraction: 0.5}, nil, t0)
	assert.Error(t, err)
	_, err = New(Config{Buffer: 4, MinFraction: 0.5}, map[string]Thresholds{"a": {On: 0.4, Off: 0.7}}, t0)
	assert.Error(t, err)
}

func TestInitialStateOff(t *testing.T) {
	s := newTest(t, Config{})
	state, ok := s.State("dishwasher")
	require.True(t, ok)
	assert.Equal(t, "OFF", state.State)
	assert.Equal(t, t0, state.Since)
}

func TestTransitionOnAfterDwell(t *testing.T) {
	s := newTest(t, Config{Dwell: 10 * time.Second})

	// buffer fills at t=3, candidate starts, fires at candidate+10s
	transitions := feed(s, "dishwasher", 0.9, 0, 30)
	require.Len(t, transitions, 1, "exactly one transition")
	tr := transitions[0]
	assert.Equal(t, "OFF", tr.From)
	assert.Equal(t, "ON", tr.To)
	assert.Equal(t, t0.Add(13*time.Second), tr.At, "not earlier than the dwell allows")

	state, _ := s.State("dishwasher")
	assert.Equal(t, "ON", state.State)
	assert.Equal(t, tr.At, state.Since)
}

func TestNoTransitionBeforeDwell(t *testing.T) {
	s := newTest(t, Config{Dwell: 10 * time.Second})
	transitions := feed(s, "dishwasher", 0.9, 0, 13)
	assert.Empty(t, transitions, "dwell not yet satisfied")
}

func TestDwellInterrupted(t *testing.T) {
	s := newTest(t, Config{Dwell: 10 * time.Second})
	// high for a while, but a dip below the on threshold drops the
	// fraction and restarts the dwell clock
	feed(s, "dishwasher", 0.9, 0, 8)
	feed(s, "dishwasher", 0.1, 8, 2)
	transitions := feed(s, "dishwasher", 0.9, 10, 5)
	assert.Empty(t, transitions)
}

func TestHysteresisNoFlapping(t *testing.T) {
	s := newTest(t, Config{Dwell: 5 * time.Second})
	// oscillating strictly inside the hysteresis band (0.4..0.7):
	// crosses neither threshold persistently, so no transitions ever
	for i := 0; i < 100; i++ {
		p := 0.45
		if i%2 == 0 {
			p = 0.65
		}
		at := t0.Add(time.Duration(i) * time.Second)
		assert.Nil(t, s.Update("dishwasher", p, at))
	}
	state, _ := s.State("dishwasher")
	assert.Equal(t, "OFF", state.State)
}

func TestTieHoldsState(t *testing.T) {
	// minfraction 0.5 with values straddling both thresholds: both
	// conditions are satisfiable at once - state must hold
	s, err := New(Config{Buffer: 4, MinFraction: 0.5, Dwell: 2 * time.Second},
		map[string]Thresholds{"dishwasher": {On: 0.7, Off: 0.4}}, t0)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		p := 0.1
		if i%2 == 0 {
			p = 0.9
		}
		at := t0.Add(time.Duration(i) * time.Second)
		assert.Nil(t, s.Update("dishwasher", p, at), "tie at step %d", i)
	}
}

func TestOnThenOff(t *testing.T) {
	s := newTest(t, Config{Dwell: 5 * time.Second})
	on := feed(s, "dishwasher", 0.9, 0, 10)
	require.Len(t, on, 1)
	// drop below the off threshold: buffer cleared on transition, so it
	// must refill before the off decision can start
	off := feed(s, "dishwasher", 0.1, 10, 20)
	require.Len(t, off, 1)
	assert.Equal(t, "ON", off[0].From)
	assert.Equal(t, "OFF", off[0].To)
	assert.Equal(t, off[0].At.Sub(on[0].At), off[0].Duration)
}

func TestWithinBandAfterOnHolds(t *testing.T) {
	s := newTest(t, Config{})
	feed(s, "dishwasher", 0.9, 0, 5)
	// values inside the band: above off threshold, below on threshold
	feed(s, "dishwasher", 0.5, 5, 20)
	state, _ := s.State("dishwasher")
	assert.Equal(t, "ON", state.State, "band values hold the on state")
}

func TestDevicesIndependent(t *testing.T) {
	s := newTest(t, Config{})
	feed(s, "dishwasher", 0.9, 0, 10)
	dish, _ := s.State("dishwasher")
	kettle, _ := s.State("kettle")
	assert.Equal(t, "ON", dish.State)
	assert.Equal(t, "OFF", kettle.State, "kettle untouched by dishwasher updates")
}

func TestUnknownDevice(t *testing.T) {
	s := newTest(t, Config{})
	assert.Nil(t, s.Update("toaster", 0.9, t0))
	_, ok := s.State("toaster")
	assert.False(t, ok)
}

func TestHeartbeats(t *testing.T) {
	s := newTest(t, Config{Heartbeat: 60 * time.Second})

	assert.Empty(t, s.Heartbeats(t0.Add(30*time.Second)))
	due := s.Heartbeats(t0.Add(60 * time.Second))
	require.Len(t, due, 2)
	assert.Equal(t, "OFF", due[0].State)
	// marked emitted: not due again until another interval passes
	assert.Empty(t, s.Heartbeats(t0.Add(61*time.Second)))
	assert.Len(t, s.Heartbeats(t0.Add(120*time.Second)), 2)
}

func TestStatesSnapshot(t *testing.T) {
	s := newTest(t, Config{})
	states := s.States()
	require.Len(t, states, 2)
	// stable order
	assert.Equal(t, "dishwasher", states[0].Device)
	assert.Equal(t, "kettle", states[1].Device)
}
