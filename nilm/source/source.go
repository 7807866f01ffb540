// Package source abstracts where aggregate power samples come from: a
// live meter or a replayed historical series. Downstream stages only see
// an ordered stream of timestamped watt readings.
package source

import (
	"log"
	"time"
)

// Sample is one aggregate power reading.
type Sample struct {
	Timestamp time.Time
	Power     float64
	// Truth carries per-device submetered power, replay sources only.
	Truth map[string]float64
	// Stale marks a synthetic sample emitted when a live meter has gone
	// quiet past its timeout.
	Stale bool
}

// Source produces samples in strictly increasing timestamp order.
// Next returns io.EOF when the stream is exhausted.
type Source interface {
	Next() (*Sample, error)
	Close() error
}

// monotonic discards out-of-order or duplicate readings - sources never
// reorder.
type monotonic struct {
	name string
	last time.Time
}

func (m *monotonic) accept(ts time.Time) bool {
	if !m.last.IsZero() && !ts.After(m.last) {
		log.Printf("%s: discarding out of order sample %s (last %s)", m.name, ts, m.last)
		return false
	}
	m.last = ts
	return true
}
