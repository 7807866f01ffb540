// Package window accumulates the sample stream into fixed-size,
// fixed-stride feature windows.
package window

import (
	"time"

	"github.com/pkg/errors"

	"github.com/barnybug/gonilm/nilm/source"
)

// Window is a run of size consecutive raw power readings. Lead is the
// sample preceding Powers[0], kept so the first-difference feature has
// a left neighbour; the first window after startup or a reset has none.
type Window struct {
	Powers  []float64
	Lead    float64
	HasLead bool
	Start   time.Time
	End     time.Time
	// Truth from the last sample in the window, when replaying
	// submetered data.
	Truth map[string]float64
}

func (w *Window) Size() int {
	return len(w.Powers)
}

// Gap reports a discontinuity that reset the buffer.
type Gap struct {
	Reason string // "gap" or "stale"
	Last   time.Time
	Next   time.Time
	Delta  time.Duration
}

// Windower maintains a rolling buffer of recent samples, emitting a
// complete window every stride samples once size samples have
// accumulated. Windows never span a gap: any discontinuity resets the
// buffer and size fresh samples are needed before the next window.
type Windower struct {
	size   int
	stride int
	maxGap time.Duration

	// buf holds up to size+1 samples - the extra one is the lead-in
	// for the first difference.
	buf   []*source.Sample
	count int
	since int
	gaps  int64
}

func New(size, stride int, maxGap time.Duration) (*Windower, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid window size: %d", size)
	}
	if stride <= 0 || stride > size {
		return nil, errors.Errorf("invalid stride %d for window size %d", stride, size)
	}
	if maxGap <= 0 {
		return nil, errors.Errorf("invalid max gap: %s", maxGap)
	}
	return &Windower{size: size, stride: stride, maxGap: maxGap}, nil
}

// Push adds a sample, returning a window when one completes, or a gap
// when the stream was discontinuous. Never both.
func (w *Windower) Push(sample *source.Sample) (*Window, *Gap) {
	if sample.Stale {
		return nil, w.reset("stale", sample.Timestamp, 0)
	}
	var gap *Gap
	if n := len(w.buf); n > 0 {
		delta := sample.Timestamp.Sub(w.buf[n-1].Timestamp)
		if delta > w.maxGap {
			gap = w.reset("gap", sample.Timestamp, delta)
		}
	}

	w.buf = append(w.buf, sample)
	if len(w.buf) > w.size+1 {
		w.buf = w.buf[1:]
	}
	w.count++
	w.since++
	if w.count < w.size || w.since < w.stride {
		return nil, gap
	}
	w.since = 0
	return w.window(), gap
}

func (w *Windower) window() *Window {
	win := &Window{}
	samples := w.buf
	if len(samples) > w.size {
		win.Lead = samples[0].Power
		win.HasLead = true
		samples = samples[1:]
	}
	win.Powers = make([]float64, len(samples))
	for i, sample := range samples {
		win.Powers[i] = sample.Power
	}
	last := samples[len(samples)-1]
	win.Start = samples[0].Timestamp
	win.End = last.Timestamp
	win.Truth = last.Truth
	return win
}

func (w *Windower) reset(reason string, next time.Time, delta time.Duration) *Gap {
	var last time.Time
	if n := len(w.buf); n > 0 {
		last = w.buf[n-1].Timestamp
	}
	empty := w.count == 0
	w.buf = w.buf[:0]
	w.count = 0
	w.since = 0
	if empty {
		// nothing discarded, no gap to report
		return nil
	}
	w.gaps++
	return &Gap{Reason: reason, Last: last, Next: next, Delta: delta}
}

// Gaps returns the number of buffer resets since startup.
func (w *Windower) Gaps() int64 {
	return w.gaps
}
