package source

import (
	"io"
	"time"
)

// live is the shared shape of live meter variants: a background receive
// loop feeding a bounded queue the pipeline drains.
type live struct {
	monotonic
	q      *queue
	closed chan struct{}
	stale  time.Duration
}

func newLive(name string, queueSize int, stale time.Duration) live {
	return live{
		monotonic: monotonic{name: name},
		q:         newQueue(name, queueSize),
		closed:    make(chan struct{}),
		stale:     stale,
	}
}

// offer is called by the receive loop. Out of order readings are
// discarded here so the queue only ever holds ordered samples.
func (l *live) offer(sample *Sample) {
	if !l.accept(sample.Timestamp) {
		return
	}
	l.q.push(sample)
}

// Next returns the next queued sample. If the meter has gone quiet past
// the stale timeout a synthetic stale sample is returned instead of
// blocking indefinitely.
func (l *live) Next() (*Sample, error) {
	timeout := time.NewTimer(l.stale)
	defer timeout.Stop()
	select {
	case sample := <-l.q.ch:
		return sample, nil
	case <-timeout.C:
		return &Sample{Timestamp: time.Now().UTC(), Stale: true}, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *live) Drops() int64 {
	return l.q.Drops()
}
