package source

import (
	"log"
	"sync/atomic"
)

// queue is the bounded buffer between a live receive loop and the
// pipeline. When full the oldest sample is dropped - the pipeline favours
// timeliness over completeness.
type queue struct {
	name  string
	ch    chan *Sample
	drops int64
}

func newQueue(name string, size int) *queue {
	if size <= 0 {
		size = 256
	}
	return &queue{name: name, ch: make(chan *Sample, size)}
}

func (q *queue) push(sample *Sample) {
	for {
		select {
		case q.ch <- sample:
			return
		default:
		}
		// full: drop the oldest unread sample
		select {
		case <-q.ch:
			n := atomic.AddInt64(&q.drops, 1)
			log.Printf("%s: queue full, dropped oldest sample (%d dropped total)", q.name, n)
		default:
		}
	}
}

func (q *queue) Drops() int64 {
	return atomic.LoadInt64(&q.drops)
}
