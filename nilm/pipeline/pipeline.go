// Package pipeline runs the inference loop: samples in, device state
// transitions out.
package pipeline

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/barnybug/gonilm/nilm/feature"
	"github.com/barnybug/gonilm/nilm/model"
	"github.com/barnybug/gonilm/nilm/source"
	"github.com/barnybug/gonilm/nilm/stabilizer"
	"github.com/barnybug/gonilm/nilm/window"
)

// Sink receives the pipeline's outputs. Implementations must not block
// indefinitely - the pipeline runs on a single goroutine.
type Sink interface {
	StateChanged(stabilizer.Transition)
	StateRefresh(stabilizer.State)
	Mains(at time.Time, watts float64)
	Truth(at time.Time, powers map[string]float64)
	Latency(d time.Duration)
}

// Status is a snapshot of pipeline counters.
type Status struct {
	Samples     int64
	Windows     int64
	Gaps        int64
	Faults      int64
	Drops       int64
	Transitions int64
	LastSample  time.Time
}

// Config tunes the pipeline loop.
type Config struct {
	// Ema smoothing factor applied to probabilities before
	// stabilization. 1.0 disables smoothing.
	Ema float64
}

// Pipeline pulls samples from a source, windows and normalizes them,
// runs inference and feeds the stabilized results to the sink. All
// stages run sequentially on one goroutine: ordering is guaranteed by
// construction.
type Pipeline struct {
	cfg        Config
	src        source.Source
	windower   *window.Windower
	normalizer *feature.Normalizer
	engine     *model.Engine
	stab       *stabilizer.Stabilizer
	sink       Sink

	ema map[string]float64

	mu      sync.Mutex
	status  Status
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

func New(cfg Config, src source.Source, windower *window.Windower,
	normalizer *feature.Normalizer, engine *model.Engine,
	stab *stabilizer.Stabilizer, sink Sink) *Pipeline {
	if cfg.Ema <= 0 || cfg.Ema > 1 {
		cfg.Ema = 1.0
	}
	return &Pipeline{
		cfg:        cfg,
		src:        src,
		windower:   windower,
		normalizer: normalizer,
		engine:     engine,
		stab:       stab,
		sink:       sink,
		ema:        map[string]float64{},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start spawns the run loop.
func (p *Pipeline) Start() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	go p.run()
}

// Run executes the loop on the calling goroutine until the source is
// exhausted or Stop is called.
func (p *Pipeline) Run() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	p.run()
}

// Stop shuts the pipeline down: the source is closed to unblock the
// loop, the in-flight sample finishes, and the final device states are
// flushed to the sink. Safe to call more than once, and before the
// pipeline ever started.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	started := p.started
	if p.stopped {
		p.mu.Unlock()
		if started {
			<-p.done
		}
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stop)
	if !started {
		return
	}
	p.src.Close()
	<-p.done
}

// States returns the current stabilized device states.
func (p *Pipeline) States() []stabilizer.State {
	return p.stab.States()
}

// Health returns the current counters.
func (p *Pipeline) Health() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := p.status
	if drops, ok := p.src.(interface{ Drops() int64 }); ok {
		status.Drops = drops.Drops()
	}
	status.Gaps = p.windower.Gaps()
	return status
}

func (p *Pipeline) run() {
	defer close(p.done)
	defer p.flush()

	var errs int
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		sample, err := p.src.Next()
		if err == io.EOF {
			log.Println("pipeline: source exhausted")
			return
		}
		if err != nil {
			// transient source failure: back off and retry
			errs++
			log.Printf("pipeline: source error (%d consecutive): %s", errs, err)
			if errs >= 10 {
				log.Println("pipeline: too many source errors, giving up")
				return
			}
			select {
			case <-p.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		errs = 0
		p.process(sample)
	}
}

func (p *Pipeline) process(sample *source.Sample) {
	if !sample.Stale {
		p.mu.Lock()
		p.status.Samples++
		p.status.LastSample = sample.Timestamp
		p.mu.Unlock()
		p.sink.Mains(sample.Timestamp, sample.Power)
	}

	win, gap := p.windower.Push(sample)
	if gap != nil {
		log.Printf("pipeline: %s in stream (last %s, delta %s), window buffer reset",
			gap.Reason, gap.Last.Format(time.RFC3339), gap.Delta)
		// smoothing state is no longer contiguous with the stream
		p.ema = map[string]float64{}
	}
	if win == nil {
		return
	}

	began := time.Now()
	features := p.normalizer.Transform(win)
	probs, err := p.engine.Infer(features)
	if err != nil {
		// inference fault: drop this window, the stream carries on
		p.mu.Lock()
		p.status.Faults++
		p.mu.Unlock()
		log.Printf("pipeline: inference fault, window %s..%s discarded: %s",
			win.Start.Format(time.RFC3339), win.End.Format(time.RFC3339), err)
		return
	}
	p.sink.Latency(time.Since(began))
	p.mu.Lock()
	p.status.Windows++
	p.mu.Unlock()

	if win.Truth != nil {
		p.sink.Truth(win.End, win.Truth)
	}
	p.stabilize(win, probs[len(probs)-1])
}

// stabilize feeds the newest per-device probabilities into the
// stabilizer and relays transitions and heartbeat refreshes.
func (p *Pipeline) stabilize(win *window.Window, probs []float64) {
	for i, id := range p.engine.Devices() {
		smoothed := p.smooth(id, probs[i])
		if transition := p.stab.Update(id, smoothed, win.End); transition != nil {
			p.mu.Lock()
			p.status.Transitions++
			p.mu.Unlock()
			p.sink.StateChanged(*transition)
		}
	}
	for _, state := range p.stab.Heartbeats(win.End) {
		p.sink.StateRefresh(state)
	}
}

// smooth applies exponential smoothing: s = a*p + (1-a)*s.
func (p *Pipeline) smooth(id string, prob float64) float64 {
	if p.cfg.Ema >= 1 {
		return prob
	}
	prev, ok := p.ema[id]
	if !ok {
		prev = prob
	}
	smoothed := p.cfg.Ema*prob + (1-p.cfg.Ema)*prev
	p.ema[id] = smoothed
	return smoothed
}

// flush hands the final device states to the sink on shutdown, so
// consumers see the last known state rather than silence.
func (p *Pipeline) flush() {
	for _, state := range p.stab.States() {
		p.sink.StateRefresh(state)
	}
}
