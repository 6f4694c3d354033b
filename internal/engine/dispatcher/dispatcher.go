// Package dispatcher is the ingest fan-out: every event goes to the sketch,
// the exact counter and the approximate tracker.
package dispatcher

import (
	"HeavySpectra/internal/engine/exact"
	"HeavySpectra/internal/engine/sketch"
	"HeavySpectra/internal/engine/topk"
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/metrics"
	"HeavySpectra/internal/model"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Submit once the dispatcher is shutting down.
var ErrStopped = errors.New("dispatcher stopped")

type Options struct {
	NumWorkers int
	QueueSize  int
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Dispatcher owns a pool of workers draining a buffered event channel.
type Dispatcher struct {
	sketch  *sketch.CountMin
	tracker *topk.Tracker
	counter *exact.Counter

	input      chan model.Event
	numWorkers int
	workerWg   sync.WaitGroup

	stopMu  sync.RWMutex
	stopped bool

	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func New(s *sketch.CountMin, t *topk.Tracker, c *exact.Counter, opts Options) *Dispatcher {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.WithComponent("dispatcher")
	}
	return &Dispatcher{
		sketch:     s,
		tracker:    t,
		counter:    c,
		input:      make(chan model.Event, opts.QueueSize),
		numWorkers: opts.NumWorkers,
		metrics:    opts.Metrics,
		log:        log,
		now:        opts.Now,
	}
}

// Dispatch applies one event synchronously. The sketch is incremented first
// and its read-after-write estimate is what the tracker sees, so an item can
// never be tracked below its own contribution.
func (d *Dispatcher) Dispatch(ev model.Event) {
	if ev.Item == "" {
		d.metrics.Rejected("empty_item")
		return
	}
	ev.Normalize(d.now())

	est := d.sketch.IncrementAndEstimate(ev.Item, ev.Weight)
	d.counter.Record(ev.Item, ev.Weight)
	if evicted, ok := d.tracker.Observe(ev.Item, est); ok {
		d.metrics.Evicted()
		d.log.Debug("evicted from top-k", "item", evicted, "by", ev.Item, "estimate", est)
	}
	d.metrics.Ingested(ev.Weight)
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.workerWg.Add(d.numWorkers)
	for i := 0; i < d.numWorkers; i++ {
		go d.worker()
	}
	d.log.Info("dispatcher started", "workers", d.numWorkers, "queue", cap(d.input))
}

func (d *Dispatcher) worker() {
	defer d.workerWg.Done()
	for ev := range d.input {
		d.Dispatch(ev)
	}
}

// Input exposes the raw event channel for feeds that manage their own
// lifecycle. Senders must stop before Stop is called; Submit is the safe
// alternative.
func (d *Dispatcher) Input() chan<- model.Event {
	return d.input
}

// Submit enqueues ev, blocking while the queue is full until ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, ev model.Event) error {
	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.input <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the input and waits until every queued event is applied.
// Calling it more than once is harmless.
func (d *Dispatcher) Stop() {
	d.stopMu.Lock()
	if d.stopped {
		d.stopMu.Unlock()
		return
	}
	d.stopped = true
	close(d.input)
	d.stopMu.Unlock()

	d.workerWg.Wait()
	d.log.Info("dispatcher stopped")
}
