// Package reconciler is the slow path: it periodically turns the exact
// counts of a window into an authoritative leaderboard, replacing the
// approximate one.
package reconciler

import (
	"HeavySpectra/internal/engine/exact"
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/metrics"
	"HeavySpectra/internal/model"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the reconciliation cycle position.
type State int32

const (
	Idle State = iota
	Collecting
	Computing
	Published
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Computing:
		return "computing"
	case Published:
		return "published"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome describes what a single Reconcile call did.
type Outcome int

const (
	// OutcomeSkipped means nothing happened: another run was in flight or
	// the context was already done.
	OutcomeSkipped Outcome = iota
	// OutcomeProvisional means the open window was peeked and published
	// without closing it.
	OutcomeProvisional
	// OutcomeClosed means a window was rotated out, published and persisted.
	OutcomeClosed
	// OutcomeFailed means extraction or publication failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeProvisional:
		return "provisional"
	case OutcomeClosed:
		return "closed"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// WindowSource hands out exact windows.
type WindowSource interface {
	WindowStart() time.Time
	WindowSnapshot(ctx context.Context) (*model.Window, error)
	RotateWindow(ctx context.Context) (*model.Window, error)
	Merge(w *model.Window)
}

// Publisher installs a new leaderboard generation.
type Publisher interface {
	Publish(source model.Source, entries []model.Entry, ts time.Time) (*model.Snapshot, error)
}

// Seeder receives the reconciled entries so the fast path continues from
// exact counts.
type Seeder interface {
	Seed(entries []model.Entry)
}

// counterSource exposes an in-process exact counter as a WindowSource. The
// counter cannot fail, so errors only come from a done context.
type counterSource struct {
	c *exact.Counter
}

// FromCounter adapts c to WindowSource.
func FromCounter(c *exact.Counter) WindowSource {
	return counterSource{c: c}
}

func (s counterSource) WindowStart() time.Time { return s.c.WindowStart() }

func (s counterSource) WindowSnapshot(ctx context.Context) (*model.Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.c.WindowSnapshot(), nil
}

func (s counterSource) RotateWindow(ctx context.Context) (*model.Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.c.RotateWindow(), nil
}

func (s counterSource) Merge(w *model.Window) { s.c.Merge(w) }

// Options configures a Reconciler. Source, Publisher and K are required.
type Options struct {
	K              int
	WindowDuration time.Duration // 0 closes the window on every run
	Source         WindowSource
	Publisher      Publisher
	Seeder         Seeder      // optional
	Store          model.Store // optional
	RetryQueue     int         // closed windows kept for a later store retry
	StoreTimeout   time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	Now            func() time.Time
}

const (
	defaultRetryQueue   = 16
	defaultStoreTimeout = 5 * time.Second
)

// Reconciler runs the Idle -> Collecting -> Computing -> Published cycle.
type Reconciler struct {
	opts  Options
	log   *slog.Logger
	state atomic.Int32

	running sync.Mutex // held from Collecting through Published

	mu      sync.Mutex
	pending []*model.WindowResult
	lastErr error
}

// New validates opts and returns an idle reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.K <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", model.ErrInvalidParameters, opts.K)
	}
	if opts.Source == nil || opts.Publisher == nil {
		return nil, fmt.Errorf("%w: reconciler needs a window source and a publisher", model.ErrInvalidParameters)
	}
	if opts.WindowDuration < 0 {
		return nil, fmt.Errorf("%w: negative window duration %s", model.ErrInvalidParameters, opts.WindowDuration)
	}
	if opts.RetryQueue <= 0 {
		opts.RetryQueue = defaultRetryQueue
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.WithComponent("reconciler")
	}
	return &Reconciler{opts: opts, log: log}, nil
}

func (r *Reconciler) State() State { return State(r.state.Load()) }

func (r *Reconciler) setState(s State) { r.state.Store(int32(s)) }

// LastError returns the error of the most recent failed run, or nil once a
// run succeeds.
func (r *Reconciler) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Pending reports how many closed windows are waiting for the store.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Reconcile runs one cycle, closing the live window only if it has reached
// the configured window duration.
func (r *Reconciler) Reconcile(ctx context.Context) (Outcome, error) {
	return r.run(ctx, false)
}

// CloseWindow runs one cycle that always rotates the live window.
func (r *Reconciler) CloseWindow(ctx context.Context) (Outcome, error) {
	return r.run(ctx, true)
}

func (r *Reconciler) run(ctx context.Context, force bool) (Outcome, error) {
	if !r.running.TryLock() {
		r.opts.Metrics.Reconciled(OutcomeSkipped.String(), 0)
		return OutcomeSkipped, nil
	}
	defer r.running.Unlock()

	if err := ctx.Err(); err != nil {
		return OutcomeSkipped, err
	}
	r.flushPending(ctx)

	begin := r.opts.Now()
	r.setState(Collecting)
	closing := force || r.opts.WindowDuration == 0 ||
		begin.Sub(r.opts.Source.WindowStart()) >= r.opts.WindowDuration

	var (
		w   *model.Window
		err error
	)
	if closing {
		w, err = r.opts.Source.RotateWindow(ctx)
	} else {
		w, err = r.opts.Source.WindowSnapshot(ctx)
	}
	if err != nil {
		// Stay in Collecting; the next tick retries.
		err = fmt.Errorf("%w: extracting exact window: %w", model.ErrTransientUnavailable, err)
		r.fail(err)
		return OutcomeFailed, err
	}

	// Past this point a closed window exists only here, so the rest of the
	// run ignores cancellation.
	r.setState(Computing)
	top := ExactTopK(w.Counts, r.opts.K)
	r.opts.Metrics.WindowSize(len(w.Counts))

	snap, err := r.opts.Publisher.Publish(model.SourceExact, top, r.opts.Now())
	if err != nil {
		if closing {
			r.opts.Source.Merge(w)
		}
		r.setState(Idle)
		if errors.Is(err, model.ErrCorruptSnapshot) {
			r.opts.Metrics.PublishFailed("corrupt")
		}
		r.fail(err)
		return OutcomeFailed, err
	}
	if r.opts.Seeder != nil {
		r.opts.Seeder.Seed(top)
	}
	r.setState(Published)
	r.opts.Metrics.Published(snap.Source.String(), snap.Generation)

	outcome := OutcomeProvisional
	if closing {
		outcome = OutcomeClosed
		r.persist(ctx, &model.WindowResult{
			WindowID:   w.ID,
			Start:      w.Start,
			End:        w.End,
			Generation: snap.Generation,
			Records:    w.Records,
			Weight:     w.Weight,
			TopK:       snap.Entries,
			Counts:     w.Counts,
		})
	}

	r.mu.Lock()
	r.lastErr = nil
	r.mu.Unlock()
	r.opts.Metrics.Reconciled(outcome.String(), r.opts.Now().Sub(begin).Seconds())
	r.log.Debug("reconciled", "outcome", outcome, "generation", snap.Generation,
		"distinct", len(w.Counts), "weight", w.Weight)
	r.setState(Idle)
	return outcome, nil
}

func (r *Reconciler) fail(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	r.opts.Metrics.Reconciled(OutcomeFailed.String(), 0)
	r.log.Warn("reconciliation failed", "state", r.State(), "error", err)
}

// persist appends a closed window to the store. A failed append is queued
// and retried at the start of the next run; it never holds back publication.
func (r *Reconciler) persist(ctx context.Context, res *model.WindowResult) {
	if r.opts.Store == nil {
		return
	}
	if err := r.append(ctx, res); err != nil {
		r.mu.Lock()
		if len(r.pending) >= r.opts.RetryQueue {
			dropped := r.pending[0]
			r.pending = r.pending[1:]
			r.log.Warn("store retry queue full, dropping window", "window_id", dropped.WindowID)
		}
		r.pending = append(r.pending, res)
		n := len(r.pending)
		r.mu.Unlock()
		r.opts.Metrics.StoreFailed(n)
		r.log.Warn("persisting window failed, queued for retry", "window_id", res.WindowID, "pending", n, "error", err)
	}
}

func (r *Reconciler) flushPending(ctx context.Context) {
	if r.opts.Store == nil {
		return
	}
	r.mu.Lock()
	queued := r.pending
	r.pending = nil
	r.mu.Unlock()

	var failed []*model.WindowResult
	for i, res := range queued {
		if err := r.append(ctx, res); err != nil {
			failed = append(failed, queued[i:]...)
			r.log.Warn("store retry failed", "window_id", res.WindowID, "error", err)
			break
		}
	}

	r.mu.Lock()
	r.pending = append(failed, r.pending...)
	n := len(r.pending)
	r.mu.Unlock()
	r.opts.Metrics.StoreQueue(n)
}

func (r *Reconciler) append(ctx context.Context, res *model.WindowResult) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StoreTimeout)
	defer cancel()
	return r.opts.Store.AppendWindow(ctx, res)
}

// Run reconciles on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.log.Warn("invalid reconcile interval, reconciler will not run", "interval", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Failures are recorded and logged inside run.
			_, _ = r.Reconcile(ctx)
		case <-ctx.Done():
			return
		}
	}
}
