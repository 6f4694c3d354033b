package manager

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/engine/dispatcher"
	"HeavySpectra/internal/engine/exact"
	"HeavySpectra/internal/engine/reconciler"
	"HeavySpectra/internal/engine/sketch"
	"HeavySpectra/internal/engine/topk"
	"HeavySpectra/internal/feed"
	"HeavySpectra/internal/leaderboard"
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/metrics"
	"HeavySpectra/internal/model"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"
)

const sinkTimeout = 5 * time.Second

// Deps are the external collaborators of a Manager. All of them are optional.
type Deps struct {
	Store   model.Store
	Sinks   []model.Sink
	Source  feed.Source
	Metrics *metrics.Metrics
	// Logger is the base logger; each component gets its own tag on it.
	Logger  *slog.Logger
}

// Manager wires the fast path (sketch and tracker) and the slow path (exact
// counter and reconciler) around one leaderboard, and runs their timers.
type Manager struct {
	sketch     *sketch.CountMin
	tracker    *topk.Tracker
	counter    *exact.Counter
	publisher  *leaderboard.Publisher
	dispatcher *dispatcher.Dispatcher
	reconciler *reconciler.Reconciler

	store   model.Store
	sinks   []model.Sink
	source  feed.Source
	metrics *metrics.Metrics
	log     *slog.Logger

	policy            sketch.DecayPolicy
	decayInterval     time.Duration
	refreshInterval   time.Duration
	reconcileInterval time.Duration

	// Loop lifecycle
	cancelLoops context.CancelFunc
	loopWg      sync.WaitGroup
	cancelFeed  context.CancelFunc
	feedWg      sync.WaitGroup
	sinkCancel  context.CancelFunc
	sinkWg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager builds every engine component from cfg.
func NewManager(cfg *config.Config, deps Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	policy, err := sketch.ParseDecayPolicy(cfg.Sketch.DecayPolicy)
	if err != nil {
		return nil, err
	}

	var seeds []uint32
	if len(cfg.Sketch.Seeds) > 0 {
		seeds = cfg.Sketch.Seeds
	}
	var sk *sketch.CountMin
	if cfg.Sketch.Width > 0 {
		sk, err = sketch.New(cfg.Sketch.Width, cfg.Sketch.Depth, seeds)
	} else {
		sk, err = sketch.NewWithError(cfg.Sketch.Epsilon, cfg.Sketch.Delta, seeds)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create sketch: %w", err)
	}

	tracker, err := topk.New(cfg.Engine.K)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker: %w", err)
	}
	counter := exact.New(cfg.Exact.NumShards)
	publisher := leaderboard.New(cfg.Engine.K, d.ExactHold)

	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	log := logger.Component(base, "manager")

	rec, err := reconciler.New(reconciler.Options{
		K:              cfg.Engine.K,
		WindowDuration: d.WindowDuration,
		Source:         reconciler.FromCounter(counter),
		Publisher:      publisher,
		Seeder:         tracker,
		Store:          deps.Store,
		RetryQueue:     cfg.Reconciler.RetryQueue,
		StoreTimeout:   d.StoreTimeout,
		Metrics:        deps.Metrics,
		Logger:         logger.Component(base, "reconciler"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	disp := dispatcher.New(sk, tracker, counter, dispatcher.Options{
		NumWorkers: cfg.Engine.NumWorkers,
		QueueSize:  cfg.Engine.SizeOfEventChannel,
		Metrics:    deps.Metrics,
		Logger:     logger.Component(base, "dispatcher"),
	})

	log.Info("engine configured",
		"k", cfg.Engine.K,
		"sketch_width", sk.Width(),
		"sketch_depth", sk.Depth(),
		"epsilon", sk.Epsilon(),
		"decay_policy", policy,
		"window", d.WindowDuration,
		"reconcile_interval", d.ReconcileInterval,
	)

	return &Manager{
		sketch:            sk,
		tracker:           tracker,
		counter:           counter,
		publisher:         publisher,
		dispatcher:        disp,
		reconciler:        rec,
		store:             deps.Store,
		sinks:             deps.Sinks,
		source:            deps.Source,
		metrics:           deps.Metrics,
		log:               log,
		policy:            policy,
		decayInterval:     d.DecayInterval,
		refreshInterval:   d.RefreshInterval,
		reconcileInterval: d.ReconcileInterval,
	}, nil
}

// Start restores the last persisted window, then starts the workers, the
// timer loops, the sink mirrors and the feed.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() { m.start(ctx) })
}

func (m *Manager) start(ctx context.Context) {
	m.restore(ctx)
	m.dispatcher.Start()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancelLoops = cancel

	if m.policy != sketch.PolicyNone && m.decayInterval > 0 {
		m.loopWg.Go(func() { m.runDecay(loopCtx) })
		m.log.Info("started decay loop", "policy", m.policy, "interval", m.decayInterval)
	}
	if m.refreshInterval > 0 {
		m.loopWg.Go(func() { m.runRefresh(loopCtx) })
		m.log.Info("started approximate refresh loop", "interval", m.refreshInterval)
	}
	m.loopWg.Go(func() { m.reconciler.Run(loopCtx, m.reconcileInterval) })
	m.log.Info("started reconciler", "interval", m.reconcileInterval)

	sinkCtx, sinkCancel := context.WithCancel(context.WithoutCancel(ctx))
	m.sinkCancel = sinkCancel
	for _, s := range m.sinks {
		m.sinkWg.Go(func() { m.runSink(sinkCtx, s) })
		m.log.Info("started sink mirror", "sink", s.Name())
	}

	if m.source != nil {
		feedCtx, feedCancel := context.WithCancel(context.WithoutCancel(ctx))
		m.cancelFeed = feedCancel
		m.feedWg.Go(func() {
			if err := m.source.Start(feedCtx, m.dispatcher.Submit); err != nil {
				m.log.Error("feed stopped", "error", err)
			}
		})
	}
	m.log.Info("manager started")
}

// restore installs the top-k of the last persisted window as the current
// exact snapshot, so a restart does not begin from an empty leaderboard.
func (m *Manager) restore(ctx context.Context) {
	if m.store == nil {
		return
	}
	res, err := m.store.ReadCurrentWindow(ctx)
	if errors.Is(err, model.ErrNotFound) {
		m.log.Info("no persisted window to restore")
		return
	}
	if err != nil {
		m.log.Warn("reading persisted window failed, starting empty", "error", err)
		return
	}

	entries := res.TopK
	if k := m.publisher.K(); len(entries) > k {
		entries = entries[:k]
	}
	snap := &model.Snapshot{
		Generation: max(res.Generation, 1),
		Timestamp:  res.End,
		Source:     model.SourceExact,
		K:          m.publisher.K(),
		Entries:    entries,
	}
	if err := m.publisher.Restore(snap); err != nil {
		m.log.Warn("persisted window rejected", "window_id", res.WindowID, "error", err)
		return
	}
	m.tracker.Seed(entries)
	m.log.Info("restored leaderboard", "window_id", res.WindowID, "generation", snap.Generation, "entries", len(entries))
}

// runDecay attenuates the sketch on every tick and mirrors the change onto
// the tracked estimates.
func (m *Manager) runDecay(ctx context.Context) {
	ticker := time.NewTicker(m.decayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Attenuate()
		case <-ctx.Done():
			return
		}
	}
}

// Attenuate applies the configured decay policy once.
func (m *Manager) Attenuate() {
	m.tracker.AdjustWith(func() { m.sketch.Attenuate(m.policy) }, m.policy.Apply)
	m.metrics.Attenuated(m.policy.String())
	m.log.Debug("sketch attenuated", "policy", m.policy, "total", m.sketch.Total())
}

func (m *Manager) runRefresh(ctx context.Context) {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.PublishApproximate()
		case <-ctx.Done():
			return
		}
	}
}

// PublishApproximate publishes the tracker's current view.
func (m *Manager) PublishApproximate() (*model.Snapshot, error) {
	s, err := m.publisher.Publish(model.SourceApproximate, m.tracker.TopK(), time.Now())
	switch {
	case errors.Is(err, leaderboard.ErrHeld):
		return s, err
	case err != nil:
		m.metrics.PublishFailed("approximate")
		m.log.Warn("approximate publication discarded", "error", err)
		return s, err
	}
	m.metrics.Published(s.Source.String(), s.Generation)
	return s, nil
}

// runSink mirrors every generation it sees to one sink.
func (m *Manager) runSink(ctx context.Context, s model.Sink) {
	for snap := range m.publisher.Subscribe(ctx) {
		if snap.Generation == 0 {
			continue
		}
		m.pushToSink(ctx, s, snap)
	}
}

func (m *Manager) pushToSink(ctx context.Context, s model.Sink, snap *model.Snapshot) {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()
	if err := s.Publish(ctx, snap); err != nil {
		m.metrics.SinkFailed(s.Name())
		m.log.Warn("sink publish failed", "sink", s.Name(), "generation", snap.Generation, "error", err)
	}
}

// Stop gracefully shuts down the manager.
func (m *Manager) Stop() {
	m.stopOnce.Do(m.stop)
}

func (m *Manager) stop() {
	m.log.Info("manager stopping")
	// 1. Stop accepting new events.
	if m.cancelFeed != nil {
		m.cancelFeed()
		m.feedWg.Wait()
	}

	// 2. Wait for workers to apply everything already queued.
	m.dispatcher.Stop()

	// 3. Stop the timers.
	if m.cancelLoops != nil {
		m.cancelLoops()
		m.loopWg.Wait()
	}

	// 4. Close the last window so its counts are published and persisted.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if outcome, err := m.reconciler.CloseWindow(ctx); err != nil {
		m.log.Warn("final reconciliation failed", "error", err)
	} else {
		m.log.Info("final reconciliation", "outcome", outcome, "generation", m.publisher.Current().Generation)
	}

	// 5. Mirror the final snapshot, then stop the sinks.
	if m.sinkCancel != nil {
		m.sinkCancel()
		m.sinkWg.Wait()
	}
	final := m.publisher.Current()
	var errs []error
	for _, s := range m.sinks {
		if final.Generation > 0 {
			m.pushToSink(ctx, s, final)
		}
		errs = append(errs, s.Close())
	}
	if m.source != nil {
		errs = append(errs, m.source.Close())
	}
	if m.store != nil {
		errs = append(errs, m.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		m.log.Warn("closing collaborators", "error", err)
	}
	m.log.Info("manager stopped")
}

// Current returns the latest leaderboard snapshot.
func (m *Manager) Current() *model.Snapshot {
	return m.publisher.Current()
}

// Subscribe streams leaderboard generations until ctx is done.
func (m *Manager) Subscribe(ctx context.Context) iter.Seq[*model.Snapshot] {
	return m.publisher.Subscribe(ctx)
}

// Reconcile triggers a reconciliation now.
func (m *Manager) Reconcile(ctx context.Context) (reconciler.Outcome, error) {
	return m.reconciler.Reconcile(ctx)
}

// ReconcilerState reports where the reconciliation cycle is.
func (m *Manager) ReconcilerState() reconciler.State {
	return m.reconciler.State()
}

// Ingest queues events for the workers.
func (m *Manager) Ingest(ctx context.Context, events []model.Event) error {
	for _, ev := range events {
		if err := m.dispatcher.Submit(ctx, ev); err != nil {
			if errors.Is(err, dispatcher.ErrStopped) {
				return fmt.Errorf("%w: %w", model.ErrTransientUnavailable, err)
			}
			return err
		}
	}
	return nil
}

// Item reports what both paths currently know about item.
func (m *Manager) Item(item string) model.ItemStats {
	st := model.ItemStats{
		Item:        item,
		Estimate:    m.sketch.Estimate(item),
		ErrorBound:  m.sketch.ErrorBound(),
		WindowCount: m.counter.Count(item),
	}
	for i, e := range m.publisher.Current().Entries {
		if e.Item == item {
			st.Rank = i + 1
			break
		}
	}
	return st
}
