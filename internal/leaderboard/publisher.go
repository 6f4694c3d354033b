package leaderboard

import (
	"HeavySpectra/internal/model"
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

// ErrHeld is returned when an approximate publication is suppressed because
// an exact snapshot is still inside its hold period.
var ErrHeld = errors.New("approximate publication held behind exact snapshot")

// Publisher owns the current leaderboard snapshot. Readers load it with a
// single atomic pointer read and never block; writers are serialized.
type Publisher struct {
	k         int
	exactHold time.Duration

	mu      sync.Mutex // serializes writers
	current atomic.Pointer[model.Snapshot]
	changed atomic.Pointer[chan struct{}]
}

// New creates a publisher for leaderboards of at most k entries. It starts
// with an empty generation-0 snapshot, so Current never returns nil.
func New(k int, exactHold time.Duration) *Publisher {
	p := &Publisher{k: k, exactHold: exactHold}
	p.current.Store(&model.Snapshot{Source: model.SourceApproximate, K: k, Entries: []model.Entry{}})
	ch := make(chan struct{})
	p.changed.Store(&ch)
	return p
}

func (p *Publisher) K() int { return p.k }

// Current returns the latest published snapshot.
func (p *Publisher) Current() *model.Snapshot {
	return p.current.Load()
}

// Publish builds the next generation from entries and swaps it in. A snapshot
// that fails validation is discarded with ErrCorruptSnapshot and the prior
// snapshot stays current. The entries slice is copied.
func (p *Publisher) Publish(source model.Source, entries []model.Entry, ts time.Time) (*model.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.current.Load()
	if source == model.SourceApproximate && prev.Source == model.SourceExact &&
		p.exactHold > 0 && ts.Sub(prev.Timestamp) < p.exactHold {
		return prev, ErrHeld
	}

	rows := make([]model.Entry, len(entries))
	for i, e := range entries {
		e.Source = source
		rows[i] = e
	}
	next := &model.Snapshot{
		Generation: prev.Generation + 1,
		Timestamp:  ts,
		Source:     source,
		K:          p.k,
		Entries:    rows,
	}
	if err := next.Validate(p.k); err != nil {
		return prev, fmt.Errorf("discarding generation %d: %w", next.Generation, err)
	}
	p.swap(next)
	return next, nil
}

// Restore installs a previously persisted snapshot, typically at startup.
// It only applies if it is newer than what is current.
func (p *Publisher) Restore(s *model.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := s.Validate(p.k); err != nil {
		return err
	}
	if s.Generation <= p.current.Load().Generation {
		return fmt.Errorf("%w: restore generation %d is not newer than %d",
			model.ErrCorruptSnapshot, s.Generation, p.current.Load().Generation)
	}
	cp := *s
	cp.Entries = append([]model.Entry(nil), s.Entries...)
	cp.K = p.k
	p.swap(&cp)
	return nil
}

func (p *Publisher) swap(next *model.Snapshot) {
	p.current.Store(next)
	ch := make(chan struct{})
	old := p.changed.Swap(&ch)
	close(*old)
}

// Subscribe returns an infinite sequence of snapshots that ends when ctx is
// done or the consumer stops ranging. It yields the current snapshot first
// and then every later generation it gets to see; a slow consumer may skip
// generations but never sees one out of order. Each call starts afresh.
func (p *Publisher) Subscribe(ctx context.Context) iter.Seq[*model.Snapshot] {
	return func(yield func(*model.Snapshot) bool) {
		var last uint64
		first := true
		for {
			wait := *p.changed.Load()
			cur := p.current.Load()
			if first || cur.Generation > last {
				first = false
				last = cur.Generation
				if !yield(cur) {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
		}
	}
}
