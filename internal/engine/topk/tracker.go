package topk

import (
	"HeavySpectra/internal/model"
	"cmp"
	"fmt"
	"iter"
	"slices"
	"sync"
)

// Tracker keeps the K items with the highest sketch estimates seen so far.
//
// Estimates only ever overestimate, so an item evicted early can stay out of
// the set even after its true frequency grows, until it is observed again.
// Reconciliation corrects this by reseeding the set from exact counts.
type Tracker struct {
	k int

	mu      sync.Mutex
	entries map[string]*tracked
	clock   uint64 // logical time of the last update
	seq     uint64 // first-seen order
}

type tracked struct {
	item      string
	estimate  uint64
	firstSeen uint64
	updated   uint64
}

// New creates a tracker for at most k items.
func New(k int) (*Tracker, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k=%d", model.ErrInvalidParameters, k)
	}
	return &Tracker{k: k, entries: make(map[string]*tracked, k)}, nil
}

func (t *Tracker) K() int { return t.k }

// Len returns the number of tracked items.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Observe records the latest estimate for item. When the set is full and the
// estimate beats the current minimum, the minimum is evicted; among equal
// minimums the least recently updated one goes. The evicted item is returned.
func (t *Tracker) Observe(item string, estimate uint64) (evicted string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clock++
	if e, found := t.entries[item]; found {
		e.estimate = estimate
		e.updated = t.clock
		return "", false
	}
	if len(t.entries) < t.k {
		t.insert(item, estimate)
		return "", false
	}

	victim := t.minimum()
	if estimate <= victim.estimate {
		return "", false
	}
	delete(t.entries, victim.item)
	t.insert(item, estimate)
	return victim.item, true
}

func (t *Tracker) insert(item string, estimate uint64) {
	t.seq++
	t.entries[item] = &tracked{item: item, estimate: estimate, firstSeen: t.seq, updated: t.clock}
}

// minimum returns the eviction candidate. K is small, so a scan is fine.
func (t *Tracker) minimum() *tracked {
	var victim *tracked
	for _, e := range t.entries {
		if victim == nil ||
			e.estimate < victim.estimate ||
			(e.estimate == victim.estimate && e.updated < victim.updated) {
			victim = e
		}
	}
	return victim
}

// Seed replaces the tracked set with the given entries, in order, at the
// counts they carry. Entries beyond K are ignored.
func (t *Tracker) Seed(entries []model.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.entries)
	for _, e := range entries {
		if len(t.entries) == t.k {
			break
		}
		if _, dup := t.entries[e.Item]; dup {
			continue
		}
		t.clock++
		t.insert(e.Item, e.Count)
	}
}

// Adjust rewrites every tracked estimate with fn.
func (t *Tracker) Adjust(fn func(uint64) uint64) {
	t.AdjustWith(nil, fn)
}

// AdjustWith runs step and then rewrites every tracked estimate with fn,
// holding the tracker lock across both. Mirroring a sketch decay this way
// keeps any Observe from landing between the decay and the rewrite.
func (t *Tracker) AdjustWith(step func(), fn func(uint64) uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if step != nil {
		step()
	}
	for _, e := range t.entries {
		e.estimate = fn(e.estimate)
	}
}

// Snapshot returns the tracked set ordered by estimate descending, ties by
// first-seen order. The set is copied when Snapshot is called; ranging over
// the result any number of times replays that copy.
func (t *Tracker) Snapshot() iter.Seq[model.Entry] {
	t.mu.Lock()
	rows := make([]tracked, 0, len(t.entries))
	for _, e := range t.entries {
		rows = append(rows, *e)
	}
	t.mu.Unlock()

	slices.SortFunc(rows, func(a, b tracked) int {
		if c := cmp.Compare(b.estimate, a.estimate); c != 0 {
			return c
		}
		return cmp.Compare(a.firstSeen, b.firstSeen)
	})

	return func(yield func(model.Entry) bool) {
		for _, r := range rows {
			if !yield(model.Entry{Item: r.item, Count: r.estimate, Source: model.SourceApproximate}) {
				return
			}
		}
	}
}

// TopK collects Snapshot into a slice.
func (t *Tracker) TopK() []model.Entry {
	return slices.Collect(t.Snapshot())
}
