package exact

import (
	"HeavySpectra/internal/model"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultShardCount = 256

// shard is one lock-protected slice of the live window.
type shard struct {
	mu     sync.Mutex
	counts map[string]uint64
}

// Counter keeps exact per-item counts for the current window in a sharded
// map. Memory grows with the number of distinct items in the window.
type Counter struct {
	shards     []*shard
	shardCount uint32

	// rotation is held shared by Record and exclusively by RotateWindow, so
	// each record lands entirely in one window.
	rotation sync.RWMutex
	records  atomic.Uint64
	weight   atomic.Uint64
	start    time.Time

	now func() time.Time
}

// New creates a counter with numShards shards. Out-of-range values fall back
// to 256.
func New(numShards uint32) *Counter {
	if numShards == 0 || numShards >= 32768 {
		numShards = defaultShardCount
	}
	c := &Counter{
		shards:     make([]*shard, numShards),
		shardCount: numShards,
		now:        time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{counts: make(map[string]uint64)}
	}
	c.start = c.now()
	return c
}

func (c *Counter) getShard(item string) *shard {
	h := fnv.New32a()
	h.Write([]byte(item))
	return c.shards[h.Sum32()%c.shardCount]
}

// Record adds weight to item in the current window.
func (c *Counter) Record(item string, weight uint64) {
	s := c.getShard(item)
	c.rotation.RLock()
	s.mu.Lock()
	s.counts[item] += weight
	s.mu.Unlock()
	c.records.Add(1)
	c.weight.Add(weight)
	c.rotation.RUnlock()
}

// Count returns the live-window count of item.
func (c *Counter) Count(item string) uint64 {
	s := c.getShard(item)
	c.rotation.RLock()
	defer c.rotation.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[item]
}

// WindowStart is when the live window opened.
func (c *Counter) WindowStart() time.Time {
	c.rotation.RLock()
	defer c.rotation.RUnlock()
	return c.start
}

// Distinct returns the number of distinct items in the live window.
func (c *Counter) Distinct() int {
	c.rotation.RLock()
	defer c.rotation.RUnlock()
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.counts)
		s.mu.Unlock()
	}
	return n
}

// WindowSnapshot deep-copies the live window without changing it. Shards are
// copied one at a time, so concurrent records may show up in some shards and
// not others; Records and Weight are read after the copy.
func (c *Counter) WindowSnapshot() *model.Window {
	c.rotation.RLock()
	defer c.rotation.RUnlock()

	counts := make(map[string]uint64)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, v := range s.counts {
			counts[k] = v
		}
		s.mu.Unlock()
	}
	return &model.Window{
		Start:   c.start,
		End:     c.now(),
		Counts:  counts,
		Records: c.records.Load(),
		Weight:  c.weight.Load(),
	}
}

// RotateWindow swaps in empty shard maps and returns the window just closed.
// It holds the rotation lock only while swapping map headers, so its cost
// depends on the shard count, not on the number of distinct items.
func (c *Counter) RotateWindow() *model.Window {
	fresh := make([]map[string]uint64, len(c.shards))
	for i := range fresh {
		fresh[i] = make(map[string]uint64)
	}

	c.rotation.Lock()
	closed := make([]map[string]uint64, len(c.shards))
	for i, s := range c.shards {
		closed[i], s.counts = s.counts, fresh[i]
	}
	end := c.now()
	w := &model.Window{
		ID:      uuid.NewString(),
		Start:   c.start,
		End:     end,
		Records: c.records.Swap(0),
		Weight:  c.weight.Swap(0),
	}
	c.start = end
	c.rotation.Unlock()

	// Flatten outside the lock; nobody else holds the closed maps.
	size := 0
	for _, m := range closed {
		size += len(m)
	}
	w.Counts = make(map[string]uint64, size)
	for _, m := range closed {
		for k, v := range m {
			w.Counts[k] = v
		}
	}
	return w
}

// Merge adds a previously extracted window back into the live window. It is
// the rollback path when a closed window cannot be published.
func (c *Counter) Merge(w *model.Window) {
	if w == nil {
		return
	}
	c.rotation.RLock()
	defer c.rotation.RUnlock()
	for item, n := range w.Counts {
		s := c.getShard(item)
		s.mu.Lock()
		s.counts[item] += n
		s.mu.Unlock()
	}
	c.records.Add(w.Records)
	c.weight.Add(w.Weight)
}
