package exact

import (
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(m map[string]uint64) uint64 {
	var s uint64
	for _, v := range m {
		s += v
	}
	return s
}

func TestNewFallsBackToDefaultShards(t *testing.T) {
	assert.Len(t, New(0).shards, defaultShardCount)
	assert.Len(t, New(40000).shards, defaultShardCount)
	assert.Len(t, New(8).shards, 8)
}

func TestRecordAndCount(t *testing.T) {
	c := New(4)
	c.Record("a", 1)
	c.Record("a", 4)
	c.Record("b", 1)
	assert.Equal(t, uint64(5), c.Count("a"))
	assert.Equal(t, uint64(1), c.Count("b"))
	assert.Zero(t, c.Count("missing"))
	assert.Equal(t, 2, c.Distinct())
}

func TestWindowSnapshotDoesNotMutate(t *testing.T) {
	c := New(4)
	c.Record("a", 2)
	snap := c.WindowSnapshot()
	assert.Equal(t, map[string]uint64{"a": 2}, snap.Counts)
	assert.Equal(t, uint64(1), snap.Records)

	snap.Counts["a"] = 100
	c.Record("a", 1)
	assert.Equal(t, uint64(3), c.Count("a"))
	assert.Equal(t, uint64(3), c.WindowSnapshot().Counts["a"])
}

func TestRotateSumEqualsRecordsBetweenRotations(t *testing.T) {
	c := New(16)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	c.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }
	c.start = c.now()

	r := rand.New(rand.NewPCG(3, 4))
	for round := 0; round < 5; round++ {
		calls := r.IntN(500) + 1
		for i := 0; i < calls; i++ {
			c.Record("k"+strconv.Itoa(r.IntN(40)), 1)
		}
		w := c.RotateWindow()
		assert.Equal(t, uint64(calls), sum(w.Counts), "round %d", round)
		assert.Equal(t, uint64(calls), w.Records)
		assert.Equal(t, uint64(calls), w.Weight)
		assert.NotEmpty(t, w.ID)
		assert.True(t, w.End.After(w.Start))
		assert.Equal(t, w.End, c.WindowStart())
	}
	assert.Zero(t, c.Distinct())
}

func TestRotateUnderConcurrentRecordsLosesNothing(t *testing.T) {
	c := New(32)
	var recorded atomic.Uint64
	var stop atomic.Bool
	var wg sync.WaitGroup

	for w := 0; w < 6; w++ {
		wg.Go(func() {
			for i := 0; !stop.Load(); i++ {
				c.Record("item-"+strconv.Itoa(i%97), 2)
				recorded.Add(2)
			}
		})
	}

	var total uint64
	for i := 0; i < 50; i++ {
		total += c.RotateWindow().Weight
		time.Sleep(time.Millisecond)
	}
	stop.Store(true)
	wg.Wait()

	last := c.RotateWindow()
	total += last.Weight
	assert.Equal(t, recorded.Load(), total)
	assert.Equal(t, last.Weight, sum(last.Counts))
}

func TestMergeRestoresWindow(t *testing.T) {
	c := New(4)
	c.Record("a", 3)
	c.Record("b", 1)
	w := c.RotateWindow()
	c.Record("a", 1)

	c.Merge(w)
	got := c.WindowSnapshot()
	require.Equal(t, map[string]uint64{"a": 4, "b": 1}, got.Counts)
	assert.Equal(t, uint64(3), got.Records)
	assert.Equal(t, uint64(5), got.Weight)

	c.Merge(nil)
}
