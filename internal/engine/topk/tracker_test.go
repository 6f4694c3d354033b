package topk

import (
	"HeavySpectra/internal/engine/sketch"
	"HeavySpectra/internal/model"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func items(entries []model.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Item
	}
	return out
}

func TestNewRejectsNonPositiveK(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
}

func TestObserveFillsThenEvictsMinimum(t *testing.T) {
	tr, err := New(2)
	require.NoError(t, err)

	tr.Observe("a", 5)
	tr.Observe("b", 3)
	_, evicted := tr.Observe("c", 3) // does not beat the minimum
	assert.False(t, evicted)
	assert.Equal(t, []string{"a", "b"}, items(tr.TopK()))

	victim, evicted := tr.Observe("c", 4)
	assert.True(t, evicted)
	assert.Equal(t, "b", victim)
	assert.Equal(t, []string{"a", "c"}, items(tr.TopK()))
}

func TestObserveUpdatesTrackedItem(t *testing.T) {
	tr, err := New(2)
	require.NoError(t, err)
	tr.Observe("a", 1)
	tr.Observe("b", 2)
	tr.Observe("a", 9)
	assert.Equal(t, []model.Entry{
		{Item: "a", Count: 9, Source: model.SourceApproximate},
		{Item: "b", Count: 2, Source: model.SourceApproximate},
	}, tr.TopK())
}

func TestEvictionTieGoesToLeastRecentlyUpdated(t *testing.T) {
	tr, err := New(3)
	require.NoError(t, err)
	tr.Observe("x", 2)
	tr.Observe("y", 2)
	tr.Observe("z", 7)
	tr.Observe("x", 2) // x refreshed, y is now the stalest minimum

	victim, evicted := tr.Observe("w", 3)
	require.True(t, evicted)
	assert.Equal(t, "y", victim)
}

func TestSnapshotTiesByFirstSeen(t *testing.T) {
	tr, err := New(4)
	require.NoError(t, err)
	tr.Observe("late", 1)
	tr.Observe("b", 4)
	tr.Observe("a", 4)
	tr.Observe("late", 4)
	assert.Equal(t, []string{"late", "b", "a"}, items(tr.TopK()))
}

func TestSnapshotIsRestartable(t *testing.T) {
	tr, err := New(3)
	require.NoError(t, err)
	tr.Observe("a", 3)
	tr.Observe("b", 2)

	seq := tr.Snapshot()
	tr.Observe("c", 10) // after the copy; must not show up

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"a", "b"}, items(first))

	// Early stop is honoured.
	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestSeedReplacesSet(t *testing.T) {
	tr, err := New(2)
	require.NoError(t, err)
	tr.Observe("old", 100)

	tr.Seed([]model.Entry{{Item: "a", Count: 5}, {Item: "b", Count: 3}, {Item: "c", Count: 1}})
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, []model.Entry{
		{Item: "a", Count: 5, Source: model.SourceApproximate},
		{Item: "b", Count: 3, Source: model.SourceApproximate},
	}, tr.TopK())

	tr.Observe("b", 6)
	assert.Equal(t, []string{"b", "a"}, items(tr.TopK()))
}

func TestAdjust(t *testing.T) {
	tr, err := New(2)
	require.NoError(t, err)
	tr.Observe("a", 11)
	tr.Adjust(sketch.PolicyHalve.Apply)
	assert.Equal(t, uint64(5), tr.TopK()[0].Count)
}

func TestAdjustWithBlocksObserveUntilRewritten(t *testing.T) {
	tr, err := New(2)
	require.NoError(t, err)
	tr.Observe("a", 10)

	entered := make(chan struct{})
	release := make(chan struct{})
	observed := make(chan struct{})
	go func() {
		<-entered
		// Reported at the already decayed estimate.
		tr.Observe("a", 6)
		close(observed)
	}()
	go func() {
		tr.AdjustWith(func() {
			close(entered)
			<-release
		}, sketch.PolicyHalve.Apply)
	}()

	<-entered
	select {
	case <-time.After(20 * time.Millisecond):
	case <-observed:
		t.Fatal("observe ran between the decay step and the rewrite")
	}
	close(release)
	<-observed
	assert.Equal(t, uint64(6), tr.TopK()[0].Count, "post-decay observation is not halved again")
}

func TestConcurrentObserveStaysBounded(t *testing.T) {
	tr, err := New(5)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Go(func() {
			r := rand.New(rand.NewPCG(uint64(w), 1))
			for i := 0; i < 2000; i++ {
				tr.Observe(strconv.Itoa(r.IntN(50)), uint64(r.IntN(100)))
			}
		})
	}
	wg.Wait()
	got := tr.TopK()
	assert.Len(t, got, 5)
	snap := model.Snapshot{Entries: got}
	assert.NoError(t, snap.Validate(5))
}

func TestFindsHeavyHittersWithSketch(t *testing.T) {
	cm, err := sketch.New(2048, 4, []uint32{1, 2, 3, 4})
	require.NoError(t, err)
	tr, err := New(3)
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(9, 9))
	stream := make([]string, 0, 6000)
	for i := 0; i < 1000; i++ {
		stream = append(stream, "hot-1", "hot-1", "hot-1", "hot-2", "hot-2", "hot-3")
	}
	for i := 0; i < 2000; i++ {
		stream = append(stream, "cold-"+strconv.Itoa(r.IntN(1000)))
	}
	r.Shuffle(len(stream), func(i, j int) { stream[i], stream[j] = stream[j], stream[i] })

	for _, it := range stream {
		tr.Observe(it, cm.IncrementAndEstimate(it, 1))
	}
	assert.Equal(t, []string{"hot-1", "hot-2", "hot-3"}, items(tr.TopK()))
}
