package sketch

import (
	"HeavySpectra/internal/model"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDimensions(t *testing.T) {
	w, d, err := Dimensions(0.01, 0.01)
	require.NoError(t, err)
	assert.Equal(t, uint32(272), w) // ceil(e/0.01)
	assert.Equal(t, uint32(5), d)   // ceil(ln(100))

	for _, tc := range []struct {
		name           string
		epsilon, delta float64
	}{
		{"zero epsilon", 0, 0.1},
		{"negative epsilon", -1, 0.1},
		{"zero delta", 0.1, 0},
		{"delta one", 0.1, 1},
		{"delta above one", 0.1, 2},
		{"nan epsilon", math.NaN(), 0.1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewWithError(tc.epsilon, tc.delta, nil)
			assert.ErrorIs(t, err, model.ErrInvalidParameters)
		})
	}
}

func TestNewRejectsBadShape(t *testing.T) {
	_, err := New(0, 2, nil)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
	_, err = New(4, 0, nil)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
	_, err = New(4, 2, []uint32{1})
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
}

func TestNeverUnderestimates(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	zipf := rand.NewZipf(r, 1.2, 1, 500)
	cm, err := New(64, 3, []uint32{11, 22, 33})
	require.NoError(t, err)

	truth := make(map[string]uint64)
	for i := 0; i < 5000; i++ {
		item := "item-" + strconv.FormatUint(zipf.Uint64(), 10)
		w := uint64(r.IntN(3) + 1)
		cm.Increment(item, w)
		truth[item] += w
		if i%500 == 0 {
			for it, c := range truth {
				require.GreaterOrEqual(t, cm.Estimate(it), c, "item %s at step %d", it, i)
			}
		}
	}
	for it, c := range truth {
		assert.GreaterOrEqual(t, cm.Estimate(it), c, "item %s", it)
	}
}

func TestErrorBoundHoldsWithProbabilityDelta(t *testing.T) {
	const (
		epsilon = 0.01
		delta   = 0.1
		trials  = 200
		items   = 2000
	)
	r := rand.New(rand.NewPCG(42, 7))

	// Fixed stream, fresh hash seeds per trial.
	stream := make([]string, 0, 20000)
	zipf := rand.NewZipf(r, 1.1, 1, items)
	for len(stream) < cap(stream) {
		stream = append(stream, strconv.FormatUint(zipf.Uint64(), 10))
	}
	const target = "1999"
	var targetTrue uint64
	for _, it := range stream {
		if it == target {
			targetTrue++
		}
	}

	exceeded := 0
	for trial := 0; trial < trials; trial++ {
		w, d, err := Dimensions(epsilon, delta)
		require.NoError(t, err)
		seeds := make([]uint32, d)
		for i := range seeds {
			seeds[i] = r.Uint32()
		}
		cm, err := New(w, d, seeds)
		require.NoError(t, err)
		for _, it := range stream {
			cm.Increment(it, 1)
		}
		over := float64(cm.Estimate(target) - targetTrue)
		if over > epsilon*float64(cm.Total()) {
			exceeded++
		}
	}
	rate := float64(exceeded) / trials
	t.Logf("overestimate beyond eps*N in %d/%d trials", exceeded, trials)
	assert.LessOrEqual(t, rate, delta)
}

func TestCollidingItems(t *testing.T) {
	seeds := []uint32{7, 13}
	cm, err := New(4, 2, seeds)
	require.NoError(t, err)

	a := []byte("A")
	var b string
	for i := 0; ; i++ {
		cand := fmt.Sprintf("B%d", i)
		if cm.index(0, []byte(cand)) == cm.index(0, a) {
			b = cand
			break
		}
	}

	cm.Increment("A", 10)
	cm.Increment(b, 1)

	// Known overlap: B shares a cell with A in row 0 and maybe in row 1.
	want, wantA := uint64(11), uint64(11)
	if cm.index(1, []byte(b)) != cm.index(1, a) {
		want, wantA = 1, 10
	}
	got := cm.Estimate(b)
	assert.GreaterOrEqual(t, got, uint64(1))
	assert.LessOrEqual(t, got, uint64(1+10))
	assert.Equal(t, want, got)
	assert.Equal(t, wantA, cm.Estimate("A"))
}

func TestDecayFloors(t *testing.T) {
	for _, tc := range []struct{ in, want uint64 }{
		{10, 5},
		{11, 5},
		{1, 0},
		{0, 0},
	} {
		cm, err := New(1, 1, []uint32{1})
		require.NoError(t, err)
		cm.Increment("x", tc.in)
		cm.Decay()
		assert.Equal(t, tc.want, cm.Estimate("x"), "decay(%d)", tc.in)
		assert.Equal(t, tc.want, cm.Total())
		assert.Equal(t, tc.want, PolicyHalve.Apply(tc.in))
	}
}

func TestAttenuatePolicies(t *testing.T) {
	for _, tc := range []struct {
		policy DecayPolicy
		want   uint64
	}{
		{PolicyNone, 10},
		{PolicyHalve, 5},
		{PolicyReset, 0},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			cm, err := New(8, 2, []uint32{3, 4})
			require.NoError(t, err)
			cm.Increment("x", 10)
			cm.Attenuate(tc.policy)
			assert.Equal(t, tc.want, cm.Estimate("x"))
			assert.Equal(t, tc.want, tc.policy.Apply(10))
		})
	}
}

func TestParseDecayPolicy(t *testing.T) {
	for in, want := range map[string]DecayPolicy{
		"": PolicyNone, "none": PolicyNone, "halve": PolicyHalve, "Decay": PolicyHalve, "reset": PolicyReset,
	} {
		got, err := ParseDecayPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDecayPolicy("forever")
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
}

func TestCountsPastUint32(t *testing.T) {
	cm, err := New(64, 3, []uint32{1, 2, 3})
	require.NoError(t, err)
	for range 3 {
		cm.Increment("A", 2_000_000_000)
	}
	assert.Equal(t, uint64(6_000_000_000), cm.Total())
	assert.GreaterOrEqual(t, cm.Estimate("A"), uint64(6_000_000_000))

	cm.Increment("B", 5_000_000_000)
	assert.Greater(t, cm.Estimate("B"), uint64(math.MaxUint32), "heavy items do not tie at 2^32")
}

func TestSaturates(t *testing.T) {
	cm, err := New(2, 2, []uint32{1, 2})
	require.NoError(t, err)
	cm.Increment("x", math.MaxUint64-1)
	cm.Increment("x", 5)
	cm.Increment("x", math.MaxUint64)
	assert.Equal(t, uint64(math.MaxUint64), cm.Estimate("x"))
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	cm, err := New(1024, 4, []uint32{1, 2, 3, 4})
	require.NoError(t, err)

	const workers, perWorker = 8, 2000
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Go(func() {
			for i := 0; i < perWorker; i++ {
				cm.Increment("hot", 1)
				_ = cm.Estimate("hot")
			}
		})
	}
	wg.Wait()
	assert.Equal(t, uint64(workers*perWorker), cm.Estimate("hot"))
	assert.Equal(t, uint64(workers*perWorker), cm.Total())
}

func TestDecayExcludesIncrements(t *testing.T) {
	cm, err := New(16, 2, []uint32{5, 6})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Go(func() {
		for i := 0; i < 1000; i++ {
			cm.Increment("x", 2)
		}
	})
	wg.Go(func() {
		for i := 0; i < 50; i++ {
			cm.Decay()
		}
	})
	wg.Wait()
	assert.LessOrEqual(t, cm.Estimate("x"), uint64(2000))
	assert.LessOrEqual(t, cm.Total(), uint64(2000))
}

func TestIncrementAndEstimate(t *testing.T) {
	cm, err := New(32, 3, []uint32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cm.IncrementAndEstimate("x", 3))
	assert.Equal(t, uint64(4), cm.IncrementAndEstimate("x", 1))
	assert.InDelta(t, math.E/32*4, cm.ErrorBound(), 1e-9)
}
