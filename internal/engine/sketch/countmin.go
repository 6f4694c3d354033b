package sketch

import (
	"HeavySpectra/internal/model"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/twmb/murmur3"
)

// CountMin is a Count-Min Sketch with saturating uint64 cells. Increment and
// Estimate are safe for concurrent use; each cell is updated with CAS. Decay
// and Reset exclude all other calls for their duration.
type CountMin struct {
	w, d  uint32
	seeds []uint32
	cells []uint64

	// quiesce is held shared by Increment/Estimate and exclusively by
	// Decay/Reset.
	quiesce sync.RWMutex
	total   atomic.Uint64
}

// Dimensions derives width = ceil(e/epsilon) and depth = ceil(ln(1/delta)).
func Dimensions(epsilon, delta float64) (width, depth uint32, err error) {
	if !(epsilon > 0) || !(delta > 0) || delta >= 1 {
		return 0, 0, fmt.Errorf("%w: epsilon=%v delta=%v, need epsilon>0 and 0<delta<1",
			model.ErrInvalidParameters, epsilon, delta)
	}
	w := math.Ceil(math.E / epsilon)
	d := math.Ceil(math.Log(1 / delta))
	if w > math.MaxUint32 {
		return 0, 0, fmt.Errorf("%w: epsilon=%v gives a width beyond uint32", model.ErrInvalidParameters, epsilon)
	}
	return uint32(w), max(uint32(d), 1), nil
}

// NewWithError builds a sketch sized for additive error epsilon*N with
// probability at least 1-delta.
func NewWithError(epsilon, delta float64, seeds []uint32) (*CountMin, error) {
	w, d, err := Dimensions(epsilon, delta)
	if err != nil {
		return nil, err
	}
	return New(w, d, seeds)
}

// New allocates a width x depth sketch with all counters at zero. One hash
// seed is needed per row; passing nil draws random seeds.
func New(width, depth uint32, seeds []uint32) (*CountMin, error) {
	if width == 0 || depth == 0 {
		return nil, fmt.Errorf("%w: width=%d depth=%d", model.ErrInvalidParameters, width, depth)
	}
	if seeds == nil {
		seeds = make([]uint32, depth)
		for i := range seeds {
			seeds[i] = rand.Uint32()
		}
	} else if uint32(len(seeds)) != depth {
		return nil, fmt.Errorf("%w: %d seeds for depth %d", model.ErrInvalidParameters, len(seeds), depth)
	}

	return &CountMin{
		w:     width,
		d:     depth,
		seeds: append([]uint32(nil), seeds...),
		cells: make([]uint64, int(width)*int(depth)),
	}, nil
}

func (s *CountMin) Width() uint32 { return s.w }
func (s *CountMin) Depth() uint32 { return s.d }

// Seeds returns a copy of the per-row hash seeds.
func (s *CountMin) Seeds() []uint32 { return append([]uint32(nil), s.seeds...) }

// Epsilon is the additive error factor e/width implied by the width.
func (s *CountMin) Epsilon() float64 { return math.E / float64(s.w) }

// Total is the weight ingested since the last reset, halved by each decay.
func (s *CountMin) Total() uint64 { return s.total.Load() }

// ErrorBound is epsilon*N, the overestimate not exceeded with probability 1-delta.
func (s *CountMin) ErrorBound() float64 {
	return s.Epsilon() * float64(s.Total())
}

func (s *CountMin) index(row uint32, item []byte) int {
	return int(row*s.w + murmur3.SeedSum32(s.seeds[row], item)%s.w)
}

// Increment adds weight to the item's cell in every row.
func (s *CountMin) Increment(item string, weight uint64) {
	s.quiesce.RLock()
	s.increment([]byte(item), weight)
	s.quiesce.RUnlock()
}

// IncrementAndEstimate increments the item and returns its estimate in the
// same critical section, so the estimate always includes this update.
func (s *CountMin) IncrementAndEstimate(item string, weight uint64) uint64 {
	key := []byte(item)
	s.quiesce.RLock()
	defer s.quiesce.RUnlock()
	s.increment(key, weight)
	return s.estimate(key)
}

// Estimate returns the minimum across the item's cells. It never reports
// less than the true count since the last reset.
func (s *CountMin) Estimate(item string) uint64 {
	s.quiesce.RLock()
	defer s.quiesce.RUnlock()
	return s.estimate([]byte(item))
}

func (s *CountMin) increment(key []byte, weight uint64) {
	if weight == 0 {
		return
	}
	for row := uint32(0); row < s.d; row++ {
		saturatingAdd(&s.cells[s.index(row, key)], weight)
	}
	addSaturating64(&s.total, weight)
}

func (s *CountMin) estimate(key []byte) uint64 {
	est := uint64(math.MaxUint64)
	for row := uint32(0); row < s.d; row++ {
		est = min(est, atomic.LoadUint64(&s.cells[s.index(row, key)]))
	}
	return est
}

// Decay halves every counter, rounding down (11 becomes 5).
func (s *CountMin) Decay() {
	s.quiesce.Lock()
	defer s.quiesce.Unlock()
	for i := range s.cells {
		s.cells[i] >>= 1
	}
	s.total.Store(s.total.Load() >> 1)
}

// Reset zeroes every counter.
func (s *CountMin) Reset() {
	s.quiesce.Lock()
	defer s.quiesce.Unlock()
	clear(s.cells)
	s.total.Store(0)
}

// Attenuate applies the staleness policy. PolicyNone is a no-op.
func (s *CountMin) Attenuate(p DecayPolicy) {
	switch p {
	case PolicyHalve:
		s.Decay()
	case PolicyReset:
		s.Reset()
	}
}

func saturatingAdd(cell *uint64, weight uint64) {
	for {
		old := atomic.LoadUint64(cell)
		if old == math.MaxUint64 {
			return
		}
		next := uint64(math.MaxUint64)
		if weight < math.MaxUint64-old {
			next = old + weight
		}
		if atomic.CompareAndSwapUint64(cell, old, next) {
			return
		}
	}
}

func addSaturating64(v *atomic.Uint64, weight uint64) {
	for {
		old := v.Load()
		next := old + weight
		if next < old {
			next = math.MaxUint64
		}
		if v.CompareAndSwap(old, next) {
			return
		}
	}
}
