// Package mutator implements the deterministic value-mutation strategy and
// adaptive depth schedule of spec.md §4.3.
package mutator

import (
	"math/rand"

	"github.com/hlefeuvre/compartfuzz/internal/oracle"
)

const (
	pLo = 0.10
	pHi = 0.60

	// maxRedraws bounds the re-draw loop that guarantees mutate(x) != x
	// (testable property #4).
	maxRedraws = 16

	// depthWindow is the number of consecutive crash-free runs after which
	// the depth threshold T is bumped (spec.md §4.3).
	depthWindow = 45

	// deltaMin/deltaMax bound the additive-mutation branch.
	deltaMin = -1000
	deltaMax = 1000
)

// Mutator holds the RNG, adaptive depth state, and interesting-value pools.
// One Mutator is threaded through a whole session, following the source's
// guidance to keep this kind of global state as fields of a single value
// (spec.md §9).
type Mutator struct {
	rng *rand.Rand

	ints []uint64
	ptrs []uint64

	depthThreshold int // T
	windowCount    int // m: attempts in the current run, reset by NoteRunOutcome
	crashFreeRuns  int // consecutive runs without a new non-dup, non-FP crash
}

// New creates a Mutator seeded with seed. The pools start empty; call
// RefreshPools once the oracle has a valid mapping.
func New(seed int64) *Mutator {
	return &Mutator{rng: rand.New(rand.NewSource(seed))}
}

// RefreshPools repopulates the interesting-value pools from the oracle's
// current mapping, per spec.md §3 ("repopulated after the first successful
// mapping parse").
func (m *Mutator) RefreshPools(o *oracle.Oracle) {
	m.ints = interestingInts()
	m.ptrs = interestingPointers(o)
}

// DepthThreshold returns the current adaptive depth T.
func (m *Mutator) DepthThreshold() int { return m.depthThreshold }

// Ints returns the current interesting-integer pool (empty until the first
// RefreshPools call succeeds).
func (m *Mutator) Ints() []uint64 { return m.ints }

// Ptrs returns the current interesting-pointer pool (empty until the first
// RefreshPools call succeeds).
func (m *Mutator) Ptrs() []uint64 { return m.ptrs }

// ShouldAttempt decides whether this crossing is mutated, biased by the
// adaptive depth schedule: while the per-run attempt counter is below T,
// use the low probability; otherwise the high one. Every call that reaches
// this decision counts as an "attempt" per spec.md §4.3, regardless of the
// coin flip's outcome.
func (m *Mutator) ShouldAttempt() bool {
	p := pHi
	if m.windowCount < m.depthThreshold {
		p = pLo
	}
	m.windowCount++
	return m.rng.Float64() < p
}

// NoteRunOutcome advances the adaptive-depth schedule at the end of one
// outer iteration. newCrash should be true iff this run produced a new,
// non-duplicate, non-false-positive sanitizer-reported crash. The per-run
// attempt counter m starts again from zero for the next run.
func (m *Mutator) NoteRunOutcome(newCrash bool) {
	m.windowCount = 0
	if newCrash {
		m.crashFreeRuns = 0
		return
	}
	m.crashFreeRuns++
	if m.crashFreeRuns >= depthWindow {
		m.depthThreshold++
		m.crashFreeRuns = 0
	}
}

// isPointerFn lets tests and the supervisor classify a value without this
// package depending on a live oracle for every call.
type isPointerFn func(uint64) bool

// MutateValue mutates x following spec.md §4.3's value-mutation rule,
// re-drawing until the result differs from x (bounded by maxRedraws). If
// every re-draw still equals x (can happen for degenerate single-value
// pools), the last drawn value is returned regardless.
func (m *Mutator) MutateValue(x uint64, isPointer isPointerFn) uint64 {
	var result uint64
	for i := 0; i < maxRedraws; i++ {
		result = m.draw(x, isPointer)
		if result != x {
			return result
		}
	}
	return result
}

// RandIntn returns a random int in [0, n), used by the shared-buffer write
// strategy to pick write counts/offsets/lengths (spec.md §4.5.1).
func (m *Mutator) RandIntn(n int) int {
	if n <= 0 {
		return 0
	}
	return m.rng.Intn(n)
}

// RandBytes returns n pseudo-random bytes for a shared-buffer write.
func (m *Mutator) RandBytes(n int) []byte {
	b := make([]byte, n)
	m.rng.Read(b)
	return b
}

func (m *Mutator) draw(x uint64, isPointer isPointerFn) uint64 {
	if m.rng.Float64() < 0.5 {
		delta := int64(deltaMin + m.rng.Intn(deltaMax-deltaMin+1))
		return uint64(int64(x) + delta)
	}
	if isPointer != nil && isPointer(x) && len(m.ptrs) > 0 {
		return m.ptrs[m.rng.Intn(len(m.ptrs))]
	}
	if len(m.ints) == 0 {
		return x
	}
	return m.ints[m.rng.Intn(len(m.ints))]
}
