package mutator

import "testing"

func TestMutateValueNonIdentity(t *testing.T) {
	m := New(42)
	m.ints = []uint64{1, 2, 3, 4, 5}
	m.ptrs = []uint64{0x1000, 0x2000}

	for x := uint64(0); x < 50; x++ {
		got := m.MutateValue(x, func(uint64) bool { return false })
		// With a pool containing multiple distinct values and the additive
		// branch spanning +-1000, a 16-redraw budget should essentially
		// always find a different value; assert the property holds for
		// this seed across many inputs.
		if got == x {
			t.Errorf("mutate(%d) == %d, want a different value", x, x)
		}
	}
}

func TestAdaptiveDepthBump(t *testing.T) {
	m := New(1)
	if m.DepthThreshold() != 0 {
		t.Fatalf("initial T = %d, want 0", m.DepthThreshold())
	}
	for i := 0; i < depthWindow-1; i++ {
		m.NoteRunOutcome(false)
	}
	if m.DepthThreshold() != 0 {
		t.Fatalf("T bumped early at %d runs", depthWindow-1)
	}
	m.NoteRunOutcome(false)
	if m.DepthThreshold() != 1 {
		t.Fatalf("T = %d after %d crash-free runs, want 1", m.DepthThreshold(), depthWindow)
	}
	if m.crashFreeRuns != 0 {
		t.Fatalf("window counter not reset: %d", m.crashFreeRuns)
	}
}

func TestNewCrashResetsWindow(t *testing.T) {
	m := New(1)
	for i := 0; i < 10; i++ {
		m.NoteRunOutcome(false)
	}
	m.NoteRunOutcome(true)
	if m.crashFreeRuns != 0 {
		t.Fatalf("crash-free counter not reset after new crash: %d", m.crashFreeRuns)
	}
}

func TestShouldAttemptIncrementsWindow(t *testing.T) {
	m := New(7)
	before := m.windowCount
	m.ShouldAttempt()
	if m.windowCount != before+1 {
		t.Fatalf("windowCount = %d, want %d", m.windowCount, before+1)
	}
}
