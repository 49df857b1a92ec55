package mutator

import "github.com/hlefeuvre/compartfuzz/internal/oracle"

// interestingInts is the canonical set of integer limits: signed/unsigned
// min/max across widths, 0, +-1..10, +-100..10000 (spec.md §3).
func interestingInts() []uint64 {
	vals := []uint64{0}
	for _, d := range []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 100, 1000, 10000} {
		vals = append(vals, uint64(d), uint64(-d))
	}
	widths := []struct {
		signedMin, signedMax, unsignedMax uint64
	}{
		{0xffffffffffffff80, 0x7f, 0xff},                 // int8
		{0xffffffffffff8000, 0x7fff, 0xffff},             // int16
		{0xffffffff80000000, 0x7fffffff, 0xffffffff},     // int32
		{0x8000000000000000, 0x7fffffffffffffff, 0xffffffffffffffff}, // int64
	}
	for _, w := range widths {
		vals = append(vals, w.signedMin, w.signedMax, w.unsignedMax)
	}
	return dedupe(vals)
}

// interestingPointers builds the canonical pointer candidate set: null,
// plus base and base+{10,200,400} for each of code, heap, stack, library
// (spec.md §3), given the current oracle's mapping.
func interestingPointers(o *oracle.Oracle) []uint64 {
	vals := []uint64{0}
	offsets := []uint64{0, 10, 200, 400}

	addBase := func(base uint64, ok bool) {
		if !ok || base == 0 {
			return
		}
		for _, off := range offsets {
			vals = append(vals, base+off)
		}
	}

	addBase(o.ProcessBase(), true)
	heap, haveHeap := o.HeapBase()
	addBase(heap, haveHeap)
	stack, haveStack := o.StackBase()
	addBase(stack, haveStack)
	if libs := o.LibRanges(); len(libs) > 0 {
		addBase(libs[0].Begin, true)
	}

	return dedupe(vals)
}

func dedupe(in []uint64) []uint64 {
	seen := make(map[uint64]bool, len(in))
	out := make([]uint64, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
