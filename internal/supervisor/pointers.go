package supervisor

import "github.com/hlefeuvre/compartfuzz/internal/wire"

// rememberedPointer is a (pointer, size) pair captured from a *_CALL's
// argument list, to be written through when the matching *_RETURN fires
// (spec.md §4.5.1).
type rememberedPointer struct {
	Addr uint64
	Size uint64
}

// observeCallArgs walks a call's argument list: pointers are remembered
// for later shared-buffer writes, and unseen code pointers are queued for
// instrumentation. Returns the remembered-pointer set for this call.
func (s *Supervisor) observeCallArgs(args []argWithMeta) []rememberedPointer {
	var remembered []rememberedPointer
	for _, a := range args {
		if a.Value == 0 {
			continue
		}
		if s.Oracle.IsCode(a.Value) {
			if !s.knownCallbacks[a.Value] {
				s.knownCallbacks[a.Value] = true
				s.pendingInstrument = append(s.pendingInstrument, a.Value)
			}
			continue
		}
		if s.Oracle.IsPointer(a.Value) {
			remembered = append(remembered, rememberedPointer{Addr: a.Value, Size: a.Size})
		}
	}
	return remembered
}

// argWithMeta pairs an argument with its index, used so mutation replies
// can reference MONITOR_WRITEARG_ORDER(idx, new).
type argWithMeta struct {
	Index int
	Size  uint64
	Value uint64
}

// writeThroughRemembered implements the shared-buffer write strategy of
// spec.md §4.5.1: for each pointer remembered at the matching *_CALL, with
// independent probability, perform k in [1, min(3, size)] writes at
// distinct random offsets, each of size s uniform in [1, min(8,
// remaining)], value drawn from mutate(0).
func (s *Supervisor) writeThroughRemembered() error {
	for _, p := range s.remembered {
		if p.Size == 0 || !s.Mutator.ShouldAttempt() {
			continue
		}

		maxWrites := 3
		if int(p.Size) < maxWrites {
			maxWrites = int(p.Size)
		}
		k := 1 + s.Mutator.RandIntn(maxWrites)

		used := make(map[uint64]bool)
		for i := 0; i < k; i++ {
			offset := uint64(s.Mutator.RandIntn(int(p.Size)))
			for used[offset] {
				offset = uint64(s.Mutator.RandIntn(int(p.Size)))
			}
			used[offset] = true

			remaining := int(p.Size - offset)
			maxSize := 8
			if remaining < maxSize {
				maxSize = remaining
			}
			size := 1 + s.Mutator.RandIntn(maxSize)

			value := s.Mutator.MutateValue(0, nil)
			if err := s.writeMessage(wire.MonitorWriteOrder, []uint64{p.Addr + offset, uint64(size), value}); err != nil {
				return err
			}
		}
	}
	return nil
}
