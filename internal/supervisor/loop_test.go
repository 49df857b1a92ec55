package supervisor

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/hlefeuvre/compartfuzz/internal/corpus"
	"github.com/hlefeuvre/compartfuzz/internal/mutator"
	"github.com/hlefeuvre/compartfuzz/internal/oracle"
	"github.com/hlefeuvre/compartfuzz/internal/triage"
	"github.com/hlefeuvre/compartfuzz/internal/wire"
)

// testRig wires a Supervisor to a pair of in-process pipes standing in for
// the monitor/worker FIFOs, so the inner loop can be exercised without a
// real instrumented binary.
type testRig struct {
	s *Supervisor

	workerW *os.File // test writes WORKER_* frames here
	monR    *os.File // test reads MONITOR_* replies from here
}

func newTestRig(t *testing.T, mode Mode, seed int64) *testRig {
	t.Helper()

	monR, monW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	workerR, workerW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() {
		monR.Close()
		monW.Close()
		workerR.Close()
		workerW.Close()
	})

	o := oracle.New(os.Getpid(), nil)
	if err := o.Refresh(); err != nil {
		t.Fatalf("oracle.Refresh on self: %v", err)
	}

	s := &Supervisor{
		cfg:            Config{Mode: mode, WorkerTimeout: time.Second, Seed: seed},
		Oracle:         o,
		Mutator:        mutator.New(seed),
		Triager:        triage.New(mode),
		Corpus:         corpus.New(),
		knownCallbacks: make(map[uint64]bool),
		knownCallSites: make(map[uint64]bool),
		monitorPipe:    monW,
		workerPipe:     workerR,
	}
	s.Mutator.RefreshPools(o)

	return &testRig{s: s, workerW: workerW, monR: monR}
}

func putWord(buf []byte, w uint64) []byte {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], w)
	return append(buf, raw[:]...)
}

func putOpcode(buf []byte, op wire.Opcode) []byte {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], uint32(op))
	return append(buf, raw[:]...)
}

// writeCallFrame sends a WORKER_LIBRARY_CALL/WORKER_CALLBACK_CALL frame
// with the given call site, name, and (size, value) argument pairs.
func (r *testRig) writeCallFrame(t *testing.T, op wire.Opcode, callSite uint64, name string, args [][2]uint64) {
	t.Helper()
	var buf []byte
	buf = putOpcode(buf, op)
	buf = putWord(buf, callSite)
	buf = putWord(buf, uint64(len(name)))
	buf = append(buf, []byte(name)...)
	buf = putWord(buf, uint64(len(args)))
	for _, a := range args {
		buf = putWord(buf, a[0])
		buf = putWord(buf, a[1])
	}
	if _, err := r.workerW.Write(buf); err != nil {
		t.Fatalf("writing call frame: %v", err)
	}
}

func (r *testRig) writeReturnFrame(t *testing.T, op wire.Opcode, retval uint64, hasRetval bool) {
	t.Helper()
	var buf []byte
	buf = putOpcode(buf, op)
	if hasRetval {
		buf = putWord(buf, retval)
	}
	if _, err := r.workerW.Write(buf); err != nil {
		t.Fatalf("writing return frame: %v", err)
	}
}

func (r *testRig) readOpcode(t *testing.T) wire.Opcode {
	t.Helper()
	op, err := wire.ReadOpcode(wire.Fd(r.monR), time.Second)
	if err != nil {
		t.Fatalf("reading monitor opcode: %v", err)
	}
	return op
}

func (r *testRig) readWords(t *testing.T, n int) []uint64 {
	t.Helper()
	words, err := wire.ReadWords(wire.Fd(r.monR), n, time.Second)
	if err != nil {
		t.Fatalf("reading monitor words: %v", err)
	}
	return words
}

// TestLibraryCallSandboxNoMutation covers the sandbox WORKER_LIBRARY_CALL
// arm: arguments are observed (pointer/callback bookkeeping) but never
// mutated, and the reply is exactly MONITOR_EXEC_ACK.
func TestLibraryCallSandboxNoMutation(t *testing.T) {
	rig := newTestRig(t, SandboxMode, 1)

	done := make(chan error, 1)
	go func() { done <- rig.s.handleLibraryCall() }()

	rig.writeCallFrame(t, wire.WorkerLibraryCall, 0x1000, "f", [][2]uint64{{8, 42}})

	op := rig.readOpcode(t)
	if op != wire.MonitorExecAck {
		t.Fatalf("sandbox LIBRARY_CALL must never emit WRITEARG; got %v", op)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleLibraryCall: %v", err)
	}
}

// TestCallbackCallSandboxMutates is scenario S2: with a seed chosen so the
// mutation attempt succeeds, a sandbox CALLBACK_CALL's single argument is
// rewritten via MONITOR_WRITEARG_ORDER before the closing MONITOR_EXEC_ACK.
func TestCallbackCallSandboxMutates(t *testing.T) {
	var rig *testRig
	var op wire.Opcode
	// Scan a handful of seeds for one that both attempts and changes the
	// value, since the RNG stream isn't hand-derivable without running it.
	for seed := int64(0); seed < 200; seed++ {
		rig = newTestRig(t, SandboxMode, seed)
		done := make(chan error, 1)
		go func() { done <- rig.s.handleCallbackCall() }()
		rig.writeCallFrame(t, wire.WorkerCallbackCall, 0x1000, "cb", [][2]uint64{{8, 42}})
		op = rig.readOpcode(t)
		if err := <-done; err != nil {
			t.Fatalf("handleCallbackCall: %v", err)
		}
		if op == wire.MonitorWriteargOrder {
			idx := rig.readWords(t, 2)
			if idx[0] != 0 {
				t.Fatalf("unexpected arg index %d", idx[0])
			}
			if idx[1] == 42 {
				t.Fatalf("mutated value must differ from original")
			}
			ack := rig.readOpcode(t)
			if ack != wire.MonitorExecAck {
				t.Fatalf("WRITEARG must be followed by EXEC_ACK, got %v", ack)
			}
			return
		}
	}
	t.Fatalf("no seed in range produced a mutated CALLBACK_CALL reply")
}

// TestOrderingInstrumentBeforeExecAck checks that a newly observed code
// pointer in a *_CALL's argument list is instrumented (MONITOR_INSTRUMENT_
// ORDER) strictly before the terminating MONITOR_EXEC_ACK, and that the
// same code pointer is never instrumented twice (property #3, #2).
func TestOrderingInstrumentBeforeExecAck(t *testing.T) {
	rig := newTestRig(t, SandboxMode, 1)
	codePtr := rig.s.Oracle.CodeRanges()[0].Begin

	done := make(chan error, 1)
	go func() { done <- rig.s.handleLibraryCall() }()
	rig.writeCallFrame(t, wire.WorkerLibraryCall, 0x2000, "g", [][2]uint64{{8, codePtr}})

	op := rig.readOpcode(t)
	if op != wire.MonitorInstrumentOrder {
		t.Fatalf("expected MONITOR_INSTRUMENT_ORDER for unseen code pointer, got %v", op)
	}
	addr := rig.readWords(t, 1)
	if addr[0] != codePtr {
		t.Fatalf("instrument order addr = %#x, want %#x", addr[0], codePtr)
	}
	ack := rig.readOpcode(t)
	if ack != wire.MonitorExecAck {
		t.Fatalf("INSTRUMENT_ORDER must precede EXEC_ACK, got %v", ack)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleLibraryCall: %v", err)
	}

	// Second call with the same code pointer must not re-instrument.
	done2 := make(chan error, 1)
	go func() { done2 <- rig.s.handleLibraryCall() }()
	rig.writeCallFrame(t, wire.WorkerLibraryCall, 0x2000, "g", [][2]uint64{{8, codePtr}})
	op2 := rig.readOpcode(t)
	if op2 != wire.MonitorExecAck {
		t.Fatalf("repeat call must not re-instrument; got %v", op2)
	}
	if err := <-done2; err != nil {
		t.Fatalf("handleLibraryCall: %v", err)
	}
}

// TestSharedBufferWriteOnReturn is scenario S3: a heap pointer remembered
// from a sandbox LIBRARY_CALL may be written through on the matching
// LIBRARY_RETURN, and every MONITOR_WRITE_ORDER precedes the terminating
// MONITOR_RETURN_ORDER/NOP_OPCODE.
func TestSharedBufferWriteOnReturn(t *testing.T) {
	var found bool
	for seed := int64(0); seed < 500 && !found; seed++ {
		rig := newTestRig(t, SandboxMode, seed)
		heapBase, ok := rig.s.Oracle.HeapBase()
		if !ok {
			t.Skip("no [heap] mapping available in this environment")
		}
		ptr := heapBase + 16

		done := make(chan error, 1)
		go func() { done <- rig.s.handleLibraryCall() }()
		rig.writeCallFrame(t, wire.WorkerLibraryCall, 0x3000, "h", [][2]uint64{{16, ptr}})
		ack := rig.readOpcode(t)
		if ack != wire.MonitorExecAck {
			t.Fatalf("LIBRARY_CALL reply = %v, want MONITOR_EXEC_ACK", ack)
		}
		if err := <-done; err != nil {
			t.Fatalf("handleLibraryCall: %v", err)
		}

		done2 := make(chan error, 1)
		go func() { done2 <- rig.s.handleLibraryReturn(wire.WorkerLibraryReturn) }()
		rig.writeReturnFrame(t, wire.WorkerLibraryReturn, 0, true)

		op := rig.readOpcode(t)
		for op == wire.MonitorWriteOrder {
			found = true
			words := rig.readWords(t, 3)
			addr, size := words[0], words[1]
			if addr < ptr || addr+size > ptr+16 {
				t.Fatalf("write (addr=%#x size=%d) escapes remembered buffer [%#x,%#x)", addr, size, ptr, ptr+16)
			}
			if size < 1 || size > 8 {
				t.Fatalf("write size %d out of [1,8]", size)
			}
			op = rig.readOpcode(t)
		}
		if op != wire.MonitorReturnOrder && op != wire.NopOpcode {
			t.Fatalf("return arm must close with RETURN_ORDER or NOP_OPCODE, got %v", op)
		}
		if err := <-done2; err != nil {
			t.Fatalf("handleLibraryReturn: %v", err)
		}
	}
	if !found {
		t.Skip("no seed in range triggered a shared-buffer write")
	}
}

// TestCallbackReturnSandboxNeverMutates checks that sandbox
// CALLBACK_RETURN{,_NO_RETVAL} always closes with NOP_OPCODE, never
// MONITOR_RETURN_ORDER, across a range of seeds (spec.md §4.5.1).
func TestCallbackReturnSandboxNeverMutates(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		rig := newTestRig(t, SandboxMode, seed)
		done := make(chan error, 1)
		go func() { done <- rig.s.handleCallbackReturn(wire.WorkerCallbackReturn) }()
		rig.writeReturnFrame(t, wire.WorkerCallbackReturn, 7, true)
		op := rig.readOpcode(t)
		if op != wire.NopOpcode {
			t.Fatalf("seed %d: sandbox CALLBACK_RETURN must reply NOP_OPCODE, got %v", seed, op)
		}
		if err := <-done; err != nil {
			t.Fatalf("handleCallbackReturn: %v", err)
		}
	}
}

// TestSafeboxPolarityFlip checks the mode asymmetry of §4.5.2: a safebox
// LIBRARY_CALL may mutate arguments, while a safebox CALLBACK_CALL never
// does, over enough seeds that at least one LIBRARY_CALL mutation fires.
func TestSafeboxPolarityFlip(t *testing.T) {
	var sawLibraryMutation bool
	for seed := int64(0); seed < 200; seed++ {
		rig := newTestRig(t, SafeboxMode, seed)

		done := make(chan error, 1)
		go func() { done <- rig.s.handleCallbackCall() }()
		rig.writeCallFrame(t, wire.WorkerCallbackCall, 0x4000, "cb", [][2]uint64{{8, 9}})
		op := rig.readOpcode(t)
		if op != wire.MonitorExecAck {
			t.Fatalf("seed %d: safebox CALLBACK_CALL must never mutate, got %v", seed, op)
		}
		if err := <-done; err != nil {
			t.Fatalf("handleCallbackCall: %v", err)
		}

		done2 := make(chan error, 1)
		go func() { done2 <- rig.s.handleLibraryCall() }()
		rig.writeCallFrame(t, wire.WorkerLibraryCall, 0x4001, "f", [][2]uint64{{8, 9}})
		op2 := rig.readOpcode(t)
		if op2 == wire.MonitorWriteargOrder {
			sawLibraryMutation = true
			rig.readWords(t, 2)
			ack := rig.readOpcode(t)
			if ack != wire.MonitorExecAck {
				t.Fatalf("WRITEARG must precede EXEC_ACK, got %v", ack)
			}
		}
		if err := <-done2; err != nil {
			t.Fatalf("handleLibraryCall: %v", err)
		}
	}
	if !sawLibraryMutation {
		t.Fatalf("no seed produced a safebox LIBRARY_CALL mutation in range")
	}
}

// TestRefreshOracleIfNeededPopulatesPools checks that a successful oracle
// refresh on a *_CALL opcode also repopulates the mutator's interesting-value
// pools (spec.md §3: "repopulated after the first successful mapping
// parse"), not just the oracle's own ranges.
func TestRefreshOracleIfNeededPopulatesPools(t *testing.T) {
	s := &Supervisor{
		Oracle:  oracle.New(os.Getpid(), nil),
		Mutator: mutator.New(1),
	}
	if len(s.Mutator.Ints()) != 0 || len(s.Mutator.Ptrs()) != 0 {
		t.Fatalf("pools must start empty before any refresh")
	}
	if err := s.refreshOracleIfNeeded(wire.WorkerLibraryCall); err != nil {
		t.Fatalf("refreshOracleIfNeeded: %v", err)
	}
	if len(s.Mutator.Ints()) == 0 {
		t.Fatalf("interesting-int pool still empty after a successful refresh")
	}
}

// TestRunProtocolErrorStopsLoop checks that an unrecognized opcode ends the
// loop without blocking (spec.md §4.5.1 end).
func TestRunProtocolErrorStopsLoop(t *testing.T) {
	rig := newTestRig(t, SandboxMode, 1)
	go func() {
		var buf []byte
		buf = putOpcode(buf, wire.Opcode(9999))
		rig.workerW.Write(buf)
	}()
	if err := rig.s.Run(); err != nil {
		t.Fatalf("Run() = %v, want nil (graceful stop)", err)
	}
}
