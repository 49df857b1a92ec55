package reproduce

import (
	"testing"

	"github.com/hlefeuvre/compartfuzz/internal/corpus"
	"github.com/hlefeuvre/compartfuzz/internal/wire"
)

// buildThreeEventCorpus constructs the corpus.md scenario S6 fixture: three
// events E1 (no replies), E2 (one reply m2), E3 (two replies m3a, m3b).
func buildThreeEventCorpus() *corpus.Corpus {
	c := corpus.New()
	c.PushEvent(wire.Event{Opcode: wire.WorkerLibraryCall, Payload: []byte("e1")})

	c.PushEvent(wire.Event{Opcode: wire.WorkerLibraryCall, Payload: []byte("e2")})
	c.PushMessage(wire.Message{Opcode: wire.MonitorExecAck})

	c.PushEvent(wire.Event{Opcode: wire.WorkerLibraryCall, Payload: []byte("e3")})
	c.PushMessage(wire.Message{Opcode: wire.MonitorWriteargOrder, Words: []uint64{0, 1}})
	c.PushMessage(wire.Message{Opcode: wire.MonitorExecAck})
	return c
}

// TestMinimizeConvergesToWitness is scenario S6: the crash reproduces with
// only E3's second message retained, so minimization must converge there.
func TestMinimizeConvergesToWitness(t *testing.T) {
	backup := buildThreeEventCorpus()

	probe := func(ref *corpus.Corpus) Outcome {
		if ref.Len() < 3 {
			return Unreproducible
		}
		e3 := ref.At(2)
		if len(e3.Messages) == 1 && e3.Messages[0].Opcode == wire.MonitorExecAck {
			return Success
		}
		return Unreproducible
	}

	result := minimizeWithProbe(backup, probe)
	if !result.Converged {
		t.Fatalf("expected minimization to converge to the known witness")
	}
	e3 := result.Minimized.At(2)
	if len(e3.Messages) != 1 || e3.Messages[0].Opcode != wire.MonitorExecAck {
		t.Fatalf("minimized E3 messages = %v, want exactly [MONITOR_EXEC_ACK]", e3.Messages)
	}
}

// TestMinimizeRetainsNecessaryMessages checks that when no single-message
// corpus ever reproduces, every message the necessity probe can't drop
// survives into the minimized corpus (no witness found, but a
// best-known-minimized corpus is still returned).
func TestMinimizeRetainsNecessaryMessages(t *testing.T) {
	backup := buildThreeEventCorpus()

	// Nothing is ever sufficient; nothing is ever droppable either — every
	// message is "necessary" under this probe.
	probe := func(ref *corpus.Corpus) Outcome { return Unreproducible }

	result := minimizeWithProbe(backup, probe)
	if result.Converged {
		t.Fatalf("expected no convergence under an always-UNREPRODUCIBLE probe")
	}
	e3 := result.Minimized.At(2)
	if len(e3.Messages) != 2 {
		t.Fatalf("expected both E3 messages retained as necessary, got %d", len(e3.Messages))
	}
}

// TestReproduceMonotonicity is testable property #8: if a corpus reproduces
// and a message is dropped, the outcome on the reduced corpus is never
// ERROR within budget — only SUCCESS or FAILURE/UNREPRODUCIBLE.
func TestReproduceMonotonicity(t *testing.T) {
	backup := buildThreeEventCorpus()
	full := backup.Entries()

	probe := func(ref *corpus.Corpus) Outcome {
		if ref.Len() == 0 {
			return Unreproducible
		}
		last := ref.At(ref.Len() - 1)
		for _, m := range last.Messages {
			if m.Opcode == wire.MonitorWriteargOrder {
				return Success
			}
		}
		return Unreproducible
	}

	if probe(corpus.FromEntries(full)) != Success {
		t.Fatalf("fixture probe expected to succeed on the full corpus")
	}

	for ei := range full {
		for mi := range full[ei].Messages {
			reduced := cloneEntries(full)
			reduced[ei].Messages = append(append([]wire.Message(nil), reduced[ei].Messages[:mi]...), reduced[ei].Messages[mi+1:]...)
			outcome := probe(corpus.FromEntries(reduced))
			if outcome == ErrorOutcome || outcome == CritError {
				t.Fatalf("dropping message (event %d, msg %d) produced %v, want SUCCESS or FAILURE/UNREPRODUCIBLE", ei, mi, outcome)
			}
		}
	}
}
