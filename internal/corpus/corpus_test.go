package corpus

import (
	"testing"

	"github.com/hlefeuvre/compartfuzz/internal/wire"
)

func buildSample() *Corpus {
	c := New()
	c.PushEvent(wire.Event{Opcode: wire.WorkerUp})
	c.PushMessage(wire.Message{Opcode: wire.MonitorUpAck})

	c.PushEvent(wire.Event{Opcode: wire.WorkerLibraryCall, Payload: []byte("foo")})
	c.PushMessage(wire.Message{Opcode: wire.MonitorExecAck})

	c.PushEvent(wire.Event{Opcode: wire.InvalidOpcode})
	return c
}

func TestReferenceStripsUpAndTrailingInvalid(t *testing.T) {
	c := buildSample()
	ref := c.Reference()
	if ref.Len() != 1 {
		t.Fatalf("ref.Len() = %d, want 1", ref.Len())
	}
	if ref.At(0).Event.Opcode != wire.WorkerLibraryCall {
		t.Fatalf("unexpected opcode %v", ref.At(0).Event.Opcode)
	}
}

func TestEmptyLikePreservesShape(t *testing.T) {
	c := buildSample()
	empty := c.EmptyLike()
	if empty.Len() != c.Len() {
		t.Fatalf("EmptyLike length mismatch: %d vs %d", empty.Len(), c.Len())
	}
	for i := 0; i < empty.Len(); i++ {
		if len(empty.At(i).Messages) != 0 {
			t.Fatalf("entry %d has messages, want none", i)
		}
	}
}

func TestWithMessageAtAndWithoutMessageAt(t *testing.T) {
	c := New()
	c.PushEvent(wire.Event{Opcode: wire.WorkerLibraryReturn})

	withMsg := c.WithMessageAt(0, wire.Message{Opcode: wire.NopOpcode})
	if len(withMsg.At(0).Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(withMsg.At(0).Messages))
	}

	withoutMsg := withMsg.WithoutMessageAt(0, 0)
	if len(withoutMsg.At(0).Messages) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(withoutMsg.At(0).Messages))
	}

	// Original must be untouched (copies, not references).
	if len(c.At(0).Messages) != 0 {
		t.Fatalf("original corpus mutated")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	c := buildSample()
	clone := c.Clone()
	c.Clear()
	if clone.Len() == 0 {
		t.Fatal("clone was affected by clearing the original")
	}
}
