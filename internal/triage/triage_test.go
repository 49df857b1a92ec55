package triage

import "testing"

func TestNormalizeIdempotent(t *testing.T) {
	trace := "    #0 0x7f1234abcd in foo() /lib.c:10\n    #1 0x7f1234ffff in bar() /app.c:22\n"
	once := normalize(trace)
	twice := normalize(once)
	if once != twice {
		t.Fatalf("normalize not idempotent: %q vs %q", once, twice)
	}
}

func TestNormalizeReplacesAllHex(t *testing.T) {
	trace := "#0 0xdeadbeef in f() a.c:1\n#1 0xfeedface in g() b.c:2\n"
	got := normalize(trace)
	want := "#0 0xaddr in f() a.c:1\n#1 0xaddr in g() b.c:2\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTagImpactPriorityOrder(t *testing.T) {
	// exec beats everything else when multiple phrases are present.
	text := "WRITE of size 4 at 0x1\npc points to the zero page\n"
	cap, _, ok := TagImpact(text, false)
	if !ok || cap != CapExec {
		t.Fatalf("cap = %v ok=%v, want CapExec", cap, ok)
	}
}

func TestTagImpactArbitrarySuffix(t *testing.T) {
	text := "READ of size 8 at 0x1\ncaused by a dereference of a high value address\n"
	cap, arbitrary, ok := TagImpact(text, false)
	if !ok || cap != CapRead || !arbitrary {
		t.Fatalf("cap=%v arbitrary=%v ok=%v", cap, arbitrary, ok)
	}
}

func TestTagImpactMemcpyNegativeSize(t *testing.T) {
	text := "negative-size-param: (size=-1) 0x1\n__interceptor_memcpy called here\n"
	cap, _, ok := TagImpact(text, false)
	if !ok || cap != CapWrite {
		t.Fatalf("cap=%v ok=%v, want CapWrite", cap, ok)
	}
}

func TestTagImpactNoMatch(t *testing.T) {
	_, _, ok := TagImpact("nothing interesting here\n", false)
	if ok {
		t.Fatal("expected no match")
	}
}

func TestAllocateIDDedupesByNormalizedTrace(t *testing.T) {
	tr := New(SandboxMode)
	id1, isNew1 := tr.allocateID("trace-a")
	id2, isNew2 := tr.allocateID("trace-a")
	id3, isNew3 := tr.allocateID("trace-b")

	if !isNew1 || isNew2 {
		t.Fatalf("isNew1=%v isNew2=%v, want true,false", isNew1, isNew2)
	}
	if id1 != id2 {
		t.Fatalf("same trace got different IDs: %d vs %d", id1, id2)
	}
	if !isNew3 || id3 == id1 {
		t.Fatalf("distinct trace should get a new distinct ID")
	}
}

func TestImpactSetDedup(t *testing.T) {
	s := make(ImpactSet)
	if !s.Add(CapWrite, false) {
		t.Fatal("expected first add to be new")
	}
	if s.Add(CapWrite, false) {
		t.Fatal("expected second identical add to be a duplicate")
	}
	if !s.Add(CapWrite, true) {
		t.Fatal("arbitrary suffix should count as a distinct tag")
	}
}
