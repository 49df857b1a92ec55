package controller

import (
	"testing"
	"time"

	"github.com/hlefeuvre/compartfuzz/internal/triage"
)

func TestClassifyOutcome(t *testing.T) {
	cases := []struct {
		name   string
		result triage.Result
		want   fuzzingRunOutcome
	}{
		{"clean", triage.Result{Verdict: triage.NotACrash}, fuzzingRunClean},
		{"instrumentation", triage.Result{Verdict: triage.InstrumentationCrash}, fuzzingRunClean},
		{"false positive", triage.Result{Verdict: triage.FalsePositive}, fuzzingRunFalsePositive},
		{"new sanitizer crash", triage.Result{Verdict: triage.SanitizerCrash, IsNewCrash: true}, fuzzingRunNew},
		{"known sanitizer crash", triage.Result{Verdict: triage.SanitizerCrash, IsNewCrash: false}, fuzzingRunKnown},
		{"new bare sigsegv", triage.Result{Verdict: triage.SigsegvNoReport, IsNewCrash: true}, fuzzingRunNonASan},
		{"known bare sigsegv", triage.Result{Verdict: triage.SigsegvNoReport, IsNewCrash: false}, fuzzingRunKnown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyOutcome(tc.result); got != tc.want {
				t.Errorf("classifyOutcome(%+v) = %v, want %v", tc.result, got, tc.want)
			}
		})
	}
}

func TestNextRunDirNeverCollides(t *testing.T) {
	c := &Controller{workDir: "/tmp/compartfuzz-test"}
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		dir := c.nextRunDir()
		if seen[dir.MonitorPipe] {
			t.Fatalf("nextRunDir produced a duplicate path at iteration %d: %s", i, dir.MonitorPipe)
		}
		seen[dir.MonitorPipe] = true
	}
}

func TestArtifactTreePaths(t *testing.T) {
	tree := newArtifactTree("/out")

	if got, want := tree.sessionInfoPath(), "/out/crashes/session_info.txt"; got != want {
		t.Errorf("sessionInfoPath() = %q, want %q", got, want)
	}
	if got, want := tree.bugDir(3), "/out/crashes/bugs/crash3"; got != want {
		t.Errorf("bugDir(3) = %q, want %q", got, want)
	}
	if got, want := tree.nonASanDir(1), "/out/crashes/bugs-non-ASan/crash1"; got != want {
		t.Errorf("nonASanDir(1) = %q, want %q", got, want)
	}
	if got, want := tree.falsePositiveDir(2), "/out/crashes/false-positives/fp2"; got != want {
		t.Errorf("falsePositiveDir(2) = %q, want %q", got, want)
	}
}

func TestSessionInfoWrite(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	si := newSessionInfo(42, start)
	si.End = start.Add(time.Minute)
	si.Iterations = 7
	si.MaxCallSites = 12
	si.recordCritical(nil)

	path := dir + "/crashes/session_info.txt"
	if err := si.write(path); err != nil {
		t.Fatalf("write() error = %v", err)
	}
}
