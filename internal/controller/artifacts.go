package controller

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hlefeuvre/compartfuzz/internal/corpus"
	"github.com/hlefeuvre/compartfuzz/internal/oracle"
	"github.com/hlefeuvre/compartfuzz/internal/reproduce"
	"github.com/hlefeuvre/compartfuzz/internal/triage"
)

// artifactTree lays out the crash-output root per spec.md §6.3.
type artifactTree struct {
	root string
}

func newArtifactTree(root string) *artifactTree { return &artifactTree{root: root} }

func (a *artifactTree) sessionInfoPath() string {
	return filepath.Join(a.root, "crashes", "session_info.txt")
}

func (a *artifactTree) bugDir(crashID int) string {
	return filepath.Join(a.root, "crashes", "bugs", fmt.Sprintf("crash%d", crashID))
}

func (a *artifactTree) nonASanDir(crashID int) string {
	return filepath.Join(a.root, "crashes", "bugs-non-ASan", fmt.Sprintf("crash%d", crashID))
}

func (a *artifactTree) falsePositiveDir(fpIndex int) string {
	return filepath.Join(a.root, "crashes", "false-positives", fmt.Sprintf("fp%d", fpIndex))
}

// writeRunArtifacts drops one run's {input.log, app.log, mappings.txt}
// under bugDir/runM, copying the sanitizer capture rather than moving it
// so the live run directory stays reusable.
func writeRunArtifacts(bugDir string, runIndex int, c *corpus.Corpus, appLogPath string, o *oracle.Oracle) error {
	dir := filepath.Join(bugDir, fmt.Sprintf("run%d", runIndex))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, "input.log"), []byte(renderCorpus(c)), 0o644); err != nil {
		return fmt.Errorf("writing input.log: %w", err)
	}

	if data, err := os.ReadFile(appLogPath); err == nil {
		if err := os.WriteFile(filepath.Join(dir, "app.log"), data, 0o644); err != nil {
			return fmt.Errorf("writing app.log: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "mappings.txt"), []byte(renderMappings(o)), 0o644); err != nil {
		return fmt.Errorf("writing mappings.txt: %w", err)
	}
	return nil
}

func renderCorpus(c *corpus.Corpus) string {
	var b strings.Builder
	for i, e := range c.Entries() {
		fmt.Fprintf(&b, "[%d] %s", i, e.Event.Opcode)
		if len(e.Event.Payload) > 0 && e.Event.Opcode.IsCall() {
			fmt.Fprintf(&b, " name=%q", string(e.Event.Payload))
		}
		b.WriteByte('\n')
		for _, m := range e.Messages {
			fmt.Fprintf(&b, "    -> %s %v\n", m.Opcode, m.Words)
		}
	}
	return b.String()
}

func renderMappings(o *oracle.Oracle) string {
	if o == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "process_base=%#x\n", o.ProcessBase())
	if base, ok := o.HeapBase(); ok {
		fmt.Fprintf(&b, "heap_base=%#x\n", base)
	}
	if base, ok := o.StackBase(); ok {
		fmt.Fprintf(&b, "stack_base=%#x\n", base)
	}
	for _, r := range o.CodeRanges() {
		fmt.Fprintf(&b, "%#x-%#x %s\n", r.Begin, r.End, r.Name)
	}
	return b.String()
}

func writeCrashTrace(bugDir, normalizedTrace string) error {
	if err := os.MkdirAll(bugDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(bugDir, "crash_trace.txt"), []byte(normalizedTrace), 0o644)
}

// crashInfo holds everything crash_info.txt reports.
type crashInfo struct {
	CrashID         int
	Verdict         triage.Verdict
	Impacts         []string
	Reproducible    bool
	ReproduceResult string
}

func writeCrashInfo(bugDir string, info crashInfo) error {
	if err := os.MkdirAll(bugDir, 0o755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "crash_id=%d\n", info.CrashID)
	fmt.Fprintf(&b, "verdict=%s\n", info.Verdict)
	fmt.Fprintf(&b, "impacts=%s\n", strings.Join(info.Impacts, ","))
	fmt.Fprintf(&b, "reproducible=%v\n", info.Reproducible)
	fmt.Fprintf(&b, "reproduce_result=%s\n", info.ReproduceResult)
	return os.WriteFile(filepath.Join(bugDir, "crash_info.txt"), []byte(b.String()), 0o644)
}

// writeMinimal persists the minimizer's result and critical-endpoint list
// under bugDir/minimal.
func writeMinimal(bugDir string, result reproduce.MinimizeResult) error {
	dir := filepath.Join(bugDir, "minimal")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "input.log"), []byte(renderCorpus(result.Minimized)), 0o644); err != nil {
		return err
	}
	var b strings.Builder
	for _, ep := range result.Critical {
		fmt.Fprintf(&b, "[%d] %s\n", ep.EventIndex, ep.Name)
	}
	return os.WriteFile(filepath.Join(dir, "critical_endpoints.txt"), []byte(b.String()), 0o644)
}

// sessionInfo accumulates the fields spec.md §6.3's session_info.txt
// reports across the whole controller run.
type sessionInfo struct {
	Seed              int64
	Start             time.Time
	End               time.Time
	Iterations        int
	MaxCallSites      int
	CriticalEndpoints map[string]bool
}

func newSessionInfo(seed int64, start time.Time) *sessionInfo {
	return &sessionInfo{Seed: seed, Start: start, CriticalEndpoints: make(map[string]bool)}
}

func (s *sessionInfo) recordCritical(eps []reproduce.CriticalEndpoint) {
	for _, ep := range eps {
		if ep.Name != "" {
			s.CriticalEndpoints[ep.Name] = true
		}
	}
}

func (s *sessionInfo) write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "seed=%d\n", s.Seed)
	fmt.Fprintf(&b, "start=%s\n", s.Start.Format(time.RFC3339))
	fmt.Fprintf(&b, "end=%s\n", s.End.Format(time.RFC3339))
	fmt.Fprintf(&b, "iterations=%d\n", s.Iterations)
	fmt.Fprintf(&b, "max_call_sites=%d\n", s.MaxCallSites)
	names := make([]string, 0, len(s.CriticalEndpoints))
	for n := range s.CriticalEndpoints {
		names = append(names, n)
	}
	fmt.Fprintf(&b, "critical_endpoints=%s\n", strings.Join(names, ","))
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
