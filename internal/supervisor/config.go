// Package supervisor drives a single worker through one outer fuzzing
// iteration: spawn, handshake, the mode-specific inner loop (spec.md
// §4.5), teardown, and triage of the resulting sanitizer capture.
package supervisor

import (
	"time"

	"github.com/hlefeuvre/compartfuzz/internal/triage"
)

// Mode mirrors triage.Mode; re-exported here so callers configuring a
// Supervisor don't need to import the triage package directly.
type Mode = triage.Mode

const (
	SandboxMode = triage.SandboxMode
	SafeboxMode = triage.SafeboxMode
)

// Config holds everything a Supervisor needs for one session, matching the
// CLI surface of spec.md §6.2.
type Config struct {
	Mode Mode

	LibPaths   []string // -l N preceding library paths
	AppPath    string
	AppArgs    []string
	WorkloadPath string // -t P

	InstrumentRegex string // -r RX, forwarded to the instrumentation engine, not matched here

	WorkerTimeout time.Duration // -T S, default 30s
	Seed          int64         // -s S

	OutputRoot string // -O D

	Debug      bool
	HeavyDebug bool
	NoColor    bool

	ReproduceFalsePositives bool // -m
}

// RunDir is where this session's pipes and capture files live.
type RunDir struct {
	MonitorPipe string
	WorkerPipe  string
	AppLog      string // sanitizer capture, truncated each run
}
