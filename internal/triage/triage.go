// Package triage classifies a just-died worker's sanitizer capture into
// crash/false-positive/duplicate, per spec.md §4.4.
package triage

import (
	"bufio"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/hlefeuvre/compartfuzz/internal/corpus"
	"github.com/hlefeuvre/compartfuzz/internal/oracle"
	"github.com/hlefeuvre/compartfuzz/internal/wire"
)

// Mode selects which side of the library/application boundary is treated
// as the attacker (spec.md §1, §4.4).
type Mode int

const (
	SandboxMode Mode = iota // library is attacker, application is victim
	SafeboxMode              // application is attacker, library is victim
)

// instrumentationSignature is the fixed engine-signature line that marks a
// termination as caused by the instrumentation engine itself, not the
// target (spec.md §4.4 step 1), grounded on conffuzz's
// "Tool (or Pin) caused signal 11" detector.
var instrumentationSignature = regexp.MustCompile(`Tool \(or Pin\) caused signal \d+`)

var sanitizerSignature = regexp.MustCompile(`AddressSanitizer:DEADLYSIGNAL|ERROR: AddressSanitizer:`)

// frameRegex matches one sanitizer stack frame line such as
// "    #0 0x5555555ce0c8 in foo() /path/to/foo.c:12".
var frameRegex = regexp.MustCompile(`^\s*#\d+\s+0x([0-9a-fA-F]+)`)

// hexLiteral only matches a hex literal that ends at a word boundary, so the
// "0xaddr" placeholder itself is left alone and normalize stays idempotent.
var hexLiteral = regexp.MustCompile(`0x[0-9a-fA-F]+\b`)

// sanitizerFramePattern matches a stack frame whose symbol is part of the
// sanitizer runtime itself (its interceptors and internal reporting code),
// rather than target code — spec.md §3 step (ii) drops these before the
// trace is used as a dedup key.
var sanitizerFramePattern = regexp.MustCompile(`\b(__asan_|__sanitizer_|__interceptor_|asan_)\w*`)

// Verdict is the outcome of classifying one sanitizer capture.
type Verdict int

const (
	NotACrash Verdict = iota
	InstrumentationCrash
	FalsePositive
	SigsegvNoReport
	SanitizerCrash
)

func (v Verdict) String() string {
	switch v {
	case NotACrash:
		return "not_a_crash"
	case InstrumentationCrash:
		return "instrumentation_crash"
	case FalsePositive:
		return "false_positive"
	case SigsegvNoReport:
		return "sigsegv_no_report"
	case SanitizerCrash:
		return "sanitizer_crash"
	default:
		return "unknown"
	}
}

// Result is the full classification of one died-worker analysis.
type Result struct {
	Verdict        Verdict
	NormalizedTrace string // dedup key, set for SanitizerCrash
	IsNewCrash     bool   // true iff NormalizedTrace was never seen before
	CrashID        int    // allocated or matched crash ID, valid for SanitizerCrash/SigsegvNoReport
}

// Triager holds the dedup table across the whole session.
type Triager struct {
	mode Mode

	seen    map[string]int // normalized trace -> crash ID
	nextID  int
	impacts map[int]map[string]bool
}

// New creates a Triager for the given mode.
func New(mode Mode) *Triager {
	return &Triager{mode: mode, seen: make(map[string]int), impacts: make(map[int]map[string]bool)}
}

// Classify reads the sanitizer capture file at logPath and the last
// recorded corpus to produce a Result, per the decision tree in spec.md
// §4.4. sawSigsegv should be true when the worker's wait status reported a
// bare SIGSEGV (no sanitizer report available at all).
func (tr *Triager) Classify(o *oracle.Oracle, c *corpus.Corpus, logPath string, sawSigsegv bool) (Result, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			return Result{}, err
		}
	}
	text := string(data)

	if instrumentationSignature.MatchString(text) {
		return Result{Verdict: InstrumentationCrash}, nil
	}

	if sanitizerSignature.MatchString(text) || hasStackTrace(text) {
		trace := dropSanitizerFrames(extractPrimaryTrace(text))
		if isFalsePositive(o, c, trace, tr.mode) {
			return Result{Verdict: FalsePositive}, nil
		}
		normalized := normalize(trace)
		id, isNew := tr.allocateID(normalized)
		return Result{Verdict: SanitizerCrash, NormalizedTrace: normalized, IsNewCrash: isNew, CrashID: id}, nil
	}

	if sawSigsegv {
		// No sanitizer report: count as a crash, but no dedup key and no
		// false-positive filter (spec.md §4.4 step 3).
		id := tr.nextID
		tr.nextID++
		return Result{Verdict: SigsegvNoReport, IsNewCrash: true, CrashID: id}, nil
	}

	return Result{Verdict: NotACrash}, nil
}

func (tr *Triager) allocateID(normalized string) (int, bool) {
	if id, ok := tr.seen[normalized]; ok {
		return id, false
	}
	id := tr.nextID
	tr.nextID++
	tr.seen[normalized] = id
	return id, true
}

func hasStackTrace(text string) bool {
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		if frameRegex.MatchString(sc.Text()) {
			return true
		}
	}
	return false
}

// extractPrimaryTrace keeps only the first stack trace (ASan sometimes
// prints allocation traces for the touched memory after the crash trace),
// grounded on conffuzz's keepOnlyFirstTrace.
func extractPrimaryTrace(text string) string {
	lines := strings.Split(text, "\n")
	var frames []string
	started := false
	for _, line := range lines {
		if frameRegex.MatchString(line) {
			started = true
			frames = append(frames, line)
			continue
		}
		if started {
			// First non-frame line after the trace started ends it.
			break
		}
	}
	return strings.Join(frames, "\n")
}

// dropSanitizerFrames removes frames whose symbol names the sanitizer
// runtime itself, keeping only target-attributed frames in the dedup key
// (spec.md §3 step (ii)).
func dropSanitizerFrames(trace string) string {
	var kept []string
	for _, line := range strings.Split(trace, "\n") {
		if sanitizerFramePattern.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// normalize replaces hex literals with a fixed placeholder (spec.md §3 step
// (iii)); sanitizer-range frames are already dropped by dropSanitizerFrames
// before this runs (step (ii)).
func normalize(trace string) string {
	return hexLiteral.ReplaceAllString(trace, "0xaddr")
}

// isFalsePositive walks the stack top-down, skipping stdlib frames. The
// first non-stdlib frame decides the verdict; if every frame is stdlib,
// fall back to the last recorded event (spec.md §4.4).
func isFalsePositive(o *oracle.Oracle, c *corpus.Corpus, trace string, mode Mode) bool {
	sc := bufio.NewScanner(strings.NewReader(trace))
	for sc.Scan() {
		m := frameRegex.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		addr, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}

		if o.IsStdlibCode(addr) {
			continue // keep walking up
		}

		inLib := o.IsLibCode(addr)
		if mode == SandboxMode {
			// library is attacker: a frame inside the instrumented
			// library means the crash is a false positive.
			return inLib
		}
		// safebox mode: reversed polarity.
		return !inLib
	}

	// No non-stdlib frame decided the verdict.
	return fallbackFromLastEvent(c, mode)
}

func fallbackFromLastEvent(c *corpus.Corpus, mode Mode) bool {
	ev, ok := c.LastEvent()
	if !ok {
		return false
	}
	// Skip a trailing INVALID_OPCODE when looking for the last real event.
	if ev.Opcode == wire.InvalidOpcode {
		entries := c.Entries()
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Event.Opcode != wire.InvalidOpcode {
				ev = entries[i].Event
				break
			}
		}
	}

	isReturnVariant := ev.Opcode == wire.WorkerLibraryReturn || ev.Opcode == wire.WorkerLibraryReturnNoRetval ||
		ev.Opcode == wire.WorkerCallbackReturn || ev.Opcode == wire.WorkerCallbackReturnNoRetval

	if mode == SandboxMode {
		// spec.md §4.4: LIBRARY_RETURN* or CALLBACK_RETURN* -> false positive.
		return isReturnVariant
	}
	// safebox mode: LIBRARY_CALL or the return variants -> false positive.
	return ev.Opcode == wire.WorkerLibraryCall || isReturnVariant
}
