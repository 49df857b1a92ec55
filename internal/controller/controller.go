// Package controller implements the outer session loop of spec.md §4.7:
// run the supervisor one outer iteration at a time, and whenever a
// fuzzing_run() reports a new crash, hand it to the reproduce/minimize
// pipeline and finalize artifacts on disk.
package controller

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/hlefeuvre/compartfuzz/internal/mutator"
	"github.com/hlefeuvre/compartfuzz/internal/reproduce"
	"github.com/hlefeuvre/compartfuzz/internal/supervisor"
	"github.com/hlefeuvre/compartfuzz/internal/triage"
)

// reproduceBudget is the fixed number of reproduce() tries spent on a
// freshly discovered crash before it is declared non-reproducible
// (spec.md §4.7).
const reproduceBudget = 30

// Controller owns one session: a Config template for spawning Supervisors,
// the shared Triager all iterations and reproduce attempts triage against,
// and the artifact tree the session's findings land in.
type Controller struct {
	cfgTemplate supervisor.Config
	workDir     string // scratch dir for per-iteration FIFOs, unique per session

	triager *triage.Triager
	mutator *mutator.Mutator
	tree    *artifactTree
	info    *sessionInfo

	iteration        int
	nextSlot         int
	maxCallSitesSeen int
	seenNonASan      map[int]bool
	fpCount          int
}

// New creates a Controller. cfgTemplate.OutputRoot determines where
// crashes/ is rooted; workDir holds the ephemeral named pipes and per-run
// sanitizer logs, named uniquely per session so concurrent sessions never
// collide on the same FIFO path.
func New(cfgTemplate supervisor.Config) *Controller {
	sessionUUID := uuid.NewString()
	workDir := filepath.Join(os.TempDir(), "compartfuzz-"+sessionUUID)

	return &Controller{
		cfgTemplate: cfgTemplate,
		workDir:     workDir,
		triager:     triage.New(cfgTemplate.Mode),
		mutator:     mutator.New(cfgTemplate.Seed),
		tree:        newArtifactTree(cfgTemplate.OutputRoot),
		info:        newSessionInfo(cfgTemplate.Seed, time.Now()),
		seenNonASan: make(map[int]bool),
	}
}

// nextRunDir allocates a fresh RunDir rooted in the controller's workDir,
// disambiguated by an ever-increasing slot counter shared by both outer
// iterations and the extra sessions reproduce/minimize spawn, so no two
// live sessions ever share FIFO paths.
func (c *Controller) nextRunDir() supervisor.RunDir {
	slot := c.nextSlot
	c.nextSlot++
	base := filepath.Join(c.workDir, fmt.Sprintf("slot%d", slot))
	return supervisor.RunDir{
		MonitorPipe: filepath.Join(base, "monitor.fifo"),
		WorkerPipe:  filepath.Join(base, "worker.fifo"),
		AppLog:      filepath.Join(base, "app.log"),
	}
}

func (c *Controller) ensureRunDir(dir supervisor.RunDir) error {
	return os.MkdirAll(filepath.Dir(dir.MonitorPipe), 0o755)
}

// Run drives `iterations` outer loops (spec.md §4.7), or forever when
// iterations <= 0. It returns the first unrecoverable error encountered;
// individual iteration failures are logged and skipped.
func (c *Controller) Run(iterations int) error {
	defer func() {
		c.info.End = time.Now()
		c.info.MaxCallSites = c.maxCallSitesSeen
		if err := c.info.write(c.tree.sessionInfoPath()); err != nil {
			log.Warnf("controller: writing session_info.txt: %v", err)
		}
		// Reproduce/minimize spawn extra sessions outside the per-iteration
		// cleanup below (their RunDirs are allocated from the same
		// workDir), so sweep whatever is left in one pass.
		_ = os.RemoveAll(c.workDir)
	}()

	for i := 0; iterations <= 0 || i < iterations; i++ {
		if err := c.runOnce(i); err != nil {
			return err
		}
		c.iteration++
		c.info.Iterations = c.iteration
	}
	return nil
}

func (c *Controller) runOnce(iteration int) error {
	dir := c.nextRunDir()
	if err := c.ensureRunDir(dir); err != nil {
		return fmt.Errorf("preparing run dir: %w", err)
	}
	defer os.RemoveAll(filepath.Dir(dir.MonitorPipe))

	sess := supervisor.New(c.cfgTemplate, dir, c.mutator)

	outcome, result, err := c.fuzzingRun(sess)
	if c.maxCallSitesSeen < sess.MaxCallSites() {
		c.maxCallSitesSeen = sess.MaxCallSites()
	}
	if err != nil {
		log.Warnf("controller: iteration %d: %v", iteration, err)
		return nil
	}

	c.mutator.NoteRunOutcome(outcome == fuzzingRunNew)

	switch outcome {
	case fuzzingRunNew:
		return c.handleNewCrash(sess, result)
	case fuzzingRunNonASan:
		return c.handleNonASanCrash(sess, result)
	case fuzzingRunFalsePositive:
		if c.cfgTemplate.ReproduceFalsePositives {
			c.handleFalsePositive(sess)
		}
		return nil
	default:
		return nil
	}
}

// fuzzingRunOutcome is the coarse result spec.md §4.7 dispatches on.
type fuzzingRunOutcome int

const (
	fuzzingRunClean fuzzingRunOutcome = iota
	fuzzingRunFalsePositive
	fuzzingRunKnown
	fuzzingRunNonASan
	fuzzingRunNew
)

// fuzzingRun performs one full spec.md §4.5 session: setup, spawn, shake
// hands, run the mode-specific loop to completion, tear down, and triage
// whatever the worker left behind.
func (c *Controller) fuzzingRun(sess *supervisor.Supervisor) (fuzzingRunOutcome, triage.Result, error) {
	if err := sess.Setup(); err != nil {
		return fuzzingRunClean, triage.Result{}, fmt.Errorf("setup: %w", err)
	}
	defer sess.Close()

	if err := sess.SpawnWorker(); err != nil {
		return fuzzingRunClean, triage.Result{}, fmt.Errorf("spawning worker: %w", err)
	}
	if err := sess.SpawnWorkloadDriver(); err != nil {
		return fuzzingRunClean, triage.Result{}, fmt.Errorf("spawning workload driver: %w", err)
	}

	if err := sess.Handshake(); err != nil {
		_ = sess.Teardown()
		return fuzzingRunClean, triage.Result{}, nil
	}

	if err := sess.Run(); err != nil {
		_ = sess.Teardown()
		return fuzzingRunClean, triage.Result{}, fmt.Errorf("running loop: %w", err)
	}

	if err := sess.Teardown(); err != nil {
		log.Debugf("controller: teardown reported: %v", err)
	}

	result, err := c.triager.Classify(sess.Oracle, sess.Corpus, sess.AppLogPath(), sess.SawSigsegv())
	if err != nil {
		return fuzzingRunClean, triage.Result{}, fmt.Errorf("triage: %w", err)
	}
	return classifyOutcome(result), result, nil
}

// classifyOutcome maps one triage.Result to the coarse dispatch outcome
// runOnce acts on (spec.md §4.7).
func classifyOutcome(result triage.Result) fuzzingRunOutcome {
	switch result.Verdict {
	case triage.FalsePositive:
		return fuzzingRunFalsePositive
	case triage.SigsegvNoReport:
		if result.IsNewCrash {
			return fuzzingRunNonASan
		}
		return fuzzingRunKnown
	case triage.SanitizerCrash:
		if result.IsNewCrash {
			return fuzzingRunNew
		}
		return fuzzingRunKnown
	default:
		return fuzzingRunClean
	}
}

// handleNewCrash snapshots the live corpus, attempts to reproduce it
// against a string of fresh sessions, and finalizes artifacts either way
// (spec.md §4.6, §4.7, §6.3).
func (c *Controller) handleNewCrash(sess *supervisor.Supervisor, result triage.Result) error {
	backup := sess.Corpus.Reference()

	if err := writeCrashTrace(c.tree.bugDir(result.CrashID), result.NormalizedTrace); err != nil {
		log.Warnf("controller: writing crash_trace.txt: %v", err)
	}

	rep := reproduce.New(func() (*supervisor.Supervisor, error) {
		dir := c.nextRunDir()
		if err := c.ensureRunDir(dir); err != nil {
			return nil, err
		}
		return supervisor.New(c.cfgTemplate, dir, c.mutator), nil
	}, c.triager)

	outcome := rep.Reproduce(backup, result.CrashID, reproduceBudget)
	if outcome == reproduce.CritError {
		return fmt.Errorf("reproduce: persistent setup failure on crash %d", result.CrashID)
	}

	reproducible := outcome == reproduce.Success
	bugDir := c.tree.bugDir(result.CrashID)

	if err := writeRunArtifacts(bugDir, 0, backup, sess.AppLogPath(), sess.Oracle); err != nil {
		log.Warnf("controller: writing run artifacts: %v", err)
	}

	info := crashInfo{
		CrashID:         result.CrashID,
		Verdict:         result.Verdict,
		Reproducible:    reproducible,
		ReproduceResult: outcome.String(),
	}

	if reproducible {
		minResult := rep.Minimize(backup, result.CrashID, reproduceBudget)
		if err := writeMinimal(bugDir, minResult); err != nil {
			log.Warnf("controller: writing minimized corpus: %v", err)
		}
		c.info.recordCritical(minResult.Critical)
	}

	return writeCrashInfo(bugDir, info)
}

// handleNonASanCrash finalizes a bare-SIGSEGV crash that never produced a
// sanitizer report (spec.md §4.4 step 3, §6.3's bugs-non-ASan/ tree). These
// have no dedup trace to reproduce against, so they are recorded once per
// crash ID without attempting reproduce/minimize.
func (c *Controller) handleNonASanCrash(sess *supervisor.Supervisor, result triage.Result) error {
	if c.seenNonASan[result.CrashID] {
		return nil
	}
	c.seenNonASan[result.CrashID] = true

	bugDir := c.tree.nonASanDir(result.CrashID)
	backup := sess.Corpus.Reference()
	if err := writeRunArtifacts(bugDir, 0, backup, sess.AppLogPath(), sess.Oracle); err != nil {
		log.Warnf("controller: writing non-ASan run artifacts: %v", err)
	}
	return writeCrashInfo(bugDir, crashInfo{
		CrashID:         result.CrashID,
		Verdict:         result.Verdict,
		Reproducible:    false,
		ReproduceResult: "not attempted (no sanitizer report)",
	})
}

// handleFalsePositive persists a triaged false positive when -m requested
// the data for manual review (spec.md §4.4, §6.3's false-positives/ tree).
// Errors are logged, not propagated: losing one false-positive capture
// should never abort the session.
func (c *Controller) handleFalsePositive(sess *supervisor.Supervisor) {
	idx := c.fpCount
	c.fpCount++

	dir := c.tree.falsePositiveDir(idx)
	backup := sess.Corpus.Reference()
	if err := writeRunArtifacts(dir, 0, backup, sess.AppLogPath(), sess.Oracle); err != nil {
		log.Warnf("controller: writing false-positive artifacts: %v", err)
	}
}
