// Package reproduce implements the deterministic replay-and-minimize loop
// of spec.md §4.6: prove a recorded crash reproduces against a fresh
// worker, then shrink the recording to a minimal witness.
package reproduce

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hlefeuvre/compartfuzz/internal/corpus"
	"github.com/hlefeuvre/compartfuzz/internal/supervisor"
	"github.com/hlefeuvre/compartfuzz/internal/triage"
)

// Outcome is one reproduce() attempt's result (spec.md §4.6.1).
type Outcome int

const (
	Success Outcome = iota
	Unreproducible
	Failure
	ErrorOutcome
	CritError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "SUCCESS"
	case Unreproducible:
		return "UNREPRODUCIBLE"
	case Failure:
		return "FAILURE"
	case ErrorOutcome:
		return "ERROR"
	case CritError:
		return "CRIT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// transientPause is how long a reproduce attempt waits after a session-
// setup ERROR before retrying, without consuming the budget.
const transientPause = 200 * time.Millisecond

// maxConsecutiveSetupErrors bounds how many ERRORs in a row (a failed
// session construction, or an attempt that ended in ERROR) are tolerated
// before treating the condition as a CRIT_ERROR: a
// persistently failing environment (e.g. the binary was removed mid-run)
// must not spin the reproduce loop forever without consuming its budget.
const maxConsecutiveSetupErrors = 8

// NewSession constructs one fresh reproduce/replay session. Implemented by
// the controller as a thin wrapper around supervisor.New with a per-attempt
// RunDir, so every attempt gets its own pipes and capture file.
type NewSession func() (*supervisor.Supervisor, error)

// Reproducer drives reproduce() attempts against a shared Triager so crash
// IDs allocated during replay compare equal to the ID from the original
// run (spec.md §4.6.1's "same crash-ID" success condition).
type Reproducer struct {
	newSession NewSession
	triager    *triage.Triager
}

// New creates a Reproducer. triager must be the same instance used for the
// original fuzzing run's triage, so dedup IDs line up.
func New(newSession NewSession, triager *triage.Triager) *Reproducer {
	return &Reproducer{newSession: newSession, triager: triager}
}

// Reproduce implements reproduce(ref, max_tries) (spec.md §4.6.1): spawn a
// fresh worker in a fresh session, replay ref against it, and classify the
// result. targetCrashID is the crash ID from the original triage this call
// is trying to confirm.
func (r *Reproducer) Reproduce(ref *corpus.Corpus, targetCrashID int, maxTries int) Outcome {
	tries := 0
	setupErrors := 0
	for tries < maxTries {
		sess, err := r.newSession()
		if err != nil {
			log.Debugf("reproduce: transient session setup error: %v", err)
			setupErrors++
			if setupErrors > maxConsecutiveSetupErrors {
				return CritError
			}
			time.Sleep(transientPause)
			continue // ERROR attempts don't count against the budget
		}

		outcome := r.attempt(sess, ref, targetCrashID)
		tries++

		switch outcome {
		case Success, Unreproducible:
			return outcome
		case CritError:
			return CritError
		case ErrorOutcome:
			tries-- // transient: retried without consuming the budget
			setupErrors++
			if setupErrors > maxConsecutiveSetupErrors {
				return CritError
			}
			time.Sleep(transientPause)
		case Failure:
			// consumed the budget slot; loop again if tries remain
			setupErrors = 0
		}
	}
	return Failure
}

func (r *Reproducer) attempt(sess *supervisor.Supervisor, ref *corpus.Corpus, targetCrashID int) Outcome {
	defer sess.Close()

	if err := sess.Setup(); err != nil {
		return ErrorOutcome
	}
	if err := sess.SpawnWorker(); err != nil {
		return ErrorOutcome
	}
	if err := sess.SpawnWorkloadDriver(); err != nil {
		return ErrorOutcome
	}
	if err := sess.Handshake(); err != nil {
		_ = sess.Teardown()
		return Failure
	}

	consumed, replayErr := sess.ReplayAgainst(ref)
	_ = sess.Teardown()
	if replayErr != nil {
		return ErrorOutcome
	}
	if !consumed {
		return Failure
	}

	result, err := r.triager.Classify(sess.Oracle, sess.Corpus, sess.AppLogPath(), sess.SawSigsegv())
	if err != nil {
		return ErrorOutcome
	}

	switch result.Verdict {
	case triage.SanitizerCrash, triage.SigsegvNoReport:
		if result.CrashID == targetCrashID {
			return Success
		}
		return Unreproducible
	default:
		return Unreproducible
	}
}
