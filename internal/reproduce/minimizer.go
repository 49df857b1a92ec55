package reproduce

import (
	"github.com/hlefeuvre/compartfuzz/internal/corpus"
	"github.com/hlefeuvre/compartfuzz/internal/wire"
)

// CriticalEndpoint names a library function whose event in the minimized
// corpus carried a non-trivial reply, i.e. materially participated in
// causing the crash (spec.md §4.6.2, final paragraph).
type CriticalEndpoint struct {
	EventIndex int
	Name       string
}

// MinimizeResult is the outcome of one Minimize call.
type MinimizeResult struct {
	Minimized *corpus.Corpus
	Converged bool // true iff a sufficiency probe succeeded (witness found)
	Critical  []CriticalEndpoint
}

// Minimize implements the delta-debug-style shrink of spec.md §4.6.2: walk
// events in reverse, within each event walk recorded messages in reverse,
// and for each message probe whether it's sufficient on its own (against
// the minimized corpus built so far) or necessary (by trying to drop it
// from the working corpus). maxAttemptsDuringReproduce is the budget the
// original reproduce() call used to confirm this crash; each probe here
// gets three times that budget (spec.md's N).
func (r *Reproducer) Minimize(backup *corpus.Corpus, targetCrashID int, maxAttemptsDuringReproduce int) MinimizeResult {
	budget := maxAttemptsDuringReproduce * 3
	probe := func(ref *corpus.Corpus) Outcome { return r.Reproduce(ref, targetCrashID, budget) }
	return minimizeWithProbe(backup, probe)
}

// minimizeWithProbe is the algorithm core, taking the reproduce probe as a
// function so it can be exercised directly against a stub in tests without
// spawning real worker sessions.
func minimizeWithProbe(backup *corpus.Corpus, probe func(ref *corpus.Corpus) Outcome) MinimizeResult {
	backupEntries := backup.Entries()
	workingEntries := backup.Entries()
	minimizedEntries := backup.EmptyLike().Entries()

	converged := false

outer:
	for ei := len(backupEntries) - 1; ei >= 0; ei-- {
		msgs := backupEntries[ei].Messages
		keepWorking := make([]bool, len(msgs))
		necessary := make([]bool, len(msgs))
		for i := range keepWorking {
			keepWorking[i] = true
		}

		for mi := len(msgs) - 1; mi >= 0; mi-- {
			m := msgs[mi]

			// Sufficiency: minimized-so-far, with m reinstated at this event.
			necessary[mi] = true
			candidateMsgs := selectMessages(msgs, necessary)
			candidate := cloneEntries(minimizedEntries)
			candidate[ei].Messages = candidateMsgs
			if probe(corpus.FromEntries(candidate)) == Success {
				minimizedEntries = candidate
				converged = true
				break outer
			}
			necessary[mi] = false

			// Necessity: working, with m dropped at this event.
			keepWorking[mi] = false
			trialMsgs := selectMessages(msgs, keepWorking)
			trial := cloneEntries(workingEntries)
			trial[ei].Messages = trialMsgs
			if probe(corpus.FromEntries(trial)) == Success {
				workingEntries = trial // message was not necessary; commit the drop
			} else {
				keepWorking[mi] = true
				necessary[mi] = true
				minimizedEntries[ei].Messages = selectMessages(msgs, necessary)
			}
		}
	}

	result := corpus.FromEntries(minimizedEntries)
	return MinimizeResult{
		Minimized: result,
		Converged: converged,
		Critical:  criticalEndpoints(minimizedEntries),
	}
}

func selectMessages(msgs []wire.Message, keep []bool) []wire.Message {
	var out []wire.Message
	for i, m := range msgs {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

func cloneEntries(entries []corpus.Entry) []corpus.Entry {
	out := make([]corpus.Entry, len(entries))
	for i, e := range entries {
		msgs := make([]wire.Message, len(e.Messages))
		copy(msgs, e.Messages)
		out[i] = corpus.Entry{Event: e.Event, Messages: msgs}
	}
	return out
}

// criticalEndpoints collects the *_CALL events in the minimized corpus
// whose reply list has any message other than MONITOR_INSTRUMENT_ORDER and
// MONITOR_EXEC_ACK, naming them by their recorded function-name payload.
func criticalEndpoints(entries []corpus.Entry) []CriticalEndpoint {
	var out []CriticalEndpoint
	for i, e := range entries {
		if !e.Event.Opcode.IsCall() {
			continue
		}
		material := false
		for _, m := range e.Messages {
			if m.Opcode != wire.MonitorInstrumentOrder && m.Opcode != wire.MonitorExecAck {
				material = true
				break
			}
		}
		if material {
			out = append(out, CriticalEndpoint{EventIndex: i, Name: string(e.Event.Payload)})
		}
	}
	return out
}
