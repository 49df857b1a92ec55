package supervisor

import (
	"bytes"

	"github.com/hlefeuvre/compartfuzz/internal/corpus"
	"github.com/hlefeuvre/compartfuzz/internal/wire"
)

// ReplayAgainst drives the live worker using a previously recorded
// reference corpus (spec.md §4.6.1). The replay cursor advances through ref
// whenever the live opcode — and, for *_CALL events, the function-name
// payload — matches the cursor event. On a match, every monitor message
// recorded under that cursor event replays verbatim, except
// MONITOR_INSTRUMENT_ORDER, which is re-derived live (callback addresses
// can shift between runs). On a mismatch the protocol is still driven with
// a plain ack/nop but the cursor does not advance; once the cursor reaches
// the end of ref, further events are driven but ignored.
// ReplayAgainst returns consumed=true iff the cursor reached the end of
// ref before the worker died (spec.md §4.6.1's FAILURE/not-FAILURE split).
func (s *Supervisor) ReplayAgainst(ref *corpus.Corpus) (consumed bool, err error) {
	cursor := 0
	for {
		op, err := wire.ReadOpcode(wire.Fd(s.workerPipe), s.cfg.WorkerTimeout)
		if err != nil {
			// Peer-closed or timeout: the worker died or the replay ran to
			// completion. Either way this is the normal end of one replay
			// attempt; the caller inspects the sanitizer capture next.
			return cursor >= ref.Len(), nil
		}

		_ = s.refreshOracleIfNeeded(op)

		switch {
		case op.IsCall():
			if err := s.replayCallEvent(op, ref, &cursor); err != nil {
				return cursor >= ref.Len(), nil
			}
		case op.IsReturn():
			if err := s.replayReturnEvent(op, ref, &cursor); err != nil {
				return cursor >= ref.Len(), nil
			}
		default:
			// Worker garbage after handshake; end this replay attempt, the
			// reproducer will classify it by triage of whatever sanitizer
			// output resulted.
			return cursor >= ref.Len(), nil
		}
	}
}

func (s *Supervisor) replayCallEvent(op wire.Opcode, ref *corpus.Corpus, cursor *int) error {
	call, err := s.readCallEvent(s.cfg.WorkerTimeout)
	if err != nil {
		return err
	}
	s.Corpus.PushEvent(wire.Event{Opcode: op, Payload: call.Name})

	matched := *cursor < ref.Len() &&
		ref.At(*cursor).Event.Opcode == op &&
		bytes.Equal(ref.At(*cursor).Event.Payload, call.Name)

	if !matched {
		return s.writeMessage(wire.MonitorExecAck, nil)
	}

	// Instrumentation is re-derived live rather than replayed, since
	// callback addresses may differ run to run under ASLR.
	var argsMeta []argWithMeta
	for i, a := range call.Args {
		argsMeta = append(argsMeta, argWithMeta{Index: i, Size: a.Size, Value: a.Value})
	}
	s.pendingInstrument = nil
	s.observeCallArgs(argsMeta)
	for _, addr := range s.pendingInstrument {
		if err := s.writeMessage(wire.MonitorInstrumentOrder, []uint64{addr}); err != nil {
			return err
		}
	}

	for _, msg := range ref.At(*cursor).Messages {
		if msg.Opcode == wire.MonitorInstrumentOrder {
			continue
		}
		if err := s.writeMessage(msg.Opcode, msg.Words); err != nil {
			return err
		}
	}
	*cursor++
	return nil
}

func (s *Supervisor) replayReturnEvent(op wire.Opcode, ref *corpus.Corpus, cursor *int) error {
	if _, err := s.readReturnEvent(op, s.cfg.WorkerTimeout); err != nil {
		return err
	}
	s.Corpus.PushEvent(wire.Event{Opcode: op})

	matched := *cursor < ref.Len() && ref.At(*cursor).Event.Opcode == op
	if !matched {
		return s.writeMessage(wire.NopOpcode, nil)
	}

	for _, msg := range ref.At(*cursor).Messages {
		if msg.Opcode == wire.MonitorInstrumentOrder {
			continue
		}
		if err := s.writeMessage(msg.Opcode, msg.Words); err != nil {
			return err
		}
	}
	*cursor++
	return nil
}
