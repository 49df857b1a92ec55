package supervisor

import (
	"fmt"

	"github.com/hlefeuvre/compartfuzz/internal/wire"
)

// Run drives the mode-specific inner loop (spec.md §4.5.1 / §4.5.2) until
// a read fails or the worker dies. It returns nil when the loop ended
// because the worker's pipe closed or timed out (the normal end-of-run
// path to teardown+triage), and a non-nil error only for conditions the
// caller should treat as abnormal (currently unused, reserved for protocol
// errors a future caller wants to distinguish).
func (s *Supervisor) Run() error {
	for {
		op, err := wire.ReadOpcode(wire.Fd(s.workerPipe), s.cfg.WorkerTimeout)
		if err != nil {
			// Peer-closed or timeout: the worker is gone or stuck. Either
			// way, the inner loop ends here and the caller proceeds to
			// teardown + triage (spec.md §5 "Failure model").
			return nil
		}

		// Oracle refresh errors are not fatal: until the library is
		// mapped, pointer classification just treats everything as
		// non-code.
		_ = s.refreshOracleIfNeeded(op)

		switch op {
		case wire.WorkerLibraryCall:
			if err := s.handleLibraryCall(); err != nil {
				return nil
			}
		case wire.WorkerCallbackCall:
			if err := s.handleCallbackCall(); err != nil {
				return nil
			}
		case wire.WorkerLibraryReturn, wire.WorkerLibraryReturnNoRetval:
			if err := s.handleLibraryReturn(op); err != nil {
				return nil
			}
		case wire.WorkerCallbackReturn, wire.WorkerCallbackReturnNoRetval:
			if err := s.handleCallbackReturn(op); err != nil {
				return nil
			}
		default:
			// Any other known opcode (WORKER_UP again, or a monitor-side
			// opcode) is a protocol error: the worker is likely dying
			// (spec.md §4.5.1 end). INVALID_OPCODE and unknown values never
			// reach this arm: ReadOpcode reports them as an error, which
			// ends the loop above.
			s.Corpus.PushEvent(wire.Event{Opcode: op})
			return nil
		}
	}
}

func (s *Supervisor) refreshOracleIfNeeded(op wire.Opcode) error {
	if !op.IsCall() {
		return nil
	}
	if err := s.Oracle.Refresh(); err != nil {
		return err
	}
	s.Mutator.RefreshPools(s.Oracle)
	return nil
}

func (s *Supervisor) isPointerFn() func(uint64) bool {
	return func(v uint64) bool { return s.Oracle.IsPointer(v) && !s.Oracle.IsCode(v) }
}

// handleLibraryCall implements the WORKER_LIBRARY_CALL arm for both modes:
// sandbox never mutates (the application calling into the library is
// trusted in sandbox mode — the library is the attacker), observes
// pointers/callbacks; safebox mutates arguments (the application is the
// attacker supplying inputs to the library).
func (s *Supervisor) handleLibraryCall() error {
	call, err := s.readCallEvent(s.cfg.WorkerTimeout)
	if err != nil {
		return err
	}
	s.knownCallSites[call.CallSite] = true
	s.Corpus.PushEvent(wire.Event{Opcode: wire.WorkerLibraryCall, Payload: call.Name})

	mutateArgs := s.cfg.Mode == SafeboxMode
	return s.finishCallArm(call, mutateArgs, /* rememberForWrite */ s.cfg.Mode == SandboxMode)
}

// handleCallbackCall implements WORKER_CALLBACK_CALL: sandbox mutates (the
// library issuing a callback into the application is the attacker
// supplying hostile inputs); safebox never mutates (the application's own
// callback invocation is trusted there).
func (s *Supervisor) handleCallbackCall() error {
	call, err := s.readCallEvent(s.cfg.WorkerTimeout)
	if err != nil {
		return err
	}
	s.Corpus.PushEvent(wire.Event{Opcode: wire.WorkerCallbackCall, Payload: call.Name})

	mutateArgs := s.cfg.Mode == SandboxMode
	return s.finishCallArm(call, mutateArgs, false)
}

// finishCallArm is shared by both *_CALL arms: observe args for
// auto-instrumentation (both modes do this, since callbacks can surface
// either direction), optionally mutate them, then close the reply with
// MONITOR_EXEC_ACK.
func (s *Supervisor) finishCallArm(call callEvent, mutateArgs, remember bool) error {
	s.pendingInstrument = nil
	var argsMeta []argWithMeta
	for i, a := range call.Args {
		argsMeta = append(argsMeta, argWithMeta{Index: i, Size: a.Size, Value: a.Value})
	}
	remembered := s.observeCallArgs(argsMeta)

	for _, addr := range s.pendingInstrument {
		if err := s.writeMessage(wire.MonitorInstrumentOrder, []uint64{addr}); err != nil {
			return err
		}
	}

	if mutateArgs {
		for i, a := range call.Args {
			newVal := s.Mutator.MutateValue(a.Value, s.isPointerFn())
			if s.Mutator.ShouldAttempt() && newVal != a.Value {
				if err := s.writeMessage(wire.MonitorWriteargOrder, []uint64{uint64(i), newVal}); err != nil {
					return err
				}
			}
		}
	}

	if remember {
		s.remembered = remembered
	} else {
		s.remembered = nil
	}

	return s.writeMessage(wire.MonitorExecAck, nil)
}

// handleLibraryReturn implements WORKER_LIBRARY_RETURN{,_NO_RETVAL}:
// sandbox writes through remembered shared pointers and may mutate the
// return value (library is the attacker corrupting caller-owned memory);
// safebox trusts library returns entirely.
func (s *Supervisor) handleLibraryReturn(op wire.Opcode) error {
	ret, err := s.readReturnEvent(op, s.cfg.WorkerTimeout)
	if err != nil {
		return err
	}
	s.Corpus.PushEvent(wire.Event{Opcode: op})

	if s.cfg.Mode == SandboxMode {
		if err := s.writeThroughRemembered(); err != nil {
			return err
		}
		return s.closeReturnArm(ret, true)
	}

	s.remembered = nil
	return s.closeReturnArm(ret, false)
}

// handleCallbackReturn implements WORKER_CALLBACK_RETURN{,_NO_RETVAL}:
// sandbox never mutates (spec.md §4.5.1, the library's own callback return
// is not an application-controlled value); safebox mutates the return
// value (the application's hostile callback implementation returning to
// the library).
func (s *Supervisor) handleCallbackReturn(op wire.Opcode) error {
	ret, err := s.readReturnEvent(op, s.cfg.WorkerTimeout)
	if err != nil {
		return err
	}
	s.Corpus.PushEvent(wire.Event{Opcode: op})

	mutate := s.cfg.Mode == SafeboxMode
	return s.closeReturnArm(ret, mutate)
}

// closeReturnArm emits MONITOR_RETURN_ORDER if the return value was
// mutated, else NOP_OPCODE, closing the *_RETURN* reply (spec.md §4.5.1).
func (s *Supervisor) closeReturnArm(ret returnEvent, allowMutate bool) error {
	if allowMutate && ret.HasRetval {
		newVal := s.Mutator.MutateValue(ret.Retval, s.isPointerFn())
		if s.Mutator.ShouldAttempt() && newVal != ret.Retval {
			return s.writeMessage(wire.MonitorReturnOrder, []uint64{newVal})
		}
	}
	return s.writeMessage(wire.NopOpcode, nil)
}

// writeMessage writes opcode+words to the monitor pipe and records it in
// the corpus as the reply to the most recently pushed event.
func (s *Supervisor) writeMessage(op wire.Opcode, words []uint64) error {
	if err := wire.WriteFrame(wire.Fd(s.monitorPipe), &op, words); err != nil {
		return fmt.Errorf("writing %v: %w", op, err)
	}
	s.Corpus.PushMessage(wire.Message{Opcode: op, Words: words})
	return nil
}
