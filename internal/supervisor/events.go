package supervisor

import (
	"time"

	"github.com/hlefeuvre/compartfuzz/internal/wire"
)

// callEvent is the decoded form of a WORKER_LIBRARY_CALL /
// WORKER_CALLBACK_CALL frame (spec.md §6.1).
type callEvent struct {
	CallSite uint64
	Name     []byte
	Args     []wire.Argument
}

func (s *Supervisor) readCallEvent(timeout time.Duration) (callEvent, error) {
	fd := wire.Fd(s.workerPipe)
	words, err := wire.ReadWords(fd, 2, timeout)
	if err != nil {
		return callEvent{}, err
	}
	callSite, nameLen := words[0], words[1]

	name, err := wire.ReadBytes(fd, int(nameLen), timeout)
	if err != nil {
		return callEvent{}, err
	}

	argcWords, err := wire.ReadWords(fd, 1, timeout)
	if err != nil {
		return callEvent{}, err
	}
	argc := int(argcWords[0])
	if argc > wire.MaxArgs {
		argc = wire.MaxArgs
	}

	args := make([]wire.Argument, 0, argc)
	for i := 0; i < argc; i++ {
		pair, err := wire.ReadWords(fd, 2, timeout)
		if err != nil {
			return callEvent{}, err
		}
		args = append(args, wire.Argument{Size: pair[0], Value: pair[1]})
	}

	return callEvent{CallSite: callSite, Name: name, Args: args}, nil
}

// returnEvent is the decoded form of a WORKER_LIBRARY_RETURN{,_NO_RETVAL} /
// WORKER_CALLBACK_RETURN{,_NO_RETVAL} frame.
type returnEvent struct {
	HasRetval bool
	Retval    uint64
}

func (s *Supervisor) readReturnEvent(op wire.Opcode, timeout time.Duration) (returnEvent, error) {
	if !op.HasRetval() {
		return returnEvent{}, nil
	}
	words, err := wire.ReadWords(wire.Fd(s.workerPipe), 1, timeout)
	if err != nil {
		return returnEvent{}, err
	}
	return returnEvent{HasRetval: true, Retval: words[0]}, nil
}
