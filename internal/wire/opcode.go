// Package wire implements the binary framed protocol spoken between the
// supervisor and the instrumented worker over a pair of named pipes.
package wire

import "fmt"

// Opcode is the 32-bit tag that begins every frame on either pipe.
type Opcode uint32

// Opcode values. INVALID_OPCODE (0) is never sent on the wire; seeing it
// indicates a corrupted or garbage frame.
const (
	InvalidOpcode Opcode = 0
	NopOpcode     Opcode = 1

	// Worker -> Monitor
	WorkerUp                      Opcode = 2
	WorkerLibraryCall             Opcode = 3
	WorkerCallbackCall            Opcode = 4
	WorkerLibraryReturn           Opcode = 5
	WorkerLibraryReturnNoRetval   Opcode = 6
	WorkerCallbackReturn          Opcode = 7
	WorkerCallbackReturnNoRetval  Opcode = 8

	// Monitor -> Worker
	MonitorUpAck            Opcode = 9
	MonitorInstrumentOrder  Opcode = 10
	MonitorWriteargOrder    Opcode = 11
	MonitorExecAck          Opcode = 12
	MonitorWriteOrder       Opcode = 13
	MonitorReturnOrder      Opcode = 14
)

// MaxArgs is the maximum argument count a *_CALL event may carry, matching
// the original instrumentation's fixed argument buffer.
const MaxArgs = 17

var opcodeNames = map[Opcode]string{
	InvalidOpcode:                "INVALID_OPCODE",
	NopOpcode:                    "NOP_OPCODE",
	WorkerUp:                     "WORKER_UP",
	WorkerLibraryCall:            "WORKER_LIBRARY_CALL",
	WorkerCallbackCall:           "WORKER_CALLBACK_CALL",
	WorkerLibraryReturn:          "WORKER_LIBRARY_RETURN",
	WorkerLibraryReturnNoRetval:  "WORKER_LIBRARY_RETURN_NO_RETVAL",
	WorkerCallbackReturn:         "WORKER_CALLBACK_RETURN",
	WorkerCallbackReturnNoRetval: "WORKER_CALLBACK_RETURN_NO_RETVAL",
	MonitorUpAck:                 "MONITOR_UP_ACK",
	MonitorInstrumentOrder:       "MONITOR_INSTRUMENT_ORDER",
	MonitorWriteargOrder:         "MONITOR_WRITEARG_ORDER",
	MonitorExecAck:               "MONITOR_EXEC_ACK",
	MonitorWriteOrder:            "MONITOR_WRITE_ORDER",
	MonitorReturnOrder:           "MONITOR_RETURN_ORDER",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", uint32(o))
}

// IsCall reports whether o is a *_CALL opcode (carries call-site,
// name, and argument list framing).
func (o Opcode) IsCall() bool {
	return o == WorkerLibraryCall || o == WorkerCallbackCall
}

// IsReturn reports whether o is a *_RETURN{,_NO_RETVAL} opcode.
func (o Opcode) IsReturn() bool {
	switch o {
	case WorkerLibraryReturn, WorkerLibraryReturnNoRetval,
		WorkerCallbackReturn, WorkerCallbackReturnNoRetval:
		return true
	}
	return false
}

// HasRetval reports whether o's return event carries a retval word.
func (o Opcode) HasRetval() bool {
	return o == WorkerLibraryReturn || o == WorkerCallbackReturn
}

// Known reports whether o is a defined opcode (anything else seen on the
// wire after the handshake is worker garbage).
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}
