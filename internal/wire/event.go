package wire

// Argument is one (size, value) pair from a *_CALL event's argument list.
type Argument struct {
	Size  uint64
	Value uint64
}

// Event is one worker->monitor occurrence: an opcode plus, for *_CALL
// events, the raw name bytes used as the equality key during replay
// (spec.md §3, §4.6.1). Other opcodes carry an empty payload here; their
// decoded words (retval, call site, arguments) live alongside the Event in
// the richer per-iteration state the supervisor threads through the inner
// loop, not in the corpus record itself.
type Event struct {
	Opcode  Opcode
	Payload []byte // function name bytes for *_CALL events, else nil
}

// Message is one monitor->worker write made in reply to a single worker
// event.
type Message struct {
	Opcode Opcode
	Words  []uint64
}

// NameEqual reports whether two *_CALL events carry the same function-name
// payload, the cursor-match rule used by the reproducer (spec.md §4.6.1).
func (e Event) NameEqual(other Event) bool {
	if len(e.Payload) != len(other.Payload) {
		return false
	}
	for i := range e.Payload {
		if e.Payload[i] != other.Payload[i] {
			return false
		}
	}
	return true
}
