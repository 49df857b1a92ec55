// Package corpus records an ordered trace of worker events and the
// monitor's replies, per spec.md §3. It is deliberately a flat owned
// sequence: reproduce/minimize operate on copies, never on long-lived
// references into a live corpus.
package corpus

import "github.com/hlefeuvre/compartfuzz/internal/wire"

// Entry is one (Event, replies) pair.
type Entry struct {
	Event    wire.Event
	Messages []wire.Message
}

// Corpus is the ordered sequence recorded for one fuzzing run.
type Corpus struct {
	entries []Entry
}

// New returns an empty corpus.
func New() *Corpus { return &Corpus{} }

// PushEvent appends a new entry for ev with no messages yet.
func (c *Corpus) PushEvent(ev wire.Event) {
	c.entries = append(c.entries, Entry{Event: ev})
}

// PushMessage appends msg to the reply list of the most recently pushed
// event.
func (c *Corpus) PushMessage(msg wire.Message) {
	if len(c.entries) == 0 {
		return
	}
	last := &c.entries[len(c.entries)-1]
	last.Messages = append(last.Messages, msg)
}

// PopMessage removes and returns the last message of the last entry, if
// any.
func (c *Corpus) PopMessage() (wire.Message, bool) {
	if len(c.entries) == 0 {
		return wire.Message{}, false
	}
	last := &c.entries[len(c.entries)-1]
	if len(last.Messages) == 0 {
		return wire.Message{}, false
	}
	msg := last.Messages[len(last.Messages)-1]
	last.Messages = last.Messages[:len(last.Messages)-1]
	return msg, true
}

// PopEvent removes and returns the last entry, if any.
func (c *Corpus) PopEvent() (Entry, bool) {
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	last := c.entries[len(c.entries)-1]
	c.entries = c.entries[:len(c.entries)-1]
	return last, true
}

// Len returns the number of recorded entries.
func (c *Corpus) Len() int { return len(c.entries) }

// At returns the entry at index i.
func (c *Corpus) At(i int) Entry { return c.entries[i] }

// Entries returns a defensive copy of the recorded entries. Callers that
// need to mutate a corpus derived from this one (reproduce/minimize) must
// work on this copy, never on the receiver's backing slice.
func (c *Corpus) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		msgs := make([]wire.Message, len(e.Messages))
		copy(msgs, e.Messages)
		out[i] = Entry{Event: e.Event, Messages: msgs}
	}
	return out
}

// Clone returns a deep, independent copy of c.
func (c *Corpus) Clone() *Corpus {
	return &Corpus{entries: c.Entries()}
}

// Clear empties the corpus in place, ready for the next run (spec.md §3
// lifecycle: "Corpus is created per run ... cleared before the next run").
func (c *Corpus) Clear() { c.entries = nil }

// FromEntries builds a Corpus from an explicit entry slice (used when
// constructing reference/minimized corpora).
func FromEntries(entries []Entry) *Corpus {
	return &Corpus{entries: append([]Entry(nil), entries...)}
}

// Reference derives the replay reference corpus from a recorded run: strip
// the leading WORKER_UP event and any trailing INVALID_OPCODE event, per
// spec.md §4.6.
func (c *Corpus) Reference() *Corpus {
	entries := c.Entries()
	if len(entries) > 0 && entries[0].Event.Opcode == wire.WorkerUp {
		entries = entries[1:]
	}
	if len(entries) > 0 && entries[len(entries)-1].Event.Opcode == wire.InvalidOpcode {
		entries = entries[:len(entries)-1]
	}
	return FromEntries(entries)
}

// EmptyLike returns a corpus with the same event sequence as c but with
// every entry's message list emptied — the minimizer's starting "minimized"
// corpus shape (spec.md §4.6.2 step 1).
func (c *Corpus) EmptyLike() *Corpus {
	entries := c.Entries()
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Event: e.Event}
	}
	return FromEntries(out)
}

// WithMessageAt returns a copy of c where the message list at event index
// idx has msg appended.
func (c *Corpus) WithMessageAt(idx int, msg wire.Message) *Corpus {
	out := c.Entries()
	if idx < 0 || idx >= len(out) {
		return FromEntries(out)
	}
	out[idx].Messages = append(out[idx].Messages, msg)
	return FromEntries(out)
}

// WithoutMessageAt returns a copy of c where the message at (eventIdx,
// msgIdx) is removed.
func (c *Corpus) WithoutMessageAt(eventIdx, msgIdx int) *Corpus {
	out := c.Entries()
	if eventIdx < 0 || eventIdx >= len(out) {
		return FromEntries(out)
	}
	msgs := out[eventIdx].Messages
	if msgIdx < 0 || msgIdx >= len(msgs) {
		return FromEntries(out)
	}
	out[eventIdx].Messages = append(append([]wire.Message(nil), msgs[:msgIdx]...), msgs[msgIdx+1:]...)
	return FromEntries(out)
}

// LastEvent returns the final recorded entry's event, used by the
// false-positive fallback rule when every stack frame is stdlib (spec.md
// §4.4).
func (c *Corpus) LastEvent() (wire.Event, bool) {
	if len(c.entries) == 0 {
		return wire.Event{}, false
	}
	return c.entries[len(c.entries)-1].Event, true
}
