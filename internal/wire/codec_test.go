package wire

import (
	"os"
	"testing"
	"time"
)

// pipePair returns a connected pair of file descriptors for read/write
// roundtrip tests, mirroring the pipe-based harness the supervisor itself
// uses against a worker.
func pipePair(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return r, w
}

func TestFrameRoundtrip(t *testing.T) {
	cases := []struct {
		name   string
		opcode Opcode
		words  []uint64
	}{
		{"up-ack", MonitorUpAck, nil},
		{"instrument", MonitorInstrumentOrder, []uint64{0xdeadbeef}},
		{"writearg", MonitorWriteargOrder, []uint64{3, 0xfeedface}},
		{"write-order", MonitorWriteOrder, []uint64{0x1000, 4, 0xdeadbeef}},
		{"return-order", MonitorReturnOrder, []uint64{0}},
		{"nop", NopOpcode, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, w := pipePair(t)
			opcode := tc.opcode
			if err := WriteFrame(int(w.Fd()), &opcode, tc.words); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}

			got, err := ReadOpcode(int(r.Fd()), time.Second)
			if err != nil {
				t.Fatalf("ReadOpcode: %v", err)
			}
			if got != tc.opcode {
				t.Fatalf("opcode = %v, want %v", got, tc.opcode)
			}

			if len(tc.words) > 0 {
				words, err := ReadWords(int(r.Fd()), len(tc.words), time.Second)
				if err != nil {
					t.Fatalf("ReadWords: %v", err)
				}
				for i, want := range tc.words {
					if words[i] != want {
						t.Errorf("word[%d] = %#x, want %#x", i, words[i], want)
					}
				}
			}
		})
	}
}

func TestReadOpcodeTimeout(t *testing.T) {
	r, w := pipePair(t)
	_ = w

	_, err := ReadOpcode(int(r.Fd()), 50*time.Millisecond)
	if KindOf(err) != ErrTimeout {
		t.Fatalf("KindOf(err) = %v, want ErrTimeout", KindOf(err))
	}
}

func TestReadOpcodePeerClosed(t *testing.T) {
	r, w := pipePair(t)
	w.Close()

	_, err := ReadOpcode(int(r.Fd()), time.Second)
	if KindOf(err) != ErrPeerClosed {
		t.Fatalf("KindOf(err) = %v, want ErrPeerClosed", KindOf(err))
	}
}

func TestReadOpcodeInvalid(t *testing.T) {
	r, w := pipePair(t)
	// INVALID_OPCODE is never legitimately sent; writing raw zero bytes
	// must be classified as ErrInvalidOpcode.
	raw := []byte{0, 0, 0, 0}
	if _, err := w.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := ReadOpcode(int(r.Fd()), time.Second)
	if KindOf(err) != ErrInvalidOpcode {
		t.Fatalf("KindOf(err) = %v, want ErrInvalidOpcode", KindOf(err))
	}
}
