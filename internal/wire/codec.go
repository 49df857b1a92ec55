package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

// maxEintrRetries bounds how many times a read retries after EINTR before
// it is reported as a failure, per spec.md §4.1.
const maxEintrRetries = 8

// waitReadable blocks until fd is readable or timeout elapses, retrying on
// EINTR up to maxEintrRetries times. Returns an *PipeError with ErrTimeout
// if the deadline passes without data.
func waitReadable(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	retries := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return newErr(ErrTimeout, nil)
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, int(remaining.Milliseconds())+1)
		if err == unix.EINTR {
			retries++
			if retries > maxEintrRetries {
				return newErr(ErrTimeout, err)
			}
			continue
		}
		if err != nil {
			return newErr(ErrPeerClosed, err)
		}
		if n == 0 {
			return newErr(ErrTimeout, nil)
		}
		if pfd[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 && pfd[0].Revents&unix.POLLIN == 0 {
			return newErr(ErrPeerClosed, nil)
		}
		return nil
	}
}

// readFull reads exactly len(buf) bytes from fd, blocking up to timeout for
// each readiness wait, retrying short intermediate reads and EINTR.
func readFull(fd int, buf []byte, timeout time.Duration) error {
	read := 0
	retries := 0
	for read < len(buf) {
		if err := waitReadable(fd, timeout); err != nil {
			return err
		}
		n, err := unix.Read(fd, buf[read:])
		if err == unix.EINTR {
			retries++
			if retries > maxEintrRetries {
				return newErr(ErrShortRead, err)
			}
			continue
		}
		if err != nil {
			return newErr(ErrPeerClosed, err)
		}
		if n == 0 {
			// EOF: peer closed its write end.
			if read == 0 {
				return newErr(ErrPeerClosed, io.EOF)
			}
			return newErr(ErrShortRead, io.EOF)
		}
		read += n
	}
	return nil
}

// ReadOpcode reads and decodes the 4-byte opcode that begins every frame.
// A value that does not correspond to a known opcode is reported as
// ErrInvalidOpcode; INVALID_OPCODE (0) itself is also reported this way,
// since it is never legitimately sent.
func ReadOpcode(fd int, timeout time.Duration) (Opcode, error) {
	var raw [4]byte
	if err := readFull(fd, raw[:], timeout); err != nil {
		return InvalidOpcode, err
	}
	op := Opcode(binary.LittleEndian.Uint32(raw[:]))
	if !op.Known() || op == InvalidOpcode {
		return op, newErr(ErrInvalidOpcode, nil)
	}
	return op, nil
}

// ReadWords reads n 64-bit little-endian words from fd.
func ReadWords(fd int, n int, timeout time.Duration) ([]uint64, error) {
	raw := make([]byte, 8*n)
	if err := readFull(fd, raw, timeout); err != nil {
		return nil, err
	}
	words := make([]uint64, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
	}
	return words, nil
}

// ReadBytes reads n raw bytes from fd (used for length-prefixed name
// payloads on *_CALL events).
func ReadBytes(fd int, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	if err := readFull(fd, buf, timeout); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes opcode (4 bytes) followed by each word (8 bytes
// little-endian). If opcode is nil, only the word tail is written — used
// for staged writes where the opcode was already emitted (or is withheld
// until a terminating ACK/NOP closes the reply).
func WriteFrame(fd int, opcode *Opcode, words []uint64) error {
	var buf bytes.Buffer
	if opcode != nil {
		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], uint32(*opcode))
		buf.Write(raw[:])
	}
	for _, w := range words {
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], w)
		buf.Write(raw[:])
	}
	out := buf.Bytes()
	written := 0
	for written < len(out) {
		n, err := unix.Write(fd, out[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return newErr(ErrPeerClosed, err)
		}
		written += n
	}
	return nil
}

// WriteOpcodeOnly writes a bare opcode frame with no word tail (e.g.
// WORKER_UP's reply MONITOR_UP_ACK, or MONITOR_EXEC_ACK/NOP_OPCODE).
func WriteOpcodeOnly(fd int, opcode Opcode) error {
	return WriteFrame(fd, &opcode, nil)
}
