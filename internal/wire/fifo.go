package wire

import (
	"context"
	"io"
	"os"

	"github.com/containerd/fifo"
	"golang.org/x/sys/unix"
)

// OpenMonitorPipe creates (if needed) and opens the monitor-out FIFO
// read-write, matching spec.md §4.5 step 1: opening read-write means a
// write from the monitor never blocks waiting for the worker to start
// reading.
func OpenMonitorPipe(path string) (io.ReadWriteCloser, error) {
	if err := unix.Mkfifo(path, 0o666); err != nil && !os.IsExist(err) {
		return nil, err
	}
	return fifo.OpenFifo(context.Background(), path, unix.O_RDWR|unix.O_CREAT, 0o666)
}

// OpenWorkerPipe creates (if needed) and opens the worker-out FIFO
// read-only. This blocks until the worker opens its end for writing,
// matching spec.md §4.5 step 2.
func OpenWorkerPipe(path string) (io.ReadWriteCloser, error) {
	if err := unix.Mkfifo(path, 0o666); err != nil && !os.IsExist(err) {
		return nil, err
	}
	return fifo.OpenFifo(context.Background(), path, unix.O_RDONLY|unix.O_CREAT, 0o666)
}

// Fd extracts the underlying file descriptor for use with the raw
// poll/read/write helpers in codec.go.
func Fd(rwc io.ReadWriteCloser) int {
	type fder interface{ Fd() uintptr }
	if f, ok := rwc.(fder); ok {
		return int(f.Fd())
	}
	return -1
}
