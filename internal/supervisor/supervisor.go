package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hlefeuvre/compartfuzz/internal/corpus"
	"github.com/hlefeuvre/compartfuzz/internal/mutator"
	"github.com/hlefeuvre/compartfuzz/internal/oracle"
	"github.com/hlefeuvre/compartfuzz/internal/triage"
	"github.com/hlefeuvre/compartfuzz/internal/wire"
)

// Supervisor threads all of one session's state — oracle, mutator,
// corpus, known-callback/call-site sets, RNG, file paths — through the
// single-threaded cooperative loop described in spec.md §5. There is
// exactly one Supervisor value per session, following the "global state
// as fields" guidance of spec.md §9.
type Supervisor struct {
	cfg Config
	dir RunDir

	Oracle  *oracle.Oracle
	Mutator *mutator.Mutator
	Triager *triage.Triager
	Corpus  *corpus.Corpus

	knownCallbacks    map[uint64]bool
	knownCallSites    map[uint64]bool
	maxCallSites      int      // coverage proxy, persisted across workers within a session
	pendingInstrument []uint64 // code pointers newly seen this call, awaiting MONITOR_INSTRUMENT_ORDER
	remembered        []rememberedPointer // shared-buffer candidates captured at the matching *_CALL

	monitorPipe io.ReadWriteCloser
	workerPipe  io.ReadWriteCloser

	workerCmd   *exec.Cmd
	workloadCmd *exec.Cmd

	lastWaitStatus syscall.WaitStatus
	lastWaitErr    error
}

// New constructs a Supervisor for one outer iteration. m is the session-wide
// Mutator (RNG + adaptive depth state): spec.md §9 scopes its lifetime to
// the whole session, not to a single iteration, so the caller constructs it
// once and passes the same value into every New call for that session.
func New(cfg Config, runDir RunDir, m *mutator.Mutator) *Supervisor {
	return &Supervisor{
		cfg:            cfg,
		dir:            runDir,
		Oracle:         oracle.New(0, libBasenames(cfg.LibPaths)),
		Mutator:        m,
		Triager:        triage.New(cfg.Mode),
		Corpus:         corpus.New(),
		knownCallbacks: make(map[uint64]bool),
		knownCallSites: make(map[uint64]bool),
	}
}

func libBasenames(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}
	return out
}

// resetPerWorker clears the state that spec.md §3 scopes to "per worker":
// the known-callback set, the known-call-site set (after folding its size
// into the session-wide maximum), and the oracle (rebuilt against the new
// pid).
func (s *Supervisor) resetPerWorker(pid int) {
	if len(s.knownCallSites) > s.maxCallSites {
		s.maxCallSites = len(s.knownCallSites)
	}
	s.knownCallbacks = make(map[uint64]bool)
	s.knownCallSites = make(map[uint64]bool)
	s.Oracle = oracle.New(pid, libBasenames(s.cfg.LibPaths))
}

// MaxCallSites returns the largest known-call-site set size observed
// across all workers in this session (spec.md §3 coverage proxy).
func (s *Supervisor) MaxCallSites() int {
	if len(s.knownCallSites) > s.maxCallSites {
		return len(s.knownCallSites)
	}
	return s.maxCallSites
}

// Setup creates and opens the monitor-out named pipe (spec.md §4.5 step 1).
// The worker-out pipe is created and opened by SpawnWorker.
func (s *Supervisor) Setup() error {
	mp, err := wire.OpenMonitorPipe(s.dir.MonitorPipe)
	if err != nil {
		return fmt.Errorf("opening monitor pipe: %w", err)
	}
	s.monitorPipe = mp
	return nil
}

// SpawnWorker starts the application binary (with the target libraries
// already on its loader path, arranged by the caller's environment) and
// opens the worker-out pipe read-only, which blocks until the worker opens
// it for writing (spec.md §4.5 step 2).
func (s *Supervisor) SpawnWorker() error {
	logFile, err := os.Create(s.dir.AppLog)
	if err != nil {
		return fmt.Errorf("creating app log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(s.cfg.AppPath, s.cfg.AppArgs...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"ASAN_OPTIONS=detect_leaks=0 detect_odr_violation=0",
	)
	cmd.SysProcAttr = processGroupAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	log.Debugf("spawned worker pid=%d bin=%s", cmd.Process.Pid, s.cfg.AppPath)
	s.workerCmd = cmd
	s.resetPerWorker(cmd.Process.Pid)

	wp, err := wire.OpenWorkerPipe(s.dir.WorkerPipe)
	if err != nil {
		return fmt.Errorf("opening worker pipe: %w", err)
	}
	s.workerPipe = wp
	return nil
}

// SpawnWorkloadDriver optionally spawns a workload-driver binary (-t P)
// whose stdout/stderr are discarded (spec.md §4.5 step 4).
func (s *Supervisor) SpawnWorkloadDriver() error {
	if s.cfg.WorkloadPath == "" {
		return nil
	}
	cmd := exec.Command(s.cfg.WorkloadPath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = processGroupAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting workload driver: %w", err)
	}
	s.workloadCmd = cmd
	return nil
}

// Handshake waits for WORKER_UP and replies MONITOR_UP_ACK in place, with
// no payload on either side (spec.md §4.5 step 3, scenario S1).
func (s *Supervisor) Handshake() error {
	op, err := wire.ReadOpcode(wire.Fd(s.workerPipe), s.cfg.WorkerTimeout)
	if err != nil {
		return err
	}
	if op != wire.WorkerUp {
		return fmt.Errorf("expected WORKER_UP, got %v", op)
	}
	s.Corpus.PushEvent(wireEvent(wire.WorkerUp, nil))
	if err := wire.WriteOpcodeOnly(wire.Fd(s.monitorPipe), wire.MonitorUpAck); err != nil {
		return err
	}
	s.Corpus.PushMessage(wire.Message{Opcode: wire.MonitorUpAck})
	return nil
}

func wireEvent(op wire.Opcode, payload []byte) wire.Event {
	return wire.Event{Opcode: op, Payload: payload}
}

// Teardown kills any surviving children, reaps them, and closes the
// worker pipe (spec.md §4.5 step 6). The workload driver's reap error and
// the worker-pipe close error are aggregated, matching the teacher's use of
// hashicorp/go-multierror for multi-resource cleanup; the worker's own wait
// result is kept in lastWaitErr/lastWaitStatus and is not part of the
// returned error.
func (s *Supervisor) Teardown() error {
	var result *multierror.Error

	if s.workloadCmd != nil && s.workloadCmd.Process != nil {
		_ = killProcessGroup(s.workloadCmd.Process.Pid)
		if err := s.workloadCmd.Wait(); err != nil {
			result = multierror.Append(result, fmt.Errorf("reaping workload driver: %w", err))
		}
	}

	if s.workerCmd != nil && s.workerCmd.Process != nil {
		if s.workerExited() {
			// workerExited already reaped the zombie via a non-blocking
			// Wait4 and captured its status in s.lastWaitStatus; calling
			// cmd.Wait() again here would find no child left to reap
			// (ECHILD) and leave ProcessState nil.
		} else {
			log.Debugf("killing worker pid=%d", s.workerCmd.Process.Pid)
			_ = killProcessGroup(s.workerCmd.Process.Pid)
			s.lastWaitErr = s.workerCmd.Wait()
			if s.workerCmd.ProcessState != nil {
				if ws, ok := s.workerCmd.ProcessState.Sys().(syscall.WaitStatus); ok {
					s.lastWaitStatus = ws
				}
			}
		}
	}

	if s.workerPipe != nil {
		if err := s.workerPipe.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing worker pipe: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// Close releases the monitor pipe and removes the FIFOs from disk.
func (s *Supervisor) Close() error {
	var result *multierror.Error
	if s.monitorPipe != nil {
		if err := s.monitorPipe.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	_ = os.Remove(s.dir.MonitorPipe)
	_ = os.Remove(s.dir.WorkerPipe)
	return result.ErrorOrNil()
}

// workerExited reports whether the worker process has already terminated
// (checked non-blockingly via WNOHANG before Teardown decides whether to
// send a kill signal).
func (s *Supervisor) workerExited() bool {
	if s.workerCmd == nil || s.workerCmd.Process == nil {
		return true
	}
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(s.workerCmd.Process.Pid, &ws, syscall.WNOHANG, nil)
	if err != nil || pid == 0 {
		return false
	}
	s.lastWaitStatus = ws
	return true
}

// SawSigsegv reports whether the worker's wait status indicates it was
// killed by a bare SIGSEGV (spec.md §4.4 step 3).
func (s *Supervisor) SawSigsegv() bool {
	return s.lastWaitStatus.Signaled() && s.lastWaitStatus.Signal() == unix.SIGSEGV
}

// AppLogPath returns the path to this run's sanitizer capture file.
func (s *Supervisor) AppLogPath() string { return s.dir.AppLog }
