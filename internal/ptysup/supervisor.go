//go:build darwin || linux

// Package ptysup implements the PTY Child Supervisor (spec.md §4.2, C2):
// it owns a child process attached to a pseudo-terminal, pumps the
// child's stdout into a sink, accepts queued stdin writes and
// window-size updates, and reports termination.
//
// Grounded on the teacher's relay.go (Relay owns cmd/master/slave and
// runs the stdout-to-terminal and stdin-to-master copy loops), but the
// teacher hand-opens a PTY with raw per-platform ioctls (pty_linux.go,
// pty_darwin.go). The wider example corpus overwhelmingly reaches for
// github.com/creack/pty for exactly this job instead (it appears in
// gravitational-teleport, dcosson-h2, wahajnintyeight-host-vault,
// jazztong-remote-terminal, and a dozen more retrieved repos); since a
// listener here must spawn an arbitrary, possibly long-running child
// per link rather than re-exec itself once, creack/pty's
// Start/Setsize API is used instead of reimplementing openPTY. See
// DESIGN.md for the full justification.
package ptysup

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const terminateGrace = 200 * time.Millisecond

// StdoutSink receives each chunk of child stdout and reports the new
// total buffered byte count. Implemented by the listener's Session type;
// kept as a small interface here so ptysup never imports listener.
type StdoutSink interface {
	Append(chunk []byte) (total int)
}

// Supervisor is a running (or exited) child process attached to a PTY.
type Supervisor struct {
	cmd  *exec.Cmd
	ptmx *os.File

	onStdout func(total int)
	onExit   func(code int)

	writes   chan []byte
	writerWG sync.WaitGroup

	mu          sync.Mutex
	lastWinsize *pty.Winsize
	running     bool
	returnCode  *int

	termOnce sync.Once
}

// New spawns argv attached to a fresh PTY. term defaults to
// "xterm-256color" when empty, matching spec.md §4.2. onStdout is
// invoked (from the pump goroutine) with the sink's new total after
// every chunk; onExit is invoked exactly once, with 255 if the child
// never started.
func New(argv []string, term string, sink StdoutSink, onStdout func(total int), onExit func(code int)) (*Supervisor, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("ptysup: argv must be non-empty")
	}
	if term == "" {
		term = "xterm-256color"
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM="+term)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		if onExit != nil {
			onExit(255)
		}
		return nil, fmt.Errorf("ptysup: start child: %w", err)
	}

	s := &Supervisor{
		cmd:      cmd,
		ptmx:     ptmx,
		onStdout: onStdout,
		onExit:   onExit,
		writes:   make(chan []byte, 256),
		running:  true,
	}

	s.writerWG.Add(1)
	go s.writeLoop()
	go s.readLoop(sink)
	go s.waitLoop()

	return s, nil
}

func (s *Supervisor) readLoop(sink StdoutSink) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			total := sink.Append(chunk)
			if s.onStdout != nil {
				s.onStdout(total)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) writeLoop() {
	defer s.writerWG.Done()
	for data := range s.writes {
		if !s.Running() {
			continue // spec.md §4.2: writes after exit are dropped silently
		}
		_, _ = s.ptmx.Write(data)
	}
}

func (s *Supervisor) waitLoop() {
	err := s.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 255
		}
	}

	s.mu.Lock()
	s.running = false
	s.returnCode = &code
	s.mu.Unlock()

	close(s.writes)
	if s.onExit != nil {
		s.onExit(code)
	}
}

// Write queues data for the child's stdin. It never blocks the caller:
// the writer goroutine drains the queue in strict FIFO order (spec.md
// §5 ordering guarantee for stdin within and across requests).
func (s *Supervisor) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	if !s.Running() {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case s.writes <- cp:
	default:
		// Queue is saturated (256 * up to 1-2 request-sized chunks); spill
		// onto a goroutine rather than block the request handler.
		go func() {
			defer func() { recover() }() // writes may be closed concurrently by exit
			s.writes <- cp
		}()
	}
}

// SetWinsize applies a window-size change to the PTY master. Repeated
// identical values are skipped, matching spec.md §4.2.
func (s *Supervisor) SetWinsize(rows, cols, hpix, vpix int) error {
	ws := &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols), X: uint16(hpix), Y: uint16(vpix)}

	s.mu.Lock()
	if s.lastWinsize != nil && *s.lastWinsize == *ws {
		s.mu.Unlock()
		return nil
	}
	s.lastWinsize = ws
	s.mu.Unlock()

	if err := pty.Setsize(s.ptmx, ws); err != nil {
		return fmt.Errorf("ptysup: set winsize: %w", err)
	}
	return nil
}

// Terminate signals the child: SIGHUP, then SIGTERM, then SIGKILL after
// a short grace period if it is still alive. Idempotent (P6).
func (s *Supervisor) Terminate() {
	s.termOnce.Do(func() {
		proc := s.cmd.Process
		if proc == nil {
			return
		}
		_ = proc.Signal(syscall.SIGHUP)
		time.AfterFunc(terminateGrace, func() {
			if s.Running() {
				_ = proc.Signal(syscall.SIGTERM)
			}
		})
		time.AfterFunc(2*terminateGrace, func() {
			if s.Running() {
				_ = proc.Kill()
			}
		})
	})
}

// Running reports whether the child has not yet been reaped.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ReturnCode reports the child's exit code, once reaped.
func (s *Supervisor) ReturnCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.returnCode == nil {
		return 0, false
	}
	return *s.returnCode, true
}

// Close releases the PTY master file descriptor. Safe to call multiple
// times.
func (s *Supervisor) Close() {
	_ = s.ptmx.Close()
}
