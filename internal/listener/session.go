// Package listener implements the listener side of the protocol: the
// per-link Session (spec.md §3), the "data" request handler (C3,
// spec.md §4.3), and the notification retry engine (C4, spec.md §4.4).
//
// Grounded on the teacher's relay.go for the shape of "one child
// process serving one peer connection" and sessions.go for the
// registry-of-live-sessions pattern, generalized from "one relay per
// process" to "one Session per overlay link, looked up by link-id".
package listener

import (
	"sync"

	"rnsh/internal/ptysup"
)

// termState is the last terminal geometry/mode the listener applied to
// a Session's child PTY, used to detect changes per spec.md §4.3 step 3.
type termState struct {
	termios []byte
	rows    int
	cols    int
	hpixels int
	vpixels int
}

func (a termState) equal(b termState) bool {
	if a.rows != b.rows || a.cols != b.cols || a.hpixels != b.hpixels || a.vpixels != b.vpixels {
		return false
	}
	if len(a.termios) != len(b.termios) {
		return false
	}
	for i := range a.termios {
		if a.termios[i] != b.termios[i] {
			return false
		}
	}
	return true
}

// Session is the listener's per-link state: a child supervisor, its
// stdout buffer, and the last-applied terminal geometry. Exactly one
// Session exists per live link-id (spec.md I1/I2).
type Session struct {
	linkID string

	mu           sync.Mutex
	buf          []byte
	lastTerm     termState
	haveLastTerm bool

	sup *ptysup.Supervisor
}

// Append implements ptysup.StdoutSink: it appends chunk to the buffer
// under the Session mutex and returns the new total (spec.md §4.2
// "Stdout pump").
func (s *Session) Append(chunk []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, chunk...)
	return len(s.buf)
}

// Drain removes at most max bytes from the front of the buffer,
// atomically with sampling the remaining length (spec.md I4).
func (s *Session) Drain(max int) (chunk []byte, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max > len(s.buf) {
		max = len(s.buf)
	}
	if max > 0 {
		chunk = make([]byte, max)
		copy(chunk, s.buf[:max])
		s.buf = s.buf[max:]
	}
	return chunk, len(s.buf)
}

// ReadyBytes reports the current buffer length without draining it.
func (s *Session) ReadyBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// ApplyTermState updates the child's window size if ts differs from the
// last-applied value, and caches ts either way (spec.md §4.3 step 3).
func (s *Session) ApplyTermState(ts termState) error {
	s.mu.Lock()
	changed := !s.haveLastTerm || !s.lastTerm.equal(ts)
	s.lastTerm = ts
	s.haveLastTerm = true
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.sup.SetWinsize(ts.rows, ts.cols, ts.hpixels, ts.vpixels)
}

// Close terminates the child and releases the PTY. Implements
// registry.Session.
func (s *Session) Close() {
	s.sup.Terminate()
	s.sup.Close()
}

// Running reports whether the child has not yet been reaped.
func (s *Session) Running() bool { return s.sup.Running() }

// ReturnCode reports the child's exit code once reaped.
func (s *Session) ReturnCode() (int, bool) { return s.sup.ReturnCode() }

// Write queues stdin for the child (spec.md §4.3 step 4).
func (s *Session) Write(data []byte) { s.sup.Write(data) }
