//go:build darwin || linux

// Package termstate captures and restores the local terminal's raw-mode
// state and reads the values the client embeds in each request tuple
// (spec.md §3): TERM name, an opaque termios blob, and the window
// dimensions in cells and pixels.
//
// Grounded on the teacher's relay.go (setRaw/restoreTermios/syncWinsize),
// generalized from "copy this process's controlling terminal into a
// child PTY" to "snapshot this process's controlling terminal for
// transmission over the wire". Raw-mode toggling itself is delegated to
// golang.org/x/term (MakeRaw/Restore), the ecosystem-standard library for
// it across the retrieved example corpus, rather than the teacher's own
// hand-rolled cfmakeraw-equivalent ioctl calls.
package termstate

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Snapshot is everything the client samples from its local terminal for
// one request tuple.
type Snapshot struct {
	Term    string
	Termios []byte // opaque; see GLOSSARY "Termios"
	Rows    int
	Cols    int
	HPixels int
	VPixels int
}

// Capture reads the current terminal state of fd (normally os.Stdin's
// descriptor). termEnv is the TERM environment variable value.
func Capture(fd int, termEnv string) (Snapshot, error) {
	ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get window size: %w", err)
	}
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get termios: %w", err)
	}
	blob, err := EncodeTermios(t)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Term:    termEnv,
		Termios: blob,
		Rows:    int(ws.Row),
		Cols:    int(ws.Col),
		HPixels: int(ws.Xpixel),
		VPixels: int(ws.Ypixel),
	}, nil
}

// EncodeTermios serializes a termios struct to an opaque byte blob
// suitable for the wire. The blob's only required property is that equal
// termios states produce equal blobs, since the listener only ever
// compares it for change detection (spec.md §4.3 step 3) — there is no
// "set remote termios" operation, only set_winsize.
func EncodeTermios(t *unix.Termios) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, t); err != nil {
		return nil, fmt.Errorf("encode termios: %w", err)
	}
	return buf.Bytes(), nil
}

// MakeRaw puts fd into raw mode, returning the previous state so it can
// be restored with Restore.
func MakeRaw(fd int) (*term.State, error) {
	return term.MakeRaw(fd)
}

// Restore reinstates a terminal state captured by MakeRaw. Safe to call
// with a nil state (no-op), so callers can defer it unconditionally.
func Restore(fd int, state *term.State) error {
	if state == nil {
		return nil
	}
	return term.Restore(fd, state)
}
