//go:build linux

package termstate

import "golang.org/x/sys/unix"

// Termios ioctl request numbers differ per platform; grounded on the
// teacher's own pty_linux.go / pty_darwin.go, which hand-rolled the same
// split (ioctlReadTermios/ioctlWriteTermios) around raw syscall.Syscall
// calls. Here the split feeds golang.org/x/sys/unix's typed
// IoctlGetTermios/IoctlSetTermios instead.
const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)
