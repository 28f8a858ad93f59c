//go:build linux

package tcprtt

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// FromConn reads TCP_INFO off conn's underlying socket via getsockopt.
// conn must implement syscall.Conn, as *net.TCPConn does; this is the
// case for nhooyr.io/websocket connections over plain TCP.
func FromConn(conn net.Conn) (Sample, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return Sample{}, fmt.Errorf("tcprtt: %T does not expose a raw socket", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return Sample{}, fmt.Errorf("tcprtt: raw conn: %w", err)
	}

	var info *unix.TCPInfo
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		info, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.SOL_TCP, unix.TCP_INFO)
	})
	if err != nil {
		return Sample{}, fmt.Errorf("tcprtt: control: %w", err)
	}
	if sockErr != nil {
		return Sample{}, fmt.Errorf("tcprtt: getsockopt TCP_INFO: %w", sockErr)
	}

	return Sample{
		RTT:    time.Duration(info.Rtt) * time.Microsecond,
		RTTVar: time.Duration(info.Rttvar) * time.Microsecond,
		MSS:    int(info.Snd_mss),
	}, nil
}
