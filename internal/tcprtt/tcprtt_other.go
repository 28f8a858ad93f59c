//go:build !linux

package tcprtt

import (
	"fmt"
	"net"
)

// FromConn has no TCP_INFO binding outside Linux in this module's
// dependency set; callers fall back to Default.
func FromConn(conn net.Conn) (Sample, error) {
	return Sample{}, fmt.Errorf("tcprtt: TCP_INFO sampling unsupported on this platform")
}
