// Package tcprtt samples a TCP socket's kernel-maintained round-trip
// time and segment size so the reference overlay transport
// (internal/overlay/wsoverlay) can populate link.rtt and link.MDU with
// real measurements instead of hardcoded constants.
//
// Grounded on the teacher's retrieved sibling in this corpus,
// runZeroInc-sockstats's pkg/tcpinfo (which decodes the same kernel
// struct for its own purposes); this package asks for only the three
// fields wsoverlay needs rather than sockstats' full struct.
package tcprtt

import (
	"net"
	"time"
)

// Sample is a narrow view of one TCP connection's current kernel
// TCP_INFO state.
type Sample struct {
	RTT    time.Duration
	RTTVar time.Duration
	MSS    int
}

// Default is used wherever a real sample is unavailable (platform
// without a TCP_INFO binding, or a non-TCP net.Conn).
var Default = Sample{RTT: 150 * time.Millisecond, MSS: 1400}
