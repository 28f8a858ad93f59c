package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected at least one registered collector")
	}
	if m.ActiveSessions == nil || m.NotifyAttempts == nil || m.BufferedBytesMax == nil {
		t.Fatalf("expected all collectors to be constructed")
	}
}

func TestObserveBufferedTracksHighWatermark(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveBuffered(10)
	m.ObserveBuffered(3)
	m.ObserveBuffered(25)
	m.ObserveBuffered(1)

	if got := testutil.ToFloat64(m.BufferedBytesMax); got != 25 {
		t.Fatalf("high watermark = %v, want 25", got)
	}
}
