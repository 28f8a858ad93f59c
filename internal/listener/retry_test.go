package listener

import (
	"testing"
	"time"

	"rnsh/internal/overlay"
)

type fakeLink struct {
	id      string
	state   overlay.LinkState
	rtt     float64
	sent    int
	receipt *fakeReceipt
}

func (f *fakeLink) ID() string               { return f.id }
func (f *fakeLink) State() overlay.LinkState { return f.state }
func (f *fakeLink) MDU() int                 { return 1024 }
func (f *fakeLink) RTT() float64             { return f.rtt }
func (f *fakeLink) Identify(overlay.Signer) error { return nil }
func (f *fakeLink) Teardown()                { f.state = overlay.LinkClosed }
func (f *fakeLink) Send(payload []byte) (overlay.SendReceipt, error) {
	f.sent++
	f.receipt = &fakeReceipt{status: overlay.StatusSent}
	return f.receipt, nil
}
func (f *fakeLink) Request(path string, data []byte) (overlay.RequestReceipt, error) { return nil, nil }
func (f *fakeLink) OnPacket(func([]byte))                                            {}
func (f *fakeLink) OnClosed(func())                                                  {}

type fakeReceipt struct{ status overlay.ReceiptStatus }

func (r *fakeReceipt) Status() overlay.ReceiptStatus { return r.status }

func TestNotifyCoalescesWhileChainActive(t *testing.T) {
	e := NewRetryEngine(nil, nil)
	link := &fakeLink{id: "l1", state: overlay.LinkActive, rtt: 0.01}

	e.NotifyDataAvailable(link)
	e.NotifyDataAvailable(link) // should be a no-op: chain already exists
	e.NotifyDataAvailable(link)

	if link.sent != 1 {
		t.Fatalf("sent = %d, want 1 (coalesced)", link.sent)
	}
	if e.activeChains() != 1 {
		t.Fatalf("activeChains = %d, want 1", e.activeChains())
	}
}

func TestNotifyCancelsOnDelivered(t *testing.T) {
	e := NewRetryEngine(nil, nil)
	link := &fakeLink{id: "l1", state: overlay.LinkActive, rtt: 0.01}

	e.NotifyDataAvailable(link)
	link.receipt.status = overlay.StatusDelivered

	// Force the next tick manually rather than waiting on the real timer.
	e.mu.Lock()
	c := e.chains["l1"]
	e.mu.Unlock()
	if c == nil {
		t.Fatalf("expected an active chain")
	}
	e.attempt("l1", c)

	if e.activeChains() != 0 {
		t.Fatalf("chain should have been cancelled after delivery")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	e := NewRetryEngine(nil, nil)
	e.Cancel("absent")
	e.Cancel("absent")

	link := &fakeLink{id: "l1", state: overlay.LinkActive, rtt: 0.01}
	e.NotifyDataAvailable(link)
	e.Cancel("l1")
	e.Cancel("l1")
	if e.activeChains() != 0 {
		t.Fatalf("expected no active chains after Cancel")
	}
}

func TestWaitDelayFloorsAtOneSecond(t *testing.T) {
	e := NewRetryEngine(nil, nil)
	link := &fakeLink{id: "l1", state: overlay.LinkActive, rtt: 0.001}
	if d := e.waitDelay(link); d != time.Second {
		t.Fatalf("waitDelay = %v, want floor of 1s for tiny rtt", d)
	}
	link.rtt = 1.0
	if d := e.waitDelay(link); d != 5*time.Second {
		t.Fatalf("waitDelay = %v, want 5s for rtt=1s", d)
	}
}
