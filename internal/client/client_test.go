//go:build darwin || linux

package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"rnsh/internal/overlay"
	"rnsh/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateDestinationHashRejectsWrongLength(t *testing.T) {
	err := ValidateDestinationHash("abcd", 16)
	if err == nil {
		t.Fatalf("expected an error for a too-short hash")
	}
	if got := err.Error(); got == "" || !containsHex(got) {
		t.Fatalf("error message should mention hexadecimal characters, got %q", got)
	}
}

func TestValidateDestinationHashAcceptsCorrectLength(t *testing.T) {
	hash := "00112233445566778899aabbccddeeff"[:32]
	if err := ValidateDestinationHash(hash, 16); err != nil {
		t.Fatalf("unexpected error for a well-formed hash: %v", err)
	}
}

func TestValidateDestinationHashRejectsNonHex(t *testing.T) {
	hash := "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"
	if err := ValidateDestinationHash(hash, 16); err == nil {
		t.Fatalf("expected an error for non-hex characters")
	}
}

func containsHex(s string) bool {
	for i := 0; i+3 <= len(s); i++ {
		if s[i:i+3] == "hex" {
			return true
		}
	}
	return false
}

// stubLink is a minimal overlay.Link whose Request always resolves to a
// fixed, already-marshaled response, so exchangeLoop's S5 exit-code
// handling can be exercised without a real transport.
type stubLink struct {
	resp []byte
}

func (l *stubLink) ID() string               { return "stub" }
func (l *stubLink) State() overlay.LinkState { return overlay.LinkActive }
func (l *stubLink) MDU() int                 { return 1024 }
func (l *stubLink) RTT() float64             { return 0 }
func (l *stubLink) Identify(overlay.Signer) error { return nil }
func (l *stubLink) Teardown()                {}
func (l *stubLink) Send(payload []byte) (overlay.SendReceipt, error) { return nil, nil }
func (l *stubLink) OnPacket(func([]byte)) {}
func (l *stubLink) OnClosed(func())       {}

func (l *stubLink) Request(path string, data []byte) (overlay.RequestReceipt, error) {
	return &stubReceipt{data: l.resp}, nil
}

type stubReceipt struct{ data []byte }

func (r *stubReceipt) Status() overlay.ReceiptStatus { return overlay.StatusDelivered }
func (r *stubReceipt) Response(ctx context.Context) ([]byte, error) {
	return r.data, nil
}

func marshalExitedResponse(t *testing.T, code int) []byte {
	t.Helper()
	resp := &wire.Response{Running: false, ReturnCode: &code}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return data
}

func TestExchangeLoopMirrorsRemoteExitCode(t *testing.T) {
	s := &Session{
		cfg:  Config{Mirror: true, Timeout: time.Second},
		link: &stubLink{resp: marshalExitedResponse(t, 7)},
		log:  discardLogger(),
		wake: make(chan struct{}, 1),
	}
	if got := s.exchangeLoop(); got != 7 {
		t.Fatalf("exchangeLoop() = %d, want 7 (mirrored nonzero exit code)", got)
	}
}

func TestExchangeLoopWithoutMirrorAlwaysReturnsZero(t *testing.T) {
	s := &Session{
		cfg:  Config{Mirror: false, Timeout: time.Second},
		link: &stubLink{resp: marshalExitedResponse(t, 9)},
		log:  discardLogger(),
		wake: make(chan struct{}, 1),
	}
	if got := s.exchangeLoop(); got != 0 {
		t.Fatalf("exchangeLoop() = %d, want 0 (exit code only mirrors with -m)", got)
	}
}
