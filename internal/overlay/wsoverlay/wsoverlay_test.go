package wsoverlay

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rnsh/internal/identity"
	"rnsh/internal/overlay"
)

func waitForState(t *testing.T, link overlay.Link, want overlay.LinkState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for link.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("link state = %v, want %v after %v", link.State(), want, timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLinkRequestResponseRoundTrip(t *testing.T) {
	logger := slog.Default()

	serverTransport := New("server-hash", logger)
	serverDest, err := serverTransport.Destination("rnsh", "default", overlay.RoleIn)
	if err != nil {
		t.Fatalf("server destination: %v", err)
	}
	wsDest := serverDest.(*destination)
	if err := wsDest.Accept("data", nil, func(link overlay.Link, remote overlay.Identity, data []byte) []byte {
		return append([]byte("echo:"), data...)
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	srv := httptest.NewServer(wsDest)
	defer srv.Close()

	clientTransport := New("client-hash", logger)
	clientDestIface, err := clientTransport.Destination("rnsh", "default", overlay.RoleOut)
	if err != nil {
		t.Fatalf("client destination: %v", err)
	}
	clientDest := clientDestIface.(DialTarget)
	clientDest.WithURL("ws"+strings.TrimPrefix(srv.URL, "http")+"/", "server-hash")

	link, err := clientDestIface.Link()
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	defer link.Teardown()

	waitForState(t, link, overlay.LinkActive, time.Second)

	receipt, err := link.Request("data", []byte("hello"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := receipt.Response(ctx)
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	if string(resp) != "echo:hello" {
		t.Fatalf("response = %q, want %q", resp, "echo:hello")
	}
	if receipt.Status() != overlay.StatusDelivered {
		t.Fatalf("receipt status = %v, want DELIVERED", receipt.Status())
	}
}

func TestLinkTeardownIsIdempotentAndNotifiesOnce(t *testing.T) {
	logger := slog.Default()
	serverTransport := New("server-hash", logger)
	serverDest, _ := serverTransport.Destination("rnsh", "default", overlay.RoleIn)
	wsDest := serverDest.(*destination)
	_ = wsDest.Accept("data", nil, func(overlay.Link, overlay.Identity, []byte) []byte { return nil })

	srv := httptest.NewServer(wsDest)
	defer srv.Close()

	clientTransport := New("client-hash", logger)
	clientDestIface, _ := clientTransport.Destination("rnsh", "default", overlay.RoleOut)
	clientDest := clientDestIface.(DialTarget)
	clientDest.WithURL("ws"+strings.TrimPrefix(srv.URL, "http")+"/", "server-hash")

	link, err := clientDestIface.Link()
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	waitForState(t, link, overlay.LinkActive, time.Second)

	calls := 0
	link.OnClosed(func() { calls++ })
	link.OnClosed(func() { calls++ })

	link.Teardown()
	link.Teardown() // idempotent

	if calls != 2 {
		t.Fatalf("onClosed invocations = %d, want 2 (one per subscriber, fired once)", calls)
	}
	if link.State() != overlay.LinkClosed {
		t.Fatalf("state = %v, want CLOSED", link.State())
	}
}

func TestAllowListRejectsUnknownIdentity(t *testing.T) {
	logger := slog.Default()
	serverTransport := New("server-hash", logger)
	serverDest, _ := serverTransport.Destination("rnsh", "default", overlay.RoleIn)
	wsDest := serverDest.(*destination)
	served := make(chan struct{}, 1)
	_ = wsDest.Accept("data", []string{"only-this-hash"}, func(overlay.Link, overlay.Identity, []byte) []byte {
		served <- struct{}{}
		return nil
	})

	srv := httptest.NewServer(wsDest)
	defer srv.Close()

	clientTransport := New("client-hash", logger)
	clientDestIface, _ := clientTransport.Destination("rnsh", "default", overlay.RoleOut)
	clientDest := clientDestIface.(DialTarget)
	clientDest.WithURL("ws"+strings.TrimPrefix(srv.URL, "http")+"/", "server-hash")

	link, err := clientDestIface.Link()
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	waitForState(t, link, overlay.LinkActive, time.Second)

	id, err := identity.New(nil)
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	if err := link.Identify(id); err != nil {
		t.Fatalf("identify: %v", err)
	}

	waitForState(t, link, overlay.LinkClosed, time.Second)

	select {
	case <-served:
		t.Fatalf("handler should not have been invoked for a disallowed identity")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAllowListAdmitsVerifiedIdentity(t *testing.T) {
	logger := slog.Default()
	serverTransport := New("server-hash", logger)
	serverDest, _ := serverTransport.Destination("rnsh", "default", overlay.RoleIn)
	wsDest := serverDest.(*destination)

	id, err := identity.New(nil)
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}

	served := make(chan struct{}, 1)
	_ = wsDest.Accept("data", []string{id.HashHex()}, func(_ overlay.Link, remote overlay.Identity, _ []byte) []byte {
		if remote.HashHex() != id.HashHex() {
			t.Errorf("handler saw remote hash %q, want %q", remote.HashHex(), id.HashHex())
		}
		served <- struct{}{}
		return []byte("ok")
	})

	srv := httptest.NewServer(wsDest)
	defer srv.Close()

	clientTransport := New("client-hash", logger)
	clientDestIface, _ := clientTransport.Destination("rnsh", "default", overlay.RoleOut)
	clientDest := clientDestIface.(DialTarget)
	clientDest.WithURL("ws"+strings.TrimPrefix(srv.URL, "http")+"/", "server-hash")

	link, err := clientDestIface.Link()
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	defer link.Teardown()
	waitForState(t, link, overlay.LinkActive, time.Second)

	if err := link.Identify(id); err != nil {
		t.Fatalf("identify: %v", err)
	}

	if _, err := link.Request("data", []byte("hi")); err != nil {
		t.Fatalf("request: %v", err)
	}

	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatalf("handler was never invoked for an allow-listed, verified identity")
	}
}
