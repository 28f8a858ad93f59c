package identity

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestNewProducesHashOfHashLen(t *testing.T) {
	id, err := New(rand.Reader)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(id.Hash) != HashLen {
		t.Fatalf("hash length = %d, want %d", len(id.Hash), HashLen)
	}
	if len(id.HashHex()) != HashLen*2 {
		t.Fatalf("hash hex length = %d, want %d", len(id.HashHex()), HashLen*2)
	}
}

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()
	path := DefaultPath(dir)

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (create): %v", err)
	}

	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (reload): %v", err)
	}

	if first.HashHex() != second.HashHex() {
		t.Fatalf("identity changed across reload: %s != %s", first.HashHex(), second.HashHex())
	}
	if string(first.Private) != string(second.Private) {
		t.Fatalf("private key changed across reload")
	}
}

func TestLoadOrCreateRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rnsh")
	if err := os.WriteFile(path, []byte("private_key=not-hex\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadOrCreate(path); err == nil {
		t.Fatalf("expected error loading malformed identity file")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := New(rand.Reader)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msg := []byte("data available")
	sig := id.Sign(msg)
	if !Verify(id.Public, msg, sig) {
		t.Fatalf("Verify failed for valid signature")
	}
	if Verify(id.Public, []byte("tampered"), sig) {
		t.Fatalf("Verify succeeded for tampered message")
	}
}
