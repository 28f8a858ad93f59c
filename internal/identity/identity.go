// Package identity implements the long-lived keypair that gives an rnsh
// endpoint its routing address: a truncated hash of an ed25519 public key.
//
// Grounded on thyth-nosshtradamus's GenHostKey (internal/sshproxy/proxy.go),
// which generates an ed25519.PrivateKey via golang.org/x/crypto/ed25519 for
// use as an SSH host key; here the same primitive backs a stable identity
// instead of a per-process host key.
package identity

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ed25519"
)

// HashLen is the truncated address length in bytes. 16 bytes (32 hex
// characters) mirrors the destination-hash length rnsh.py validates
// against in its client argument parsing.
const HashLen = 16

// Identity is a long-lived ed25519 keypair plus its derived address.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	Hash    [HashLen]byte
}

// PublicKeySize and SignatureSize are the ed25519 key and signature
// lengths, exposed so the identify challenge-response in
// internal/overlay/wsoverlay can parse a combined pubkey+signature
// payload without importing ed25519 itself.
const (
	PublicKeySize = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize
)

// HashHex returns the identity's routing address as lowercase hex.
func (id *Identity) HashHex() string {
	return hex.EncodeToString(id.Hash[:])
}

// PublicKey returns the identity's raw public key bytes, sent alongside
// a signature when answering an identify challenge.
func (id *Identity) PublicKey() []byte {
	return id.Public
}

// Sign signs data with the identity's private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.Private, data)
}

// Verify checks a signature made by the holder of pub.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}

// HashOfPublicKey derives the routing address a raw ed25519 public key
// hashes to, the same derivation New uses for a freshly generated
// keypair. An acceptor verifying an identify challenge uses this to turn
// a signed public key into the hash it must check against an allow-list.
func HashOfPublicKey(pub ed25519.PublicKey) string {
	h := hashOf(pub)
	return hex.EncodeToString(h[:])
}

func hashOf(pub ed25519.PublicKey) [HashLen]byte {
	sum := sha256.Sum256(pub)
	var h [HashLen]byte
	copy(h[:], sum[:HashLen])
	return h
}

// New generates a fresh identity using rand as the entropy source (pass
// nil for crypto/rand).
func New(rand io.Reader) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	return &Identity{Public: pub, Private: priv, Hash: hashOf(pub)}, nil
}

// DefaultPath returns "<configDir>/rnsh", the identity file location
// spec.md §6 specifies when -i is not given.
func DefaultPath(configDir string) string {
	return filepath.Join(configDir, "rnsh")
}

// LoadOrCreate reads the identity at path, or generates and persists a new
// one if the file does not exist. The on-disk format is a simple
// key=value blob, a delegated format per spec.md §6 since the real
// Reticulum identity file format is out of scope.
func LoadOrCreate(path string) (*Identity, error) {
	if data, err := os.ReadFile(path); err == nil {
		return parse(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}

	id, err := New(nil)
	if err != nil {
		return nil, err
	}
	if err := save(path, id); err != nil {
		return nil, err
	}
	return id, nil
}

func parse(data []byte) (*Identity, error) {
	values := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			values[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	privHex, ok := values["private_key"]
	if !ok {
		return nil, fmt.Errorf("identity file missing private_key")
	}
	privBytes, err := hex.DecodeString(privHex)
	if err != nil || len(privBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file has malformed private_key")
	}
	priv := ed25519.PrivateKey(privBytes)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{Public: pub, Private: priv, Hash: hashOf(pub)}, nil
}

func save(path string, id *Identity) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create identity dir %s: %w", dir, err)
		}
	}
	content := fmt.Sprintf("private_key=%s\npublic_key=%s\nhash=%s\n",
		hex.EncodeToString(id.Private), hex.EncodeToString(id.Public), id.HashHex())
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write identity file %s: %w", path, err)
	}
	return nil
}

