// Package overlay declares the transport interfaces the core of this
// program requires from a packet-switched overlay network with
// identity-based addressing (spec.md §6). The overlay itself is an
// external collaborator: neither the teacher nor any example repo in
// the corpus binds to a real one, so this package only names the
// narrow surface the listener (C3/C4) and client (C5) actually call,
// modeled directly on spec.md §6's prose. internal/overlay/wsoverlay
// supplies the one concrete implementation in this repo, built over a
// real transport dependency rather than a hand-rolled fake.
package overlay

import "context"

// Role distinguishes a server-side (IN) destination, which accepts
// incoming links and registers a request handler, from a client-side
// (OUT) destination, which establishes links to a known identity hash.
type Role int

const (
	RoleIn Role = iota
	RoleOut
)

// LinkState mirrors spec.md §6's three-state link lifecycle.
type LinkState int

const (
	LinkPending LinkState = iota
	LinkActive
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkPending:
		return "PENDING"
	case LinkActive:
		return "ACTIVE"
	case LinkClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ReceiptStatus is the status set shared by unreliable packets and
// reliable requests, per spec.md §6.
type ReceiptStatus int

const (
	StatusSent ReceiptStatus = iota
	StatusDelivered
	StatusFailed
)

func (s ReceiptStatus) String() string {
	switch s {
	case StatusSent:
		return "SENT"
	case StatusDelivered:
		return "DELIVERED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Identity is a long-lived keypair; its truncated hash is the routing
// address (spec.md GLOSSARY "Identity").
type Identity interface {
	HashHex() string
}

// Signer is a local Identity able to answer an identify challenge: it
// hands back the raw public key backing its hash and can produce a
// signature over arbitrary data with the matching private key. An
// acceptor recomputes the hash from the public key and verifies the
// signature before trusting it, rather than trusting a bare claimed hash
// (spec.md §6 "S3").
type Signer interface {
	Identity
	PublicKey() []byte
	Sign(data []byte) []byte
}

// SendReceipt tracks the delivery of one unreliable packet.
type SendReceipt interface {
	Status() ReceiptStatus
}

// RequestReceipt tracks a reliable request/response exchange. Status
// progresses through the same set as SendReceipt, with StatusDelivered
// additionally meaning the response has arrived.
type RequestReceipt interface {
	Status() ReceiptStatus
	// Response blocks until the receipt reaches a terminal status
	// (DELIVERED or FAILED) or ctx is done, then returns the opaque
	// response payload (nil on FAILED).
	Response(ctx context.Context) ([]byte, error)
}

// Link is a live (or pending, or torn down) channel between two
// destinations, per spec.md §6 and GLOSSARY "Link"/"MDU".
type Link interface {
	ID() string
	State() LinkState
	MDU() int
	RTT() float64

	// Identify answers a pending (or future) identify challenge on this
	// link with id, proving possession of id's private key. Called at
	// most once per link by C5 when identification is enabled.
	Identify(id Signer) error

	// Teardown closes the link. Idempotent.
	Teardown()

	// Send transmits an unreliable packet and returns a receipt for it.
	Send(payload []byte) (SendReceipt, error)

	// Request sends a reliable request along path, carrying data, and
	// returns a receipt for the eventual response.
	Request(path string, data []byte) (RequestReceipt, error)

	// OnPacket registers a callback invoked for every unreliable packet
	// arriving on this link (used by C5 to detect "data available").
	OnPacket(func(payload []byte))

	// OnClosed registers a callback invoked exactly once when the link
	// transitions to CLOSED, from any cause.
	OnClosed(func())
}

// RequestHandler serves one reliable request arriving on an IN
// destination and returns the opaque response payload.
type RequestHandler func(link Link, remote Identity, data []byte) []byte

// Destination is an addressable endpoint identified by (identity,
// app-name, service-name), per spec.md GLOSSARY "Destination".
type Destination interface {
	Role() Role
	HashHex() string

	// Accept registers this IN destination's request handler for path,
	// restricted to the given allow-list of remote identity hashes (empty
	// allow-list means accept any identity). Listener-side only.
	Accept(path string, allow []string, handler RequestHandler) error

	// OnLinkEstablished registers a callback fired for every new link
	// accepted on this IN destination.
	OnLinkEstablished(func(Link))

	// OnRemoteIdentified registers a callback fired when the remote party
	// on a link identifies itself.
	OnRemoteIdentified(func(link Link, remote Identity))

	// HasPath reports whether a route to this destination's identity hash
	// is already known.
	HasPath() bool

	// RequestPath asks the overlay to discover a route. Client-side only.
	RequestPath() error

	// Link establishes a link to this OUT destination. Client-side only.
	Link() (Link, error)
}

// Transport is the overlay network handle: it owns this process's
// identity and mints destinations. APP_NAME is fixed at "rnsh" per
// spec.md §6.
type Transport interface {
	Identity() Identity

	// Destination returns the destination for (appName, serviceName) in
	// the given role, creating it if necessary.
	Destination(appName, serviceName string, role Role) (Destination, error)

	Close() error
}
