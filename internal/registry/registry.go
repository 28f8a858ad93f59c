// Package registry implements the Session Registry (spec.md §4.1, C1):
// a link-id → Session map guarded by a single mutex, with no iteration
// exposed — the listener enumerates live links through the transport,
// never through the registry.
package registry

import "sync"

// Session is the subset of listener session state the registry needs to
// know about. The concrete type lives in the listener package; registry
// only needs to store and hand back references, so it depends on an
// interface instead of importing listener (which would be a cycle).
type Session interface {
	// Close tears down the session: terminates the child, stops the
	// stdout pump, and releases the PTY. Called by the registry when an
	// entry is replaced or explicitly cleared.
	Close()
}

// Registry maps an opaque link-id (transport-assigned bytes, stringified
// for use as a map key) to a Session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Get returns the Session registered for tag, or nil if none exists.
func (r *Registry) Get(tag string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[tag]
}

// Put registers session under tag, replacing (and closing) any prior
// entry for the same tag. Satisfies invariant I1: link-id is unique.
func (r *Registry) Put(tag string, session Session) {
	r.mu.Lock()
	prior := r.sessions[tag]
	r.sessions[tag] = session
	r.mu.Unlock()

	if prior != nil && prior != session {
		prior.Close()
	}
}

// Clear removes and closes the entry for tag, if any, and reports
// whether an entry was actually present. Idempotent (P6): clearing an
// absent tag is a no-op that reports false, so a caller that clears the
// same tag twice (once from a real close callback, once from a later
// grace-period timer) can tell which call did the work.
func (r *Registry) Clear(tag string) bool {
	r.mu.Lock()
	session, ok := r.sessions[tag]
	if ok {
		delete(r.sessions, tag)
	}
	r.mu.Unlock()

	if ok {
		session.Close()
	}
	return ok
}

// Len reports the number of live sessions. It is not a substitute for
// iteration, which remains unexposed per spec.md §4.1; the active-session
// gauge in internal/metrics is maintained separately by the listener.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
