// Package session maintains the bidirectional binding between issuer
// identities and live device connections.
package session

import (
	"sync"
	"time"
)

// Conn is an opaque connection handle. Callers pass pointer-typed handles,
// which are comparable and unique per connection.
type Conn any

// Info describes one bound session.
type Info struct {
	Identity    string
	Hostname    string
	ConnectedAt time.Time
}

// Registry maps identities to device connections and back. Both directions
// are updated under one lock, so lookups never observe a half-bound state.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]Conn
	byConn     map[Conn]string
	info       map[Conn]Info
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]Conn),
		byConn:     make(map[Conn]string),
		info:       make(map[Conn]Info),
	}
}

// Bind associates identity with conn and returns the previous connection for
// that identity, if any. The superseded connection is fully unbound before
// the new binding is visible; closing it is the caller's job.
func (r *Registry) Bind(identity, hostname string, conn Conn) (superseded Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byIdentity[identity]; ok && old != conn {
		delete(r.byConn, old)
		delete(r.info, old)
		superseded = old
	}
	// A handle holds at most one identity: rebinding conn releases the
	// forward mapping of whatever identity it held before.
	if prev, ok := r.byConn[conn]; ok && prev != identity {
		if r.byIdentity[prev] == conn {
			delete(r.byIdentity, prev)
		}
	}
	r.byIdentity[identity] = conn
	r.byConn[conn] = identity
	r.info[conn] = Info{Identity: identity, Hostname: hostname, ConnectedAt: time.Now()}
	return superseded
}

// Resolve returns the live connection bound to identity.
func (r *Registry) Resolve(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byIdentity[identity]
	return conn, ok
}

// Identity returns the identity bound to conn.
func (r *Registry) Identity(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.byConn[conn]
	return identity, ok
}

// Unbind removes conn's binding and returns the identity it held. A handle
// unbinds at most once: if conn is not bound, or its identity has since been
// rebound to a newer connection, Unbind is a no-op returning ok=false.
func (r *Registry) Unbind(conn Conn) (identity string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok = r.byConn[conn]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn)
	delete(r.info, conn)
	if r.byIdentity[identity] == conn {
		delete(r.byIdentity, identity)
	}
	return identity, true
}

// Snapshot returns the current sessions, one Info per bound device.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.info))
	for _, in := range r.info {
		out = append(out, in)
	}
	return out
}

// Len returns the number of bound sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

// Sole returns the single bound identity when exactly one session exists.
// Used as the dashboard's fallback target when no identity is given.
func (r *Registry) Sole() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.byIdentity) != 1 {
		return "", false
	}
	for identity := range r.byIdentity {
		return identity, true
	}
	return "", false
}

// Has reports whether identity currently has a bound session.
func (r *Registry) Has(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byIdentity[identity]
	return ok
}
