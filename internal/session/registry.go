package session

import (
	"sync"
)

// Role is the local peer's role in the current session.
type Role string

const (
	RoleNone  Role = "NONE"
	RoleHost  Role = "HOST"
	RoleGuest Role = "GUEST"
)

// ConnState is the guest-side connection lifecycle, surfaced to the UI.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateError        ConnState = "ERROR"
)

// Conn is the capability the session needs from a transport connection.
type Conn interface {
	PeerID() string
	Send(data []byte) error
	IsOpen() bool
}

// Registry tracks the active connections and the local role. The host holds a
// set of guest connections; a guest holds at most one authoritative host
// connection, settled only once the outbound open handshake completes, never
// at initiation time. Sending over a connection that may still fail to open
// is how requests get silently lost.
type Registry struct {
	mu       sync.RWMutex
	role     Role
	conns    map[string]Conn
	order    []string // insertion order, for a stable guest list
	hostConn Conn
}

// NewRegistry creates an empty registry with role NONE.
func NewRegistry() *Registry {
	return &Registry{
		role:  RoleNone,
		conns: make(map[string]Conn),
	}
}

// Role returns the local role.
func (r *Registry) Role() Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role
}

// SetRole sets the local role.
func (r *Registry) SetRole(role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.role = role
}

// Add registers a connection keyed by its peer identity.
func (r *Registry) Add(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := conn.PeerID()
	if _, exists := r.conns[id]; !exists {
		r.order = append(r.order, id)
	}
	r.conns[id] = conn
}

// Remove drops a connection. It reports whether the removed connection was the
// authoritative host connection, in which case the caller must reset role and
// permission state.
func (r *Registry) Remove(conn Conn) (wasHost bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := conn.PeerID()
	delete(r.conns, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.hostConn != nil && r.hostConn.PeerID() == id {
		r.hostConn = nil
		return true
	}
	return false
}

// SetHostConn settles the authoritative host connection.
func (r *Registry) SetHostConn(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hostConn = conn
}

// HostConn returns the authoritative host connection, falling back to any open
// registered connection when the authoritative reference lags behind the
// handshake. Returns nil when nothing usable is open.
func (r *Registry) HostConn() Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.hostConn != nil && r.hostConn.IsOpen() {
		return r.hostConn
	}
	for _, id := range r.order {
		if conn := r.conns[id]; conn != nil && conn.IsOpen() {
			return conn
		}
	}
	return nil
}

// OpenConns returns every open connection in insertion order. On the host this
// is the broadcast target set.
func (r *Registry) OpenConns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.order))
	for _, id := range r.order {
		if conn := r.conns[id]; conn != nil && conn.IsOpen() {
			out = append(out, conn)
		}
	}
	return out
}

// Get returns the connection for a peer id, or nil.
func (r *Registry) Get(peerID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[peerID]
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Reset drops everything and returns the registry to role NONE.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.role = RoleNone
	r.conns = make(map[string]Conn)
	r.order = nil
	r.hostConn = nil
}
