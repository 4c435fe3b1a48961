// Package permission implements the edit-authorization state machine: the
// guest-side Tracker that mirrors its own status, and the host-side Grants
// registry with one live expiry timer per granted guest.
package permission

import (
	"sync"
	"time"
)

// Status is the guest's edit-authorization state.
type Status string

const (
	StatusNone       Status = "NONE"
	StatusRequesting Status = "REQUESTING"
	StatusGranted    Status = "GRANTED"
	StatusCooldown   Status = "COOLDOWN"
)

// RequestTimeout bounds how long a guest waits for the host's decision before
// falling back to NONE. The timeout is local only; it cancels nothing on the
// host, and a decision arriving after it is still applied.
const RequestTimeout = 15 * time.Second

// Tracker holds a guest's local permission status. At most one of
// REQUESTING/GRANTED/COOLDOWN holds at a time.
type Tracker struct {
	mu        sync.Mutex
	status    Status
	expiresAt int64 // unix ms, 0 when absent
	timer     *time.Timer
	timeout   time.Duration

	onChange  func(Status, int64)
	onTimeout func()
}

// NewTracker creates a tracker in NONE. onChange fires after every transition;
// onTimeout fires when a request goes unanswered.
func NewTracker(onChange func(Status, int64), onTimeout func()) *Tracker {
	return &Tracker{
		status:    StatusNone,
		timeout:   RequestTimeout,
		onChange:  onChange,
		onTimeout: onTimeout,
	}
}

// BeginRequest moves to REQUESTING and arms the response timeout.
func (t *Tracker) BeginRequest() {
	t.mu.Lock()
	t.status = StatusRequesting
	t.expiresAt = 0
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.timeout, t.requestTimedOut)
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) requestTimedOut() {
	t.mu.Lock()
	if t.status != StatusRequesting {
		t.mu.Unlock()
		return
	}
	t.status = StatusNone
	t.expiresAt = 0
	t.mu.Unlock()
	t.notify()
	if t.onTimeout != nil {
		t.onTimeout()
	}
}

// ApplyGrant applies a PERMISSION_GRANTED decision. A grant that arrives after
// the local timeout already reset the state is applied anyway.
func (t *Tracker) ApplyGrant(expiresAt int64) {
	t.mu.Lock()
	t.stopTimerLocked()
	t.status = StatusGranted
	t.expiresAt = expiresAt
	t.mu.Unlock()
	t.notify()
}

// ApplyDenial applies a PERMISSION_DENIED decision; the cooldown end is
// computed locally relative to now.
func (t *Tracker) ApplyDenial(cooldownSec int) {
	t.mu.Lock()
	t.stopTimerLocked()
	t.status = StatusCooldown
	t.expiresAt = time.Now().Add(time.Duration(cooldownSec) * time.Second).UnixMilli()
	t.mu.Unlock()
	t.notify()
}

// ApplyRevoke applies a PERMISSION_REVOKED message.
func (t *Tracker) ApplyRevoke() {
	t.Reset()
}

// Reset returns to NONE, clearing any expiry and pending timeout. Used on
// revoke and on host disconnect.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.stopTimerLocked()
	t.status = StatusNone
	t.expiresAt = 0
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		status, expires := t.Current()
		t.onChange(status, expires)
	}
}

// Current returns the status and expiry (unix ms, 0 when absent).
func (t *Tracker) Current() (Status, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.expiresAt
}

// Grants is the host's view: one expiry timer per granted guest, keyed by peer
// identity. Granting again before the previous timer fires supersedes it, so a
// stale timer can never revoke a newer grant.
type Grants struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	onExpire func(peerID string)
}

// NewGrants creates an empty registry. onExpire runs exactly once per grant
// that reaches its deadline without being superseded or revoked.
func NewGrants(onExpire func(peerID string)) *Grants {
	return &Grants{
		timers:   make(map[string]*time.Timer),
		onExpire: onExpire,
	}
}

// Grant arms (or re-arms) the expiry timer for peerID and returns the absolute
// expiry in unix milliseconds.
func (g *Grants) Grant(peerID string, duration time.Duration) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.timers[peerID]; ok {
		old.Stop()
	}
	expiresAt := time.Now().Add(duration).UnixMilli()
	var timer *time.Timer
	timer = time.AfterFunc(duration, func() {
		g.mu.Lock()
		if g.timers[peerID] != timer {
			// Superseded by a newer grant or an explicit revoke.
			g.mu.Unlock()
			return
		}
		delete(g.timers, peerID)
		g.mu.Unlock()
		if g.onExpire != nil {
			g.onExpire(peerID)
		}
	})
	g.timers[peerID] = timer
	return expiresAt
}

// Revoke cancels the grant for peerID, reporting whether one was live.
func (g *Grants) Revoke(peerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	timer, ok := g.timers[peerID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(g.timers, peerID)
	return true
}

// Has reports whether peerID holds a live grant.
func (g *Grants) Has(peerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.timers[peerID]
	return ok
}

// Clear drops the grant without firing the expiry callback. Used when the
// guest disconnects.
func (g *Grants) Clear(peerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if timer, ok := g.timers[peerID]; ok {
		timer.Stop()
		delete(g.timers, peerID)
	}
}
