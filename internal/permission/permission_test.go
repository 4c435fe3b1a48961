package permission

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRequestFlow(t *testing.T) {
	tracker := NewTracker(nil, nil)

	status, expires := tracker.Current()
	assert.Equal(t, StatusNone, status)
	assert.Zero(t, expires)

	tracker.BeginRequest()
	status, _ = tracker.Current()
	assert.Equal(t, StatusRequesting, status)

	grantExpiry := time.Now().Add(time.Minute).UnixMilli()
	tracker.ApplyGrant(grantExpiry)
	status, expires = tracker.Current()
	assert.Equal(t, StatusGranted, status)
	assert.Equal(t, grantExpiry, expires)
	assert.Greater(t, expires, time.Now().UnixMilli(), "a fresh grant always expires in the future")

	tracker.ApplyRevoke()
	status, expires = tracker.Current()
	assert.Equal(t, StatusNone, status)
	assert.Zero(t, expires)
}

func TestTrackerDenialEntersCooldown(t *testing.T) {
	tracker := NewTracker(nil, nil)
	tracker.BeginRequest()

	before := time.Now().UnixMilli()
	tracker.ApplyDenial(10)

	status, expires := tracker.Current()
	assert.Equal(t, StatusCooldown, status)
	assert.InDelta(t, before+10_000, expires, 500)
}

func TestTrackerRequestTimeout(t *testing.T) {
	timedOut := make(chan struct{})
	tracker := NewTracker(nil, func() { close(timedOut) })
	tracker.timeout = 20 * time.Millisecond

	tracker.BeginRequest()

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("request timeout never fired")
	}
	status, _ := tracker.Current()
	assert.Equal(t, StatusNone, status)
}

func TestTrackerLateGrantAppliedAfterTimeout(t *testing.T) {
	tracker := NewTracker(nil, nil)
	tracker.timeout = 10 * time.Millisecond
	tracker.BeginRequest()
	time.Sleep(50 * time.Millisecond)

	// The host's decision arrives after the local timeout already reset the
	// state; it is applied anyway.
	tracker.ApplyGrant(time.Now().Add(time.Minute).UnixMilli())
	status, _ := tracker.Current()
	assert.Equal(t, StatusGranted, status)
}

func TestTrackerTimeoutDoesNotFireAfterDecision(t *testing.T) {
	var timeouts int
	var mu sync.Mutex
	tracker := NewTracker(nil, func() {
		mu.Lock()
		timeouts++
		mu.Unlock()
	})
	tracker.timeout = 20 * time.Millisecond

	tracker.BeginRequest()
	tracker.ApplyGrant(time.Now().Add(time.Minute).UnixMilli())
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, timeouts)
}

func TestGrantsExpireExactlyOnce(t *testing.T) {
	expired := make(chan string, 4)
	grants := NewGrants(func(peerID string) { expired <- peerID })

	expiresAt := grants.Grant("guest-1", 20*time.Millisecond)
	assert.Greater(t, expiresAt, time.Now().UnixMilli())
	assert.True(t, grants.Has("guest-1"))

	select {
	case peer := <-expired:
		assert.Equal(t, "guest-1", peer)
	case <-time.After(time.Second):
		t.Fatal("expiry never fired")
	}
	assert.False(t, grants.Has("guest-1"))

	select {
	case <-expired:
		t.Fatal("expiry fired twice")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRegrantSupersedesOldTimer(t *testing.T) {
	expired := make(chan string, 4)
	grants := NewGrants(func(peerID string) { expired <- peerID })

	grants.Grant("guest-1", 20*time.Millisecond)
	grants.Grant("guest-1", 200*time.Millisecond)

	// The first timer's deadline passes without firing.
	select {
	case <-expired:
		t.Fatal("stale timer revoked the newer grant")
	case <-time.After(80 * time.Millisecond):
	}

	// Only the latest timer fires.
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("second grant never expired")
	}
}

func TestRevokeCancelsTimer(t *testing.T) {
	expired := make(chan string, 1)
	grants := NewGrants(func(peerID string) { expired <- peerID })

	grants.Grant("guest-1", 30*time.Millisecond)
	require.True(t, grants.Revoke("guest-1"))
	assert.False(t, grants.Revoke("guest-1"), "second revoke finds nothing")

	select {
	case <-expired:
		t.Fatal("revoked grant still expired")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestClearDropsWithoutCallback(t *testing.T) {
	expired := make(chan string, 1)
	grants := NewGrants(func(peerID string) { expired <- peerID })

	grants.Grant("guest-1", 20*time.Millisecond)
	grants.Clear("guest-1")
	assert.False(t, grants.Has("guest-1"))

	select {
	case <-expired:
		t.Fatal("cleared grant fired its expiry callback")
	case <-time.After(60 * time.Millisecond):
	}
}
