package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MapBoard/internal/permission"
	"MapBoard/internal/protocol"
	"MapBoard/internal/state"
)

// fakeConn records everything sent through it.
type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
	open bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (f *fakeConn) PeerID() string { return f.id }
func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
}

func (f *fakeConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, 0, len(f.sent))
	for _, data := range f.sent {
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

func newTestSession(cb Callbacks) *Session {
	return New(zap.NewNop(), state.NewDocument(), cb)
}

// hostWithGuests builds a host session with the given open guest connections
// already onboarded, with their onboarding frames cleared.
func hostWithGuests(cb Callbacks, guests ...*fakeConn) *Session {
	s := newTestSession(cb)
	for _, g := range guests {
		s.HandleInboundOpen(g)
		g.reset()
	}
	return s
}

func TestInboundOpenMakesHostAndOnboards(t *testing.T) {
	s := newTestSession(Callbacks{})
	s.Document().SetImage("img-a", state.ImageSize{Width: 800, Height: 600})
	s.Document().AddPin(state.Pin{ID: "p1", X: 0.5, Y: 0.5, Color: "#ef4444"})
	s.Document().AddLine(state.Line{ID: "l1", Points: []float64{0, 0, 1, 1}})

	g1 := newFakeConn("guest-1")
	s.HandleInboundOpen(g1)

	assert.Equal(t, RoleHost, s.Role())

	msgs := g1.messages(t)
	require.Len(t, msgs, 2, "onboarding is SYNC_FULL followed by SYNC_LINES")

	full, ok := msgs[0].(protocol.SyncFull)
	require.True(t, ok)
	assert.Equal(t, "img-a", full.Image)
	require.Len(t, full.Pins, 1)
	assert.Equal(t, "p1", full.Pins[0].ID)

	lines, ok := msgs[1].(protocol.SyncLines)
	require.True(t, ok)
	require.Len(t, lines.Lines, 1)
	assert.Equal(t, "l1", lines.Lines[0].ID)
}

func TestHostMutationBroadcastsToEveryOpenGuest(t *testing.T) {
	g1 := newFakeConn("guest-1")
	g2 := newFakeConn("guest-2")
	s := hostWithGuests(Callbacks{}, g1, g2)

	s.AddPin(state.Pin{ID: "p1", X: 0.5, Y: 0.5, Color: "#ef4444"})

	for _, g := range []*fakeConn{g1, g2} {
		msgs := g.messages(t)
		require.Len(t, msgs, 1, "exactly one frame per open guest")
		pins, ok := msgs[0].(protocol.SyncPins)
		require.True(t, ok)
		require.Len(t, pins.Pins, 1)
		assert.Equal(t, "p1", pins.Pins[0].ID)
	}
}

func TestClosedGuestMissesBroadcast(t *testing.T) {
	g1 := newFakeConn("guest-1")
	g2 := newFakeConn("guest-2")
	s := hostWithGuests(Callbacks{}, g1, g2)
	g2.close()

	s.AddPin(state.Pin{ID: "p1"})

	assert.Len(t, g1.messages(t), 1)
	assert.Empty(t, g2.messages(t), "closed connections are skipped, not retried")
}

func TestHostAppliesGuestOpAndEchoesToAll(t *testing.T) {
	g1 := newFakeConn("guest-1")
	g2 := newFakeConn("guest-2")
	s := hostWithGuests(Callbacks{}, g1, g2)

	pin := state.Pin{ID: "p1", X: 0.3, Y: 0.3, Color: "#3b82f6"}
	frame, err := protocol.Encode(protocol.RequestOp{Action: protocol.ActionAddPin, Pin: &pin})
	require.NoError(t, err)
	s.HandleData(g1, frame)

	require.Len(t, s.Document().Pins(), 1)
	// The originator gets the echo too; its own optimistic copy makes the
	// wholesale pin replacement a no-op visually.
	assert.Len(t, g1.messages(t), 1)
	assert.Len(t, g2.messages(t), 1)
}

func TestDuplicateGuestOpIsAbsorbed(t *testing.T) {
	g1 := newFakeConn("guest-1")
	s := hostWithGuests(Callbacks{}, g1)

	pin := state.Pin{ID: "p1"}
	frame, err := protocol.Encode(protocol.RequestOp{Action: protocol.ActionAddPin, Pin: &pin})
	require.NoError(t, err)
	s.HandleData(g1, frame)
	s.HandleData(g1, frame)

	assert.Len(t, s.Document().Pins(), 1)
	assert.Len(t, g1.messages(t), 1, "a duplicate op triggers no second broadcast")
}

func TestGuestMutationGoesOnlyToHost(t *testing.T) {
	host := newFakeConn("the-host")
	s := newTestSession(Callbacks{})
	s.HandleOutboundOpen(host)
	require.Equal(t, RoleGuest, s.Role())

	s.AddPin(state.Pin{ID: "p1", X: 0.5, Y: 0.5})

	msgs := host.messages(t)
	require.Len(t, msgs, 1)
	op, ok := msgs[0].(protocol.RequestOp)
	require.True(t, ok)
	assert.Equal(t, protocol.ActionAddPin, op.Action)
	require.NotNil(t, op.Pin)
	assert.Equal(t, "p1", op.Pin.ID)

	// Optimistic local apply happened before the send.
	assert.Len(t, s.Document().Pins(), 1)
}

func TestGuestAppliedSyncIsNeverResent(t *testing.T) {
	host := newFakeConn("the-host")
	s := newTestSession(Callbacks{})
	s.HandleOutboundOpen(host)

	frame, err := protocol.Encode(protocol.SyncPins{Pins: []state.Pin{{ID: "p1"}}})
	require.NoError(t, err)
	s.HandleData(host, frame)

	assert.Len(t, s.Document().Pins(), 1)
	assert.Empty(t, host.messages(t), "syncs pushed by the host must not bounce back")
}

func TestUndoOnEmptySendsNothing(t *testing.T) {
	host := newFakeConn("the-host")
	s := newTestSession(Callbacks{})
	s.HandleOutboundOpen(host)

	s.UndoLine()

	assert.Empty(t, host.messages(t))
	assert.Empty(t, s.Document().Lines())
}

func TestUndoBroadcastsRemainingLines(t *testing.T) {
	g1 := newFakeConn("guest-1")
	s := hostWithGuests(Callbacks{}, g1)
	s.AddLine(state.Line{ID: "l1"})
	s.AddLine(state.Line{ID: "l2"})
	g1.reset()

	s.UndoLine()

	msgs := g1.messages(t)
	require.Len(t, msgs, 1)
	lines, ok := msgs[0].(protocol.SyncLines)
	require.True(t, ok)
	require.Len(t, lines.Lines, 1)
	assert.Equal(t, "l1", lines.Lines[0].ID)
}

func TestSyncFullResetsViewOnlyOnImageChange(t *testing.T) {
	host := newFakeConn("the-host")
	s := newTestSession(Callbacks{})
	s.HandleOutboundOpen(host)

	full := protocol.SyncFull{
		Image:        "img-a",
		ImageSize:    &state.ImageSize{Width: 800, Height: 600},
		HostSettings: state.DefaultHostSettings(),
	}
	frame, err := protocol.Encode(full)
	require.NoError(t, err)
	s.HandleData(host, frame)
	s.Document().UpdateStage(state.Stage{Scale: 3, X: 1, Y: 1})

	// Resync with the same image keeps the viewer's transform.
	s.HandleData(host, frame)
	assert.Equal(t, state.Stage{Scale: 3, X: 1, Y: 1}, s.Document().Stage())

	// A different image resets it.
	full.Image = "img-b"
	frame, err = protocol.Encode(full)
	require.NoError(t, err)
	s.HandleData(host, frame)
	assert.Equal(t, state.Stage{Scale: 1}, s.Document().Stage())
}

func TestPermissionRequestSurfacesToHostUI(t *testing.T) {
	var requested []string
	g1 := newFakeConn("guest-1")
	s := hostWithGuests(Callbacks{
		PermissionRequested: func(peerID string) { requested = append(requested, peerID) },
	}, g1)

	frame, err := protocol.Encode(protocol.RequestPermission{})
	require.NoError(t, err)
	s.HandleData(g1, frame)

	assert.Equal(t, []string{"guest-1"}, requested)
	assert.Empty(t, g1.messages(t), "the host never auto-decides")
}

func TestGrantSendsExpiryAndMarksGuest(t *testing.T) {
	g1 := newFakeConn("guest-1")
	s := hostWithGuests(Callbacks{}, g1)

	before := time.Now().UnixMilli()
	s.Grant("guest-1")

	msgs := g1.messages(t)
	require.Len(t, msgs, 1)
	granted, ok := msgs[0].(protocol.PermissionGranted)
	require.True(t, ok)
	duration := int64(s.Document().Settings().PermissionDuration) * 1000
	assert.InDelta(t, before+duration, granted.ExpiresAt, 1000)

	list := s.GuestList()
	require.Len(t, list, 1)
	assert.True(t, list[0].HasPermission)
}

func TestDenyCarriesCooldown(t *testing.T) {
	g1 := newFakeConn("guest-1")
	s := hostWithGuests(Callbacks{}, g1)

	s.Deny("guest-1")

	msgs := g1.messages(t)
	require.Len(t, msgs, 1)
	denied, ok := msgs[0].(protocol.PermissionDenied)
	require.True(t, ok)
	assert.Equal(t, s.Document().Settings().ReapplyCooldown, denied.Cooldown)
}

func TestManualRevokeNotifiesGuest(t *testing.T) {
	g1 := newFakeConn("guest-1")
	s := hostWithGuests(Callbacks{}, g1)
	s.Grant("guest-1")
	g1.reset()

	s.Revoke("guest-1")

	msgs := g1.messages(t)
	require.Len(t, msgs, 1)
	_, ok := msgs[0].(protocol.PermissionRevoked)
	assert.True(t, ok)
	assert.False(t, s.GuestList()[0].HasPermission)

	// Revoking again is a no-op with no extra frame.
	g1.reset()
	s.Revoke("guest-1")
	assert.Empty(t, g1.messages(t))
}

func TestGuestPermissionLifecycle(t *testing.T) {
	host := newFakeConn("the-host")
	s := newTestSession(Callbacks{})
	s.HandleOutboundOpen(host)

	s.RequestPermission()
	status, _ := s.Permission()
	assert.Equal(t, permission.StatusRequesting, status)
	msgs := host.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.KindRequestPermission, msgs[0].Kind())

	expiresAt := time.Now().Add(time.Minute).UnixMilli()
	frame, err := protocol.Encode(protocol.PermissionGranted{ExpiresAt: expiresAt})
	require.NoError(t, err)
	s.HandleData(host, frame)
	status, gotExpiry := s.Permission()
	assert.Equal(t, permission.StatusGranted, status)
	assert.Equal(t, expiresAt, gotExpiry)
	assert.True(t, s.CanEdit())

	frame, err = protocol.Encode(protocol.PermissionRevoked{})
	require.NoError(t, err)
	s.HandleData(host, frame)
	status, _ = s.Permission()
	assert.Equal(t, permission.StatusNone, status)
	assert.False(t, s.CanEdit())
}

func TestDenialEntersCooldown(t *testing.T) {
	var notices []string
	host := newFakeConn("the-host")
	s := newTestSession(Callbacks{
		Notice: func(text string) { notices = append(notices, text) },
	})
	s.HandleOutboundOpen(host)

	frame, err := protocol.Encode(protocol.PermissionDenied{Cooldown: 10})
	require.NoError(t, err)
	before := time.Now().UnixMilli()
	s.HandleData(host, frame)

	status, expires := s.Permission()
	assert.Equal(t, permission.StatusCooldown, status)
	assert.InDelta(t, before+10_000, expires, 500)
	assert.NotEmpty(t, notices)
}

func TestFreeModeBypassesPermission(t *testing.T) {
	host := newFakeConn("the-host")
	s := newTestSession(Callbacks{})
	s.HandleOutboundOpen(host)
	assert.False(t, s.CanEdit())

	settings := state.DefaultHostSettings()
	settings.GuestEditMode = state.EditModeFree
	frame, err := protocol.Encode(protocol.SyncSettings{HostSettings: settings})
	require.NoError(t, err)
	s.HandleData(host, frame)

	assert.True(t, s.CanEdit(), "FREE mode bypasses the state machine at the gate")
}

func TestHostDisconnectResetsGuest(t *testing.T) {
	var states []ConnState
	host := newFakeConn("the-host")
	s := newTestSession(Callbacks{
		ConnectionStateChanged: func(cs ConnState) { states = append(states, cs) },
	})
	s.HandleOutboundOpen(host)
	frame, err := protocol.Encode(protocol.PermissionGranted{ExpiresAt: time.Now().Add(time.Minute).UnixMilli()})
	require.NoError(t, err)
	s.HandleData(host, frame)

	host.close()
	s.HandleClose(host)

	assert.Equal(t, RoleNone, s.Role())
	status, expires := s.Permission()
	assert.Equal(t, permission.StatusNone, status)
	assert.Zero(t, expires)
	assert.Contains(t, states, StateDisconnected)
}

func TestGuestDisconnectClearsGrant(t *testing.T) {
	g1 := newFakeConn("guest-1")
	g2 := newFakeConn("guest-2")
	s := hostWithGuests(Callbacks{}, g1, g2)
	s.Grant("guest-1")

	g1.close()
	s.HandleClose(g1)

	assert.Equal(t, RoleHost, s.Role(), "losing a guest does not end hosting")
	list := s.GuestList()
	require.Len(t, list, 1)
	assert.Equal(t, "guest-2", list[0].ID)
}

func TestCursorFromGuestGoesOnlyToHost(t *testing.T) {
	host := newFakeConn("the-host")
	s := newTestSession(Callbacks{})
	s.HandleOutboundOpen(host)

	// View-only guests do not broadcast their cursor.
	s.SendCursor(0.5, 0.5, "#ef4444", "me")
	assert.Empty(t, host.messages(t))

	frame, err := protocol.Encode(protocol.PermissionGranted{ExpiresAt: time.Now().Add(time.Minute).UnixMilli()})
	require.NoError(t, err)
	s.HandleData(host, frame)

	s.SendCursor(0.5, 0.5, "#ef4444", "me")
	msgs := host.messages(t)
	require.Len(t, msgs, 1)
	move, ok := msgs[0].(protocol.CursorMove)
	require.True(t, ok)
	assert.Equal(t, s.SelfID(), move.UserID)
}

func TestInboundCursorStoredTransiently(t *testing.T) {
	g1 := newFakeConn("guest-1")
	s := hostWithGuests(Callbacks{}, g1)

	frame, err := protocol.Encode(protocol.CursorMove{
		Cursor: state.Cursor{UserID: "guest-1", X: 0.4, Y: 0.6},
	})
	require.NoError(t, err)
	s.HandleData(g1, frame)

	cursors := s.Document().Cursors()
	require.Contains(t, cursors, "guest-1")
	assert.Equal(t, 0.4, cursors["guest-1"].X)
}

func TestMalformedFrameIsIgnored(t *testing.T) {
	g1 := newFakeConn("guest-1")
	s := hostWithGuests(Callbacks{}, g1)

	s.HandleData(g1, []byte(`{"type":"FUTURE_KIND","payload":{}}`))
	s.HandleData(g1, []byte(`garbage`))

	assert.Equal(t, RoleHost, s.Role())
	assert.Empty(t, g1.messages(t))
}

func TestSettingsChangeBroadcasts(t *testing.T) {
	g1 := newFakeConn("guest-1")
	s := hostWithGuests(Callbacks{}, g1)

	settings := state.DefaultHostSettings()
	settings.PermissionDuration = 120
	s.UpdateSettings(settings)

	msgs := g1.messages(t)
	require.Len(t, msgs, 1)
	sync, ok := msgs[0].(protocol.SyncSettings)
	require.True(t, ok)
	assert.Equal(t, 120, sync.HostSettings.PermissionDuration)
}

func TestSetImagePushesFullResync(t *testing.T) {
	g1 := newFakeConn("guest-1")
	s := hostWithGuests(Callbacks{}, g1)
	s.AddPin(state.Pin{ID: "p1"})
	g1.reset()

	s.SetImage("img-b", state.ImageSize{Width: 400, Height: 300})

	msgs := g1.messages(t)
	require.Len(t, msgs, 2)
	full, ok := msgs[0].(protocol.SyncFull)
	require.True(t, ok)
	assert.Equal(t, "img-b", full.Image)
	assert.Empty(t, full.Pins, "a new image starts with no annotations")
	_, ok = msgs[1].(protocol.SyncLines)
	assert.True(t, ok)
}
