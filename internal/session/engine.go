// Package session ties the document, the connection registry and the
// permission machinery together: it applies local mutations optimistically,
// relays them according to the local role, and dispatches inbound wire
// messages back into the document.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"MapBoard/internal/cursor"
	"MapBoard/internal/permission"
	"MapBoard/internal/protocol"
	"MapBoard/internal/state"
)

// GuestInfo is the host-side summary of one connected guest, for the guest
// list UI.
type GuestInfo struct {
	ID            string
	Label         string
	HasPermission bool
}

// Callbacks are the signals the session raises toward its UI collaborator.
// All fields are optional.
type Callbacks struct {
	// DocumentChanged fires after any accepted mutation or applied sync.
	DocumentChanged func()
	// PermissionChanged fires on every local permission transition.
	PermissionChanged func(status permission.Status, expiresAt int64)
	// PermissionRequested fires on the host when a guest asks to edit. The
	// host does not auto-decide; the collaborator answers with Grant or Deny.
	PermissionRequested func(peerID string)
	// GuestListChanged fires when the host's set of guests or grants changes.
	GuestListChanged func(guests []GuestInfo)
	// ConnectionStateChanged fires on guest-side lifecycle transitions.
	ConnectionStateChanged func(s ConnState)
	// Notice carries user-facing soft failures: request timeout, denial
	// cooldown, lost host connection.
	Notice func(text string)
}

// Session is the peer session core. One instance lives per process for the
// lifetime of the session, explicitly owned by the entrypoint rather than
// hiding in package-level globals.
type Session struct {
	log *zap.Logger
	doc *state.Document
	reg *Registry

	selfID  string
	grants  *permission.Grants
	tracker *permission.Tracker
	cursors *cursor.Broadcaster

	cb Callbacks
}

// New creates a session around an existing document. The self id is an
// ephemeral uuid used to key this participant's cursor.
func New(log *zap.Logger, doc *state.Document, cb Callbacks) *Session {
	s := &Session{
		log:    log,
		doc:    doc,
		reg:    NewRegistry(),
		selfID: uuid.NewString(),
		cb:     cb,
	}
	s.grants = permission.NewGrants(s.grantExpired)
	s.tracker = permission.NewTracker(
		func(status permission.Status, expiresAt int64) {
			if cb.PermissionChanged != nil {
				cb.PermissionChanged(status, expiresAt)
			}
		},
		func() {
			s.notice("no response from host; request cancelled")
		},
	)
	s.cursors = cursor.NewBroadcaster(s.sendCursorNow)
	return s
}

// SelfID returns this participant's ephemeral identity.
func (s *Session) SelfID() string { return s.selfID }

// Role returns the local role.
func (s *Session) Role() Role { return s.reg.Role() }

// Document returns the shared document.
func (s *Session) Document() *state.Document { return s.doc }

// Permission returns the local permission status and expiry (unix ms).
func (s *Session) Permission() (permission.Status, int64) { return s.tracker.Current() }

// --- transport events -------------------------------------------------------

// HandleInboundOpen is called when an inbound connection completes its open
// handshake. Accepting any inbound connection makes this peer the host; the
// newcomer immediately receives a full snapshot followed by the lines, so it
// is consistent without waiting for the next mutation.
func (s *Session) HandleInboundOpen(conn Conn) {
	s.reg.SetRole(RoleHost)
	s.reg.Add(conn)
	s.log.Info("guest connected", zap.String("peer", conn.PeerID()))

	image, size := s.doc.Image()
	s.sendTo(conn, protocol.SyncFull{
		Image:        image,
		ImageSize:    size,
		Pins:         s.doc.Pins(),
		HostSettings: s.doc.Settings(),
	})
	s.sendTo(conn, protocol.SyncLines{Lines: s.doc.Lines()})
	s.guestListChanged()
}

// HandleConnecting is called when an outbound dial starts.
func (s *Session) HandleConnecting() {
	s.connectionState(StateConnecting)
}

// HandleOutboundOpen is called when the outbound connection to the chosen host
// completes its open handshake. Only now does the peer become a guest and the
// authoritative host reference get settled.
func (s *Session) HandleOutboundOpen(conn Conn) {
	s.reg.Add(conn)
	s.reg.SetHostConn(conn)
	s.reg.SetRole(RoleGuest)
	s.log.Info("connected to host", zap.String("peer", conn.PeerID()))
	s.connectionState(StateConnected)
}

// HandleData dispatches one inbound frame from the transport.
func (s *Session) HandleData(conn Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		// Closed dispatch: log and ignore rather than crash the session.
		s.log.Debug("ignoring undecodable frame",
			zap.String("peer", conn.PeerID()), zap.Error(err))
		return
	}

	if msg.Kind() != protocol.KindCursorMove {
		s.log.Debug("received", zap.String("type", string(msg.Kind())),
			zap.String("peer", conn.PeerID()))
	}

	switch m := msg.(type) {
	case protocol.SyncFull:
		currentImage, _ := s.doc.Image()
		resetView := currentImage != m.Image
		s.doc.Import(m.Image, m.ImageSize, m.Pins, nil, resetView)
		s.doc.SetSettings(m.HostSettings)
		s.documentChanged()
	case protocol.SyncPins:
		s.doc.SetPins(m.Pins)
		s.documentChanged()
	case protocol.SyncLines:
		s.doc.SetLines(m.Lines)
		s.documentChanged()
	case protocol.SyncSettings:
		s.doc.SetSettings(m.HostSettings)
		s.documentChanged()
	case protocol.RequestOp:
		// The host applies any received op without re-checking the sender's
		// grant; gating happens in the guest's UI before the op is sent. This
		// is a deliberate trust boundary for a mutually-trusted pairing.
		s.applyOp(m, true)
	case protocol.RequestPermission:
		if s.cb.PermissionRequested != nil {
			s.cb.PermissionRequested(conn.PeerID())
		}
	case protocol.PermissionGranted:
		// Applied even when the local timeout already reset the request.
		s.tracker.ApplyGrant(m.ExpiresAt)
	case protocol.PermissionDenied:
		s.tracker.ApplyDenial(m.Cooldown)
		s.notice(fmt.Sprintf("request denied; you may reapply in %ds", m.Cooldown))
	case protocol.PermissionRevoked:
		s.tracker.ApplyRevoke()
	case protocol.CursorMove:
		s.doc.UpdateCursor(m.Cursor)
	}
}

// HandleClose is called when a connection closes.
func (s *Session) HandleClose(conn Conn) {
	s.dropConn(conn, StateDisconnected)
}

// HandleError is called when a connection fails.
func (s *Session) HandleError(conn Conn, err error) {
	s.log.Warn("connection error", zap.String("peer", conn.PeerID()), zap.Error(err))
	s.dropConn(conn, StateError)
}

func (s *Session) dropConn(conn Conn, terminal ConnState) {
	wasHost := s.reg.Remove(conn)
	if wasHost {
		// Losing the host ends the session for a guest: role, permission and
		// expiry all reset. The user must re-initiate the connection.
		s.reg.SetRole(RoleNone)
		s.tracker.Reset()
		s.connectionState(terminal)
		s.notice("connection to host lost; rejoin to continue")
		return
	}
	if s.reg.Role() == RoleHost {
		s.grants.Clear(conn.PeerID())
		s.log.Info("guest disconnected", zap.String("peer", conn.PeerID()))
		s.guestListChanged()
	}
}

// --- local mutations --------------------------------------------------------

// AddPin applies a locally created pin and propagates it.
func (s *Session) AddPin(p state.Pin) {
	s.applyOp(protocol.RequestOp{Action: protocol.ActionAddPin, Pin: &p}, false)
}

// UpdatePin applies a local pin edit and propagates it.
func (s *Session) UpdatePin(p state.Pin) {
	s.applyOp(protocol.RequestOp{Action: protocol.ActionUpdatePin, Pin: &p}, false)
}

// RemovePin applies a local pin deletion and propagates it.
func (s *Session) RemovePin(id string) {
	s.applyOp(protocol.RequestOp{Action: protocol.ActionDeletePin, PinID: id}, false)
}

// AddLine applies a locally completed stroke and propagates it.
func (s *Session) AddLine(l state.Line) {
	s.applyOp(protocol.RequestOp{Action: protocol.ActionAddLine, Line: &l}, false)
}

// UndoLine removes the most recent line and propagates the undo. On an empty
// collection nothing happens and nothing is sent.
func (s *Session) UndoLine() {
	s.applyOp(protocol.RequestOp{Action: protocol.ActionUndoLine}, false)
}

// applyOp applies one mutation to the document and propagates it according to
// the local role. fromNetwork marks ops that arrived over the wire; those are
// never re-sent toward their origin, which breaks re-broadcast loops.
func (s *Session) applyOp(op protocol.RequestOp, fromNetwork bool) {
	var applied, linesTouched bool
	switch op.Action {
	case protocol.ActionAddPin:
		if op.Pin != nil {
			applied = s.doc.AddPin(*op.Pin)
		}
	case protocol.ActionUpdatePin:
		if op.Pin != nil {
			applied = s.doc.UpdatePin(*op.Pin)
		}
	case protocol.ActionDeletePin:
		applied = s.doc.RemovePin(op.PinID)
	case protocol.ActionAddLine:
		if op.Line != nil {
			applied = s.doc.AddLine(*op.Line)
			linesTouched = true
		}
	case protocol.ActionUndoLine:
		applied = s.doc.UndoLine()
		linesTouched = true
	default:
		s.log.Debug("ignoring unknown op action", zap.String("action", string(op.Action)))
		return
	}
	if !applied {
		return
	}

	switch s.reg.Role() {
	case RoleHost:
		// Every accepted mutation is broadcast to all guests, including the
		// originator; wholesale collection replacement keeps that idempotent.
		if linesTouched {
			s.broadcast(protocol.SyncLines{Lines: s.doc.Lines()})
		} else {
			s.broadcast(protocol.SyncPins{Pins: s.doc.Pins()})
		}
	case RoleGuest:
		if !fromNetwork {
			s.sendToHost(op)
		}
	}
	s.documentChanged()
}

// SetImage installs a new shared image and pushes a full resync to every guest.
func (s *Session) SetImage(ref string, size state.ImageSize) {
	s.doc.SetImage(ref, size)
	if s.reg.Role() == RoleHost {
		s.broadcast(protocol.SyncFull{
			Image:        ref,
			ImageSize:    &size,
			Pins:         s.doc.Pins(),
			HostSettings: s.doc.Settings(),
		})
		s.broadcast(protocol.SyncLines{Lines: s.doc.Lines()})
	}
	s.documentChanged()
}

// UpdateSettings replaces the host settings and pushes them to all guests.
func (s *Session) UpdateSettings(settings state.HostSettings) {
	s.doc.SetSettings(settings)
	if s.reg.Role() == RoleHost {
		s.broadcast(protocol.SyncSettings{HostSettings: settings})
	}
	s.documentChanged()
}

// --- permission -------------------------------------------------------------

// RequestPermission asks the host for edit authorization and arms the local
// response timeout.
func (s *Session) RequestPermission() {
	conn := s.reg.HostConn()
	if conn == nil {
		s.notice("connection to host lost; rejoin to continue")
		return
	}
	s.tracker.BeginRequest()
	s.sendTo(conn, protocol.RequestPermission{})
}

// Grant approves a guest's request for the configured duration.
func (s *Session) Grant(peerID string) {
	conn := s.reg.Get(peerID)
	if conn == nil || !conn.IsOpen() {
		s.log.Warn("grant for unknown or closed peer", zap.String("peer", peerID))
		return
	}
	duration := time.Duration(s.doc.Settings().PermissionDuration) * time.Second
	expiresAt := s.grants.Grant(peerID, duration)
	s.sendTo(conn, protocol.PermissionGranted{ExpiresAt: expiresAt})
	s.log.Info("permission granted",
		zap.String("peer", peerID), zap.Duration("duration", duration))
	s.guestListChanged()
}

// Deny rejects a guest's request, telling it how long to wait before reapplying.
func (s *Session) Deny(peerID string) {
	conn := s.reg.Get(peerID)
	if conn == nil || !conn.IsOpen() {
		return
	}
	cooldown := s.doc.Settings().ReapplyCooldown
	s.sendTo(conn, protocol.PermissionDenied{Cooldown: cooldown})
	s.log.Info("permission denied",
		zap.String("peer", peerID), zap.Int("cooldown", cooldown))
}

// Revoke manually ends a guest's grant before its timer fires.
func (s *Session) Revoke(peerID string) {
	if !s.grants.Revoke(peerID) {
		return
	}
	if conn := s.reg.Get(peerID); conn != nil && conn.IsOpen() {
		s.sendTo(conn, protocol.PermissionRevoked{})
	}
	s.log.Info("permission revoked", zap.String("peer", peerID))
	s.guestListChanged()
}

// grantExpired is the Grants timer callback: the guest's time is up.
func (s *Session) grantExpired(peerID string) {
	if conn := s.reg.Get(peerID); conn != nil && conn.IsOpen() {
		s.sendTo(conn, protocol.PermissionRevoked{})
	}
	s.log.Info("permission expired", zap.String("peer", peerID))
	s.guestListChanged()
}

// CanEdit is the editing gate the UI consults before any mutation. The host
// always edits; a guest edits while GRANTED, or whenever the host runs in
// FREE mode, which bypasses the state machine entirely.
func (s *Session) CanEdit() bool {
	if s.reg.Role() != RoleGuest {
		return true
	}
	if s.doc.Settings().GuestEditMode == state.EditModeFree {
		return true
	}
	status, _ := s.tracker.Current()
	return status == permission.StatusGranted
}

// --- cursor -----------------------------------------------------------------

// SendCursor publishes the local pointer position, rate limited and gated on
// edit authorization; view-only participants do not broadcast their cursor.
func (s *Session) SendCursor(x, y float64, color, label string) {
	if !s.CanEdit() {
		return
	}
	s.cursors.Offer(state.Cursor{UserID: s.selfID, X: x, Y: y, Color: color, Label: label})
}

func (s *Session) sendCursorNow(c state.Cursor) {
	msg := protocol.CursorMove{Cursor: c}
	switch s.reg.Role() {
	case RoleHost:
		s.broadcast(msg)
	case RoleGuest:
		if conn := s.reg.HostConn(); conn != nil {
			s.sendTo(conn, msg)
		}
	}
}

// --- outbound plumbing ------------------------------------------------------

// GuestList summarizes the connected guests for the host UI.
func (s *Session) GuestList() []GuestInfo {
	conns := s.reg.OpenConns()
	out := make([]GuestInfo, 0, len(conns))
	for _, conn := range conns {
		id := conn.PeerID()
		out = append(out, GuestInfo{
			ID:            id,
			Label:         "Guest " + shortID(id),
			HasPermission: s.grants.Has(id),
		})
	}
	return out
}

func (s *Session) sendToHost(msg protocol.Message) {
	conn := s.reg.HostConn()
	if conn == nil {
		s.log.Warn("no open connection to host", zap.String("type", string(msg.Kind())))
		s.notice("connection to host lost; rejoin to continue")
		return
	}
	s.sendTo(conn, msg)
}

// broadcast sends one frame to every open guest connection. Delivery is
// fire-and-forget per connection: a guest whose connection drops mid-broadcast
// misses the frame and catches up from SYNC_FULL on its next onboarding.
func (s *Session) broadcast(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("encode broadcast", zap.Error(err))
		return
	}
	for _, conn := range s.reg.OpenConns() {
		if err := conn.Send(data); err != nil {
			s.log.Warn("broadcast send failed",
				zap.String("peer", conn.PeerID()), zap.Error(err))
		}
	}
}

func (s *Session) sendTo(conn Conn, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("encode message", zap.String("type", string(msg.Kind())), zap.Error(err))
		return
	}
	if err := conn.Send(data); err != nil {
		s.log.Warn("send failed", zap.String("peer", conn.PeerID()),
			zap.String("type", string(msg.Kind())), zap.Error(err))
	}
}

func (s *Session) documentChanged() {
	if s.cb.DocumentChanged != nil {
		s.cb.DocumentChanged()
	}
}

func (s *Session) guestListChanged() {
	if s.cb.GuestListChanged != nil {
		s.cb.GuestListChanged(s.GuestList())
	}
}

func (s *Session) connectionState(cs ConnState) {
	if s.cb.ConnectionStateChanged != nil {
		s.cb.ConnectionStateChanged(cs)
	}
}

func (s *Session) notice(text string) {
	if s.cb.Notice != nil {
		s.cb.Notice(text)
	}
}

func shortID(id string) string {
	if len(id) > 4 {
		return id[:4]
	}
	return id
}
