// Package protocol defines the wire messages exchanged between a host and its
// guests. Every frame is a JSON envelope {type, payload}; payloads are typed
// per kind so the dispatcher is an exhaustive switch instead of a duck-typed
// union.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"MapBoard/internal/state"
)

// Kind tags a wire message.
type Kind string

const (
	KindSyncFull          Kind = "SYNC_FULL"
	KindSyncPins          Kind = "SYNC_PINS"
	KindSyncLines         Kind = "SYNC_LINES"
	KindSyncSettings      Kind = "SYNC_SETTINGS"
	KindRequestOp         Kind = "REQUEST_OP"
	KindRequestPermission Kind = "REQUEST_PERMISSION"
	KindPermissionGranted Kind = "PERMISSION_GRANTED"
	KindPermissionDenied  Kind = "PERMISSION_DENIED"
	KindPermissionRevoked Kind = "PERMISSION_REVOKED"
	KindCursorMove        Kind = "CURSOR_MOVE"
)

// Action names a mutation a guest proposes via REQUEST_OP.
type Action string

const (
	ActionAddPin    Action = "ADD_PIN"
	ActionUpdatePin Action = "UPDATE_PIN"
	ActionDeletePin Action = "DELETE_PIN"
	ActionAddLine   Action = "ADD_LINE"
	ActionUndoLine  Action = "UNDO_LINE"
)

// ErrUnknownType is returned for message kinds outside the closed set. Callers
// log and ignore these rather than dropping the connection.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Message is implemented by every wire message.
type Message interface {
	Kind() Kind
}

// SyncFull carries a complete snapshot for onboarding or full resync. Lines are
// synced separately right after, matching the original onboarding sequence.
type SyncFull struct {
	Image        string             `json:"image"`
	ImageSize    *state.ImageSize   `json:"imageSize"`
	Pins         []state.Pin        `json:"pins"`
	HostSettings state.HostSettings `json:"hostSettings"`
}

// SyncPins is the lightweight pin-collection delta.
type SyncPins struct {
	Pins []state.Pin `json:"pins"`
}

// SyncLines is the lightweight line-collection delta.
type SyncLines struct {
	Lines []state.Line `json:"lines"`
}

// SyncSettings pushes changed host settings to guests.
type SyncSettings struct {
	HostSettings state.HostSettings `json:"hostSettings"`
}

// RequestOp proposes a mutation to the host. Exactly one of Pin, PinID or Line
// is set depending on Action; UNDO_LINE carries nothing.
type RequestOp struct {
	Action Action      `json:"action"`
	Pin    *state.Pin  `json:"pin,omitempty"`
	PinID  string      `json:"pinId,omitempty"`
	Line   *state.Line `json:"line,omitempty"`
}

// RequestPermission asks the host for edit authorization. No payload.
type RequestPermission struct{}

// PermissionGranted carries the absolute grant expiry in unix milliseconds.
type PermissionGranted struct {
	ExpiresAt int64 `json:"expiresAt"`
}

// PermissionDenied carries the seconds until the guest may reapply.
type PermissionDenied struct {
	Cooldown int `json:"cooldown"`
}

// PermissionRevoked signals the grant ended, by expiry or manually. No payload.
type PermissionRevoked struct{}

// CursorMove is the transient live-pointer broadcast.
type CursorMove struct {
	state.Cursor
}

func (SyncFull) Kind() Kind          { return KindSyncFull }
func (SyncPins) Kind() Kind          { return KindSyncPins }
func (SyncLines) Kind() Kind         { return KindSyncLines }
func (SyncSettings) Kind() Kind      { return KindSyncSettings }
func (RequestOp) Kind() Kind         { return KindRequestOp }
func (RequestPermission) Kind() Kind { return KindRequestPermission }
func (PermissionGranted) Kind() Kind { return KindPermissionGranted }
func (PermissionDenied) Kind() Kind  { return KindPermissionDenied }
func (PermissionRevoked) Kind() Kind { return KindPermissionRevoked }
func (CursorMove) Kind() Kind        { return KindCursorMove }

type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a message into its envelope frame.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Kind()}
	switch m.(type) {
	case RequestPermission, PermissionRevoked:
		// No payload for these kinds.
	default:
		payload, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", m.Kind(), err)
		}
		env.Payload = payload
	}
	return json.Marshal(env)
}

// Decode parses an envelope frame into its concrete message.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	unmarshal := func(into any) error {
		if len(env.Payload) == 0 {
			return fmt.Errorf("%s: missing payload", env.Type)
		}
		if err := json.Unmarshal(env.Payload, into); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return nil
	}

	switch env.Type {
	case KindSyncFull:
		var m SyncFull
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil
	case KindSyncPins:
		var m SyncPins
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil
	case KindSyncLines:
		var m SyncLines
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil
	case KindSyncSettings:
		var m SyncSettings
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil
	case KindRequestOp:
		var m RequestOp
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil
	case KindRequestPermission:
		return RequestPermission{}, nil
	case KindPermissionGranted:
		var m PermissionGranted
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil
	case KindPermissionDenied:
		var m PermissionDenied
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil
	case KindPermissionRevoked:
		return PermissionRevoked{}, nil
	case KindCursorMove:
		var m CursorMove
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
