// Package protocol implements the two wire formats spoken over a single
// WebSocket connection: JSON control frames (text messages) and
// length-prefixed binary audio frames. The decoder returns tagged values;
// callers switch on the concrete type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType enumerates the control frame types.
type MessageType string

// Client → server control types.
const (
	TypeAuth   MessageType = "auth"
	TypeStart  MessageType = "start"
	TypeStop   MessageType = "stop"
	TypeConfig MessageType = "config"
	TypePing   MessageType = "ping"
)

// Server → client control types.
const (
	TypeAuthOK         MessageType = "auth_ok"
	TypeAuthFail       MessageType = "auth_fail"
	TypeSessionBusy    MessageType = "session_busy"
	TypeSessionStarted MessageType = "session_started"
	TypeSessionStopped MessageType = "session_stopped"
	TypeRealtime       MessageType = "realtime"
	TypeFinal          MessageType = "final"
	TypePong           MessageType = "pong"
	TypeError          MessageType = "error"
	TypeStatus         MessageType = "status"
)

// knownTypes is the full set of recognised control types, used by the
// decoder to reject unknown values.
var knownTypes = map[MessageType]bool{
	TypeAuth: true, TypeStart: true, TypeStop: true, TypeConfig: true, TypePing: true,
	TypeAuthOK: true, TypeAuthFail: true, TypeSessionBusy: true,
	TypeSessionStarted: true, TypeSessionStopped: true, TypeRealtime: true,
	TypeFinal: true, TypePong: true, TypeError: true, TypeStatus: true,
}

// Control is a decoded control frame. Data holds the raw JSON payload;
// use [Control.DecodeData] to unmarshal it into a typed struct.
type Control struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp float64         `json:"timestamp"`
}

// DecodeData unmarshals the frame payload into v. A missing payload is
// treated as an empty object.
func (c *Control) DecodeData(v any) error {
	data := c.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &Error{Kind: ErrMalformed, Cause: fmt.Errorf("decode %s data: %w", c.Type, err)}
	}
	return nil
}

// DecodeControl parses a text frame into a [Control]. Unknown JSON fields
// are ignored; an unrecognised type yields a *[Error] with
// [ErrUnknownType].
func DecodeControl(raw []byte) (*Control, error) {
	var c Control
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, &Error{Kind: ErrMalformed, Cause: fmt.Errorf("parse control frame: %w", err)}
	}
	if !knownTypes[c.Type] {
		return nil, &Error{Kind: ErrUnknownType, Cause: fmt.Errorf("unknown control type %q", c.Type)}
	}
	return &c, nil
}

// EncodeControl builds a control frame with the current timestamp. data may
// be nil, in which case the payload is an empty object.
func EncodeControl(typ MessageType, data any) ([]byte, error) {
	if data == nil {
		data = struct{}{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s data: %w", typ, err)
	}
	raw, err := json.Marshal(Control{
		Type:      typ,
		Data:      payload,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s frame: %w", typ, err)
	}
	return raw, nil
}

// --- typed payloads -----------------------------------------------------

// AuthData is the payload of a client "auth" frame.
type AuthData struct {
	Token string `json:"token"`
}

// StartData is the payload of a client "start" frame.
type StartData struct {
	Language       string `json:"language,omitempty"`
	EnableRealtime bool   `json:"enable_realtime,omitempty"`
	WordTimestamps bool   `json:"word_timestamps,omitempty"`
}

// ConfigData is the payload of a client "config" frame. Pointer fields
// distinguish "leave unchanged" from an explicit value, so a frame that
// toggles one setting does not reset the others.
type ConfigData struct {
	Language       *string `json:"language,omitempty"`
	EnableRealtime *bool   `json:"enable_realtime,omitempty"`
	WordTimestamps *bool   `json:"word_timestamps,omitempty"`
}

// ErrorData is the payload of a server "error" frame.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// BusyData is the payload of a server "session_busy" frame.
type BusyData struct {
	Message      string `json:"message"`
	ActiveClient string `json:"active_client"`
}
