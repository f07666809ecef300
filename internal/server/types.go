// Package server defines the JSON event envelope exchanged with chat clients,
// its payloads, and utility helpers reused across client and hub logic.
package server

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/go-playground/validator/v10"
)

// Inbound event names.
const (
	EventRegister       = "register"
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventRoomMessage    = "roomMessage"
	EventPrivateMessage = "privateMessage"
)

// Outbound event names.
const (
	EventRegistered        = "registered"
	EventPresence          = "presence"
	EventJoinedRoom        = "joinedRoom"
	EventNewRoomMessage    = "newRoomMessage"
	EventNewPrivateMessage = "newPrivateMessage"
	EventError             = "error"
)

// Envelope is the frame format in both directions: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// RegisterPayload claims an identity. IdentityID is optional.
type RegisterPayload struct {
	IdentityID string `json:"identityId"`
	Name       string `json:"name"`
}

// RoomPayload names the room of a joinRoom, leaveRoom or joinedRoom event.
type RoomPayload struct {
	Room string `json:"room"`
}

type RoomMessagePayload struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

type PrivateMessagePayload struct {
	ToIdentityID string `json:"toIdentityId"`
	Content      string `json:"content"`
}

type RegisteredPayload struct {
	IdentityID string `json:"identityId"`
	Name       string `json:"name"`
}

type PresencePayload struct {
	OnlineIdentityIDs []string `json:"onlineIdentityIds"`
}

// MessagePayload carries a persisted message in newRoomMessage and
// newPrivateMessage events.
type MessagePayload struct {
	Message store.Message `json:"message"`
}

type ErrorPayload struct {
	Reason string `json:"reason"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

// Validation rules for names and ids carried by inbound events.
const (
	roomRule       = "required,max=128,nocontrol"
	identityIDRule = "required,max=64,nocontrol"
	nameRule       = "max=64,nocontrol"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("nocontrol", func(fl validator.FieldLevel) bool {
		return strings.IndexFunc(fl.Field().String(), unicode.IsControl) < 0
	})
	return v
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
