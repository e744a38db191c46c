package protocol

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

const (
	TypeIdentified     Type = "identified"
	TypePong           Type = "pong"
	TypeError          Type = "error"
	TypeCallJoined     Type = "call.joined"
	TypePresenceSnap   Type = "world.presence.snapshot"
	TypePresenceJoin   Type = "world.presence.join"
	TypePresenceLeave  Type = "world.presence.leave"
	TypePresenceAvatar Type = "world.presence.avatarUpdated"
)

type Identified struct {
	Type   Type          `json:"type"`
	UserID domain.UserID `json:"userId"`
	ConnID core.ConnID   `json:"connId"`
}

type Pong struct {
	Type Type `json:"type"`
}

// Error is sent back to the sender of a rejected message. Ref is the type of
// the offending message when known.
type Error struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
	Ref   Type   `json:"ref,omitempty"`
}

type CallJoined struct {
	Type   Type   `json:"type"`
	RoomID string `json:"roomId"`
}

type PresenceSnapshot struct {
	Type    Type                 `json:"type"`
	WorldID domain.WorldID       `json:"worldId"`
	Users   []domain.PresenceDTO `json:"users"`
}

type PresenceJoin struct {
	Type    Type               `json:"type"`
	WorldID domain.WorldID     `json:"worldId"`
	User    domain.PresenceDTO `json:"user"`
}

type PresenceLeave struct {
	Type    Type           `json:"type"`
	WorldID domain.WorldID `json:"worldId"`
	User    domain.Profile `json:"user"`
}

type PresenceAvatar struct {
	Type    Type           `json:"type"`
	WorldID domain.WorldID `json:"worldId"`
	UserID  domain.UserID  `json:"userId"`
	Avatar  domain.Avatar  `json:"avatar"`
}

// Error codes carried by Error events.
const (
	CodeBadPayload    = "bad_payload"
	CodeUnknownType   = "unknown_type"
	CodeMissingField  = "missing_field"
	CodeInvalidField  = "invalid_field"
	CodeNotIdentified = "not_identified"
	CodeRateLimited   = "rate_limited"
)

// ErrorCode maps a decode/validate error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingField):
		return CodeMissingField
	case errors.Is(err, ErrInvalidField):
		return CodeInvalidField
	case errors.Is(err, ErrUnknownType):
		return CodeUnknownType
	default:
		return CodeBadPayload
	}
}

// Encode marshals an outbound event into a frame.
func Encode(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
