// Package protocol is the relay wire format. Inbound messages decode into a
// closed set of concrete types; handlers switch on the concrete type.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Relay/internal/domain"
)

var (
	ErrBadJSON      = errors.New("bad json")
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing field")
	ErrInvalidField = errors.New("invalid field")
)

type Type string

const (
	TypeIdentify      Type = "identify"
	TypePing          Type = "ping"
	TypeCallJoin      Type = "call.join"
	TypeCallLeave     Type = "call.leave"
	TypeCallOffer     Type = "call.offer"
	TypeCallAnswer    Type = "call.answer"
	TypeCallCandidate Type = "call.candidate"
	TypeCallEnd       Type = "call.end"
	TypeWorldJoin     Type = "world.join"
	TypeWorldLeave    Type = "world.leave"
	TypeWorldAvatar   Type = "world.avatarUpdate"
)

// Message is implemented by every inbound message type.
type Message interface {
	Kind() Type
	Validate() error
}

type Identify struct {
	UserID domain.UserID `json:"userId"`
}

type Ping struct{}

type CallJoin struct {
	RoomID string `json:"roomId"`
}

type CallLeave struct {
	RoomID string `json:"roomId"`
}

// Signal is one negotiation message. Offer, Answer and Candidate are opaque
// to the relay; only their presence is checked.
type Signal struct {
	Type      Type            `json:"type"`
	RoomID    string          `json:"roomId"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	From      domain.UserID   `json:"from,omitempty"`
	// To, when set on an offer, also rings every device of that user.
	To     domain.UserID `json:"to,omitempty"`
	Media  string        `json:"media,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

type WorldJoin struct {
	WorldID domain.WorldID `json:"worldId"`
	User    domain.Profile `json:"user"`
}

type WorldLeave struct {
	WorldID domain.WorldID `json:"worldId"`
	User    domain.Profile `json:"user"`
}

type AvatarUpdate struct {
	WorldID domain.WorldID `json:"worldId"`
	UserID  domain.UserID  `json:"userId"`
	Avatar  domain.Avatar  `json:"avatar"`
}

func (Identify) Kind() Type     { return TypeIdentify }
func (Ping) Kind() Type         { return TypePing }
func (CallJoin) Kind() Type     { return TypeCallJoin }
func (CallLeave) Kind() Type    { return TypeCallLeave }
func (s Signal) Kind() Type     { return s.Type }
func (WorldJoin) Kind() Type    { return TypeWorldJoin }
func (WorldLeave) Kind() Type   { return TypeWorldLeave }
func (AvatarUpdate) Kind() Type { return TypeWorldAvatar }

func missing(field string) error { return fmt.Errorf("%w: %s", ErrMissingField, field) }

// roomID checks a conversation id: present, and not one of the rooms the
// relay manages itself.
func roomID(id string) error {
	if id == "" {
		return missing("roomId")
	}
	if domain.IsReservedRoomID(id) {
		return fmt.Errorf("%w: roomId %q", ErrInvalidField, id)
	}
	return nil
}

func empty(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func (m Identify) Validate() error {
	if err := m.UserID.Validate(); err != nil {
		return fmt.Errorf("%w: userId: %w", ErrMissingField, err)
	}
	return nil
}

func (Ping) Validate() error { return nil }

func (m CallJoin) Validate() error {
	return roomID(m.RoomID)
}

func (m CallLeave) Validate() error {
	return roomID(m.RoomID)
}

func (s Signal) Validate() error {
	if err := roomID(s.RoomID); err != nil {
		return err
	}
	switch s.Type {
	case TypeCallOffer:
		if empty(s.Offer) {
			return missing("offer")
		}
	case TypeCallAnswer:
		if empty(s.Answer) {
			return missing("answer")
		}
	case TypeCallCandidate:
		if empty(s.Candidate) {
			return missing("candidate")
		}
	case TypeCallEnd:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownType, s.Type)
	}
	return nil
}

func (m WorldJoin) Validate() error {
	if m.WorldID == "" {
		return missing("worldId")
	}
	if m.User.ID == "" {
		return missing("user.id")
	}
	return nil
}

func (m WorldLeave) Validate() error {
	if m.WorldID == "" {
		return missing("worldId")
	}
	if m.User.ID == "" {
		return missing("user.id")
	}
	return nil
}

func (m AvatarUpdate) Validate() error {
	if m.WorldID == "" {
		return missing("worldId")
	}
	if m.UserID == "" {
		return missing("userId")
	}
	return nil
}

// Decode parses one inbound frame. It does not validate required fields.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadJSON, err)
	}

	var msg Message
	var err error
	switch env.Type {
	case TypeIdentify:
		msg, err = decodeAs[Identify](data)
	case TypePing:
		msg = Ping{}
	case TypeCallJoin:
		msg, err = decodeAs[CallJoin](data)
	case TypeCallLeave:
		msg, err = decodeAs[CallLeave](data)
	case TypeCallOffer, TypeCallAnswer, TypeCallCandidate, TypeCallEnd:
		msg, err = decodeAs[Signal](data)
	case TypeWorldJoin:
		msg, err = decodeAs[WorldJoin](data)
	case TypeWorldLeave:
		msg, err = decodeAs[WorldLeave](data)
	case TypeWorldAvatar:
		msg, err = decodeAs[AvatarUpdate](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrBadJSON, err)
	}
	return v, nil
}
