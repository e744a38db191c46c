// Package call runs the client side of a call: one state machine per
// conversation room, driven by local actions and by negotiation messages
// arriving through the relay.
//
// Coupling to the outside is via the interfaces in this file only.
package call

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Relay/internal/protocol"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoCall           = errors.New("no call in this state for room")
	ErrCallInProgress   = errors.New("call already in progress for room")
	ErrMediaUnavailable = errors.New("local media unavailable")
)

type State int

const (
	Idle State = iota
	OutgoingRinging
	IncomingRinging
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OutgoingRinging:
		return "outgoing_ringing"
	case IncomingRinging:
		return "incoming_ringing"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

type Role int

const (
	Caller Role = iota
	Callee
)

func (r Role) String() string {
	if r == Caller {
		return "caller"
	}
	return "callee"
}

type Kind string

const (
	Voice Kind = "voice"
	Video Kind = "video"
)

// Reason says why a transition happened.
type Reason string

const (
	ReasonDialing           Reason = "dialing"
	ReasonRinging           Reason = "ringing"
	ReasonAnswered          Reason = "answered"
	ReasonAnsweredElsewhere Reason = "answered_elsewhere"
	ReasonTimeout           Reason = "timeout"
	ReasonDeclined          Reason = "declined"
	ReasonRemoteEnd         Reason = "remote_end"
	ReasonHangup            Reason = "hangup"
	ReasonMediaError        Reason = "media_error"
	ReasonPeerFailed        Reason = "peer_failed"
)

// SystemMessage is appended to the conversation when a call does not connect.
type SystemMessage string

const (
	MissedCall   SystemMessage = "missed_call"
	CallDeclined SystemMessage = "call_declined"
)

// Signaler is the only surface the state machine needs from the transport.
type Signaler interface {
	JoinRoom(ctx context.Context, roomID string) error
	Send(ctx context.Context, sig protocol.Signal) error
}

// LocalMedia is an acquired set of local tracks. Release must free the
// underlying devices; the state machine calls it exactly once.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Release()
}

// MediaSource acquires local media. Acquire may block on user permission.
type MediaSource interface {
	Acquire(ctx context.Context, kind Kind) (LocalMedia, error)
}

// Negotiator is the per-call negotiation object (a peer connection).
// Descriptions and candidates are passed through as opaque JSON.
type Negotiator interface {
	AddLocalMedia(LocalMedia) error
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(json.RawMessage) error
	AddICECandidate(json.RawMessage) error
	OnICECandidate(func(json.RawMessage))
	OnRemoteTrack(func(trackID, kind string))
	// OnConnected fires once media can flow to the remote peer.
	OnConnected(func())
	// OnFailed fires when the underlying connection fails or closes.
	OnFailed(func())
	Close() error
}

type NegotiatorFactory func(roomID string) (Negotiator, error)

// MessageStore is the conversation store collaborator.
type MessageStore interface {
	AppendSystemMessage(ctx context.Context, conversationID string, msg SystemMessage) error
}

// Event is one state transition as the UI sees it.
type Event struct {
	RoomID string
	State  State
	Role   Role
	Kind   Kind
	Peer   string
	Reason Reason
}

type Observer func(Event)
