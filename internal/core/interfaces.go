package core

import (
	"errors"

	"github.com/dkeye/Relay/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is one encoded outbound event.
type Frame []byte

// ConnID is the opaque, server-assigned id of one transport session.
type ConnID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend must not block. A full buffer is reported as ErrBackpressure.
	TrySend(Frame) error
	Close()
}

// ConnResolver is the central lookup table from ids to live transports.
// Rooms and presence entries hold ids only and resolve at send time.
type ConnResolver interface {
	Signal(id ConnID) (SignalConnection, bool)
}

// Releaser drops every reference it holds to a connection.
// Release must be idempotent; an unknown id is a no-op.
type Releaser interface {
	Release(id ConnID)
}

// Broadcaster is the room multiplexer surface used by presence and the relay.
type Broadcaster interface {
	Join(id ConnID, room domain.RoomName)
	Leave(id ConnID, room domain.RoomName)
	Broadcast(room domain.RoomName, data Frame, exclude ConnID) PublishResult
	BroadcastUnion(rooms []domain.RoomName, data Frame, exclude ConnID) PublishResult
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []ConnID
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"client_count"`
}
