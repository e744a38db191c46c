// Package relay forwards call negotiation messages between the members of a
// conversation room. It keeps no call state: ordering, duplicates and
// two-party semantics are the clients' business.
package relay

import (
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/metrics"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UserLookup resolves the user a connection identified as.
type UserLookup interface {
	UserOf(id core.ConnID) (domain.UserID, bool)
}

// DropHandler is told about members that could not receive a signal.
type DropHandler func(room domain.RoomName, res core.PublishResult)

type Relay struct {
	rooms  core.Broadcaster
	users  UserLookup
	onDrop DropHandler
	logger zerolog.Logger
}

func New(rooms core.Broadcaster, users UserLookup, onDrop DropHandler) *Relay {
	return &Relay{
		rooms:  rooms,
		users:  users,
		onDrop: onDrop,
		logger: log.With().Str("module", "app.relay").Logger(),
	}
}

func (r *Relay) Join(conn core.ConnID, roomID string) {
	r.rooms.Join(conn, domain.ConversationRoom(roomID))
}

func (r *Relay) Leave(conn core.ConnID, roomID string) {
	r.rooms.Leave(conn, domain.ConversationRoom(roomID))
}

// Forward broadcasts sig to its room, excluding the sender. An offer addressed
// to a user also reaches every device in that user's room, once per device.
// A message missing a required field is not forwarded and the validation
// error is returned.
func (r *Relay) Forward(from core.ConnID, sig protocol.Signal) (core.PublishResult, error) {
	if err := sig.Validate(); err != nil {
		r.logger.Debug().Err(err).Str("conn", string(from)).Str("type", string(sig.Type)).Msg("signal dropped")
		return core.PublishResult{}, err
	}
	if sig.From == "" {
		if uid, ok := r.users.UserOf(from); ok {
			sig.From = uid
		}
	}
	frame, err := protocol.Encode(sig)
	if err != nil {
		return core.PublishResult{}, err
	}

	room := domain.ConversationRoom(sig.RoomID)
	var res core.PublishResult
	if sig.Type == protocol.TypeCallOffer && sig.To != "" {
		res = r.rooms.BroadcastUnion([]domain.RoomName{room, domain.UserRoom(sig.To)}, frame, from)
	} else {
		res = r.rooms.Broadcast(room, frame, from)
	}
	metrics.Relayed(string(sig.Type))
	r.logger.Debug().
		Str("conn", string(from)).
		Str("type", string(sig.Type)).
		Str("room", sig.RoomID).
		Int("sent_to", res.SendTo).
		Msg("signal forwarded")

	if len(res.Dropped) > 0 && r.onDrop != nil {
		r.onDrop(room, res)
	}
	return res, nil
}
