package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/app/presence"
	"github.com/dkeye/Relay/internal/app/relay"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/metrics"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    *app.RoomManager
	Presence *presence.Directory
	Relay    *relay.Relay
	Policy   app.Policy

	// RejectMalformed answers a rejected message with an error event instead
	// of dropping it silently.
	RejectMalformed bool
}

// New wires the registry, rooms, presence and relay together. Presence is
// released before rooms so leave events still route through the world room.
func New(policy app.Policy, rejectMalformed bool) *Orchestrator {
	o := &Orchestrator{
		Registry:        app.NewRegistry(),
		Policy:          policy,
		RejectMalformed: rejectMalformed,
	}
	o.Rooms = app.NewRoomManager(o.Registry)
	o.Presence = presence.NewDirectory(o.Rooms, o.Registry, o.enforce)
	o.Relay = relay.New(o.Rooms, o.Registry, o.enforce)
	o.Registry.OnUnregister(o.Presence)
	o.Registry.OnUnregister(o.Rooms)
	return o
}

func (o *Orchestrator) enforce(room domain.RoomName, res core.PublishResult) {
	app.Enforce(o.Policy, o.Registry, room, res)
}

func (o *Orchestrator) Connect(sc core.SignalConnection, clientToken string, cancel context.CancelFunc) core.ConnID {
	return o.Registry.Register(sc, clientToken, cancel)
}

// OnDisconnect is safe to call more than once.
func (o *Orchestrator) OnDisconnect(id core.ConnID) {
	o.Registry.Unregister(id)
}

// HandleFrame decodes, validates and dispatches one inbound frame. Nothing
// it does can affect rooms the sender is not part of.
func (o *Orchestrator) HandleFrame(id core.ConnID, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		o.reject(id, "", err)
		return
	}
	if err := msg.Validate(); err != nil {
		o.reject(id, msg.Kind(), err)
		return
	}
	o.Dispatch(id, msg)
}

func (o *Orchestrator) Dispatch(id core.ConnID, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Identify:
		prev, bound := o.Registry.UserOf(id)
		if err := o.Registry.BindUser(id, m.UserID); err != nil {
			return
		}
		if bound && prev != m.UserID {
			o.Rooms.Leave(id, domain.UserRoom(prev))
		}
		o.Rooms.Join(id, domain.UserRoom(m.UserID))
		o.reply(id, protocol.Identified{Type: protocol.TypeIdentified, UserID: m.UserID, ConnID: id})
	case protocol.Ping:
		o.reply(id, protocol.Pong{Type: protocol.TypePong})
	case protocol.CallJoin:
		o.Relay.Join(id, m.RoomID)
		o.reply(id, protocol.CallJoined{Type: protocol.TypeCallJoined, RoomID: m.RoomID})
	case protocol.CallLeave:
		o.Relay.Leave(id, m.RoomID)
	case protocol.Signal:
		if _, err := o.Relay.Forward(id, m); err != nil {
			o.reject(id, m.Type, err)
		}
	case protocol.WorldJoin:
		o.Presence.Join(m.WorldID, m.User, id)
	case protocol.WorldLeave:
		o.Presence.Leave(m.WorldID, m.User.ID, id)
	case protocol.AvatarUpdate:
		o.Presence.UpdateAvatar(m.WorldID, m.UserID, m.Avatar, id)
	default:
		o.reject(id, msg.Kind(), fmt.Errorf("%w: %T", protocol.ErrUnknownType, msg))
	}
}

// Reject records a refused message and, when configured, tells the sender.
func (o *Orchestrator) Reject(id core.ConnID, ref protocol.Type, code string) {
	metrics.Rejected(code)
	if !o.RejectMalformed {
		return
	}
	o.reply(id, protocol.Error{Type: protocol.TypeError, Error: code, Ref: ref})
}

func (o *Orchestrator) reject(id core.ConnID, ref protocol.Type, err error) {
	code := protocol.ErrorCode(err)
	ev := log.Warn()
	if errors.Is(err, protocol.ErrMissingField) {
		ev = log.Debug()
	}
	ev.Err(err).Str("module", "app.orch").Str("conn", string(id)).Str("type", string(ref)).Msg("message rejected")
	o.Reject(id, ref, code)
}

func (o *Orchestrator) reply(id core.ConnID, v any) {
	sc, ok := o.Registry.Signal(id)
	if !ok {
		return
	}
	frame, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Msg("encode reply")
		return
	}
	if err := sc.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("conn", string(id)).Msg("reply not delivered")
	}
}
