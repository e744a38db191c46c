package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRingTimeout bounds how long an outgoing call rings unanswered.
const DefaultRingTimeout = 20 * time.Second

// logger is resolved per use so it follows the global logger set up in main.
func logger() *zerolog.Logger {
	l := log.With().Str("module", "call").Logger()
	return &l
}

type Options struct {
	Self        domain.UserID
	Signaler    Signaler
	Media       MediaSource
	Negotiators NegotiatorFactory
	Store       MessageStore
	Clock       clock.Clock
	RingTimeout time.Duration
}

// Manager owns the call sessions of one device, keyed by conversation room.
type Manager struct {
	self        domain.UserID
	sig         Signaler
	media       MediaSource
	newNeg      NegotiatorFactory
	store       MessageStore
	clock       clock.Clock
	ringTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session

	obsMu     sync.RWMutex
	observers []Observer
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:        opts.Self,
		sig:         opts.Signaler,
		media:       opts.Media,
		newNeg:      opts.Negotiators,
		store:       opts.Store,
		clock:       opts.Clock,
		ringTimeout: opts.RingTimeout,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
	}
}

// OnEvent registers an observer. Observers run outside any session lock and
// may call back into the manager.
func (m *Manager) OnEvent(fn Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Manager) emit(ev *Event) {
	if ev == nil {
		return
	}
	m.obsMu.RLock()
	obs := make([]Observer, len(m.observers))
	copy(obs, m.observers)
	m.obsMu.RUnlock()
	logger().Info().
		Str("room", ev.RoomID).
		Str("state", ev.State.String()).
		Str("role", ev.Role.String()).
		Str("reason", string(ev.Reason)).
		Msg("call state")
	for _, fn := range obs {
		fn(*ev)
	}
}

// finish closes a detached negotiator and publishes the event. It must run
// after the session lock is released.
func (m *Manager) finish(neg Negotiator, ev *Event) {
	if neg != nil {
		if err := neg.Close(); err != nil {
			logger().Warn().Err(err).Msg("negotiator close")
		}
	}
	m.emit(ev)
}

func (m *Manager) get(roomID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[roomID]
}

// forget drops s if it is still the room's session.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.roomID] == s {
		delete(m.sessions, s.roomID)
	}
}

// State reports the room's call state; Idle when there is no call.
func (m *Manager) State(roomID string) State {
	s := m.get(roomID)
	if s == nil {
		return Idle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (m *Manager) Session(roomID string) (Snapshot, bool) {
	s := m.get(roomID)
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), true
}

func (m *Manager) send(ctx context.Context, sig protocol.Signal) {
	if sig.From == "" {
		sig.From = m.self
	}
	if err := m.sig.Send(ctx, sig); err != nil {
		logger().Warn().Err(err).Str("room", sig.RoomID).Str("type", string(sig.Type)).Msg("signal not sent")
	}
}

func (m *Manager) appendSystem(roomID string, msg SystemMessage) {
	if m.store == nil {
		return
	}
	if err := m.store.AppendSystemMessage(m.ctx, roomID, msg); err != nil {
		logger().Error().Err(err).Str("room", roomID).Str("message", string(msg)).Msg("append system message")
	}
}

// bind wires negotiator callbacks to s. Callbacks take the session lock, so
// candidates gathered during setup go out after the offer or answer.
func (m *Manager) bind(s *Session, neg Negotiator) {
	neg.OnICECandidate(func(c json.RawMessage) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.neg != neg || !s.active() {
			return
		}
		m.send(m.ctx, protocol.Signal{Type: protocol.TypeCallCandidate, RoomID: s.roomID, Candidate: c})
	})
	neg.OnRemoteTrack(func(trackID, kind string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.neg != neg {
			return
		}
		s.remote = append(s.remote, trackID)
		logger().Info().Str("room", s.roomID).Str("track", trackID).Str("kind", kind).Msg("remote track")
	})
	neg.OnConnected(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.neg == neg && s.state == Connected {
			s.established = true
		}
	})
	neg.OnFailed(func() { m.peerFailed(s, neg) })
}

// StartCall places an outgoing call. If anything fails before the offer is
// out, every acquired resource is released and the room is back to Idle.
// Media is acquired without the session lock held so signals for the room
// keep flowing while a permission prompt is open.
func (m *Manager) StartCall(ctx context.Context, roomID string, kind Kind, to domain.UserID) error {
	s := newSession(roomID, Caller, kind, Idle)
	s.peer = to

	m.mu.Lock()
	if _, ok := m.sessions[roomID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallInProgress, roomID)
	}
	m.sessions[roomID] = s
	m.mu.Unlock()

	abort := func(reason Reason, err error) error {
		neg := s.teardownLocked(Idle)
		ev := s.eventLocked(reason)
		s.mu.Unlock()
		m.forget(s)
		m.finish(neg, ev)
		return err
	}

	local, err := m.media.Acquire(ctx, kind)
	s.mu.Lock()
	if err != nil {
		return abort(ReasonMediaError, fmt.Errorf("%w: %w", ErrMediaUnavailable, err))
	}
	s.local = local
	if m.ctx.Err() != nil {
		// Close ran while media was being acquired.
		return abort(ReasonHangup, fmt.Errorf("%w: %s", ErrNoCall, roomID))
	}

	neg, err := m.newNeg(roomID)
	if err != nil {
		return abort(ReasonPeerFailed, fmt.Errorf("create negotiator: %w", err))
	}
	s.neg = neg
	m.bind(s, neg)
	if err := neg.AddLocalMedia(local); err != nil {
		return abort(ReasonMediaError, fmt.Errorf("attach local media: %w", err))
	}
	if err := m.sig.JoinRoom(ctx, roomID); err != nil {
		return abort(ReasonPeerFailed, fmt.Errorf("join room: %w", err))
	}
	offer, err := neg.CreateOffer()
	if err != nil {
		return abort(ReasonPeerFailed, fmt.Errorf("create offer: %w", err))
	}
	if err := m.sig.Send(ctx, protocol.Signal{
		Type:   protocol.TypeCallOffer,
		RoomID: roomID,
		Offer:  offer,
		From:   m.self,
		To:     to,
		Media:  string(kind),
	}); err != nil {
		return abort(ReasonPeerFailed, fmt.Errorf("send offer: %w", err))
	}

	s.state = OutgoingRinging
	s.timer = m.clock.AfterFunc(m.ringTimeout, func() { m.onRingTimeout(s) })
	ev := s.eventLocked(ReasonDialing)
	s.mu.Unlock()
	m.emit(ev)
	return nil
}

// onRingTimeout ends an unanswered outgoing call. A late answer that already
// connected the call wins: the state check makes this a no-op.
func (m *Manager) onRingTimeout(s *Session) {
	s.mu.Lock()
	if s.state != OutgoingRinging {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	m.send(m.ctx, protocol.Signal{Type: protocol.TypeCallEnd, RoomID: s.roomID, Reason: string(ReasonTimeout)})
	m.appendSystem(s.roomID, MissedCall)
	neg := s.teardownLocked(Ended)
	ev := s.eventLocked(ReasonTimeout)
	s.mu.Unlock()
	m.forget(s)
	m.finish(neg, ev)
}

// HandleSignal consumes one negotiation message from the relay. Messages for
// rooms without a matching call are dropped.
func (m *Manager) HandleSignal(sig protocol.Signal) {
	switch sig.Type {
	case protocol.TypeCallOffer:
		m.onOffer(sig)
	case protocol.TypeCallAnswer:
		m.onAnswer(sig)
	case protocol.TypeCallCandidate:
		m.onCandidate(sig)
	case protocol.TypeCallEnd:
		m.onEnd(sig)
	default:
		logger().Debug().Str("type", string(sig.Type)).Msg("ignored signal")
	}
}

func (m *Manager) onOffer(sig protocol.Signal) {
	if sig.From != "" && sig.From == m.self {
		// Another device of ours is calling.
		return
	}
	kind := Kind(sig.Media)
	if kind != Video {
		kind = Voice
	}
	s := newSession(sig.RoomID, Callee, kind, IncomingRinging)
	s.peer = sig.From
	s.offer = sig.Offer

	m.mu.Lock()
	if _, ok := m.sessions[sig.RoomID]; ok {
		m.mu.Unlock()
		logger().Debug().Str("room", sig.RoomID).Msg("offer for room with a call, ignored")
		return
	}
	m.sessions[sig.RoomID] = s
	m.mu.Unlock()

	// The offer may have come through the user room; answers and ends from
	// the other side and our other devices travel in the conversation room.
	if err := m.sig.JoinRoom(m.ctx, sig.RoomID); err != nil {
		logger().Warn().Err(err).Str("room", sig.RoomID).Msg("join conversation room")
	}

	s.mu.Lock()
	ev := s.eventLocked(ReasonRinging)
	s.mu.Unlock()
	m.emit(ev)
}

func (m *Manager) onAnswer(sig protocol.Signal) {
	s := m.get(sig.RoomID)
	if s == nil {
		return
	}
	s.mu.Lock()
	switch s.state {
	case OutgoingRinging:
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if err := s.applyRemoteLocked(sig.Answer); err != nil {
			logger().Error().Err(err).Str("room", s.roomID).Msg("apply answer")
			m.send(m.ctx, protocol.Signal{Type: protocol.TypeCallEnd, RoomID: s.roomID, Reason: string(ReasonPeerFailed)})
			neg := s.teardownLocked(Ended)
			ev := s.eventLocked(ReasonPeerFailed)
			s.mu.Unlock()
			m.forget(s)
			m.finish(neg, ev)
			return
		}
		if sig.From != "" {
			s.peer = sig.From
		}
		s.state = Connected
		ev := s.eventLocked(ReasonAnswered)
		s.mu.Unlock()
		m.emit(ev)
	case IncomingRinging:
		// Someone else in the room answered first, most likely another
		// device of ours. Nothing was acquired, so there is nothing to send.
		neg := s.teardownLocked(Ended)
		ev := s.eventLocked(ReasonAnsweredElsewhere)
		s.mu.Unlock()
		m.forget(s)
		m.finish(neg, ev)
	default:
		s.mu.Unlock()
		logger().Debug().Str("room", sig.RoomID).Str("state", s.state.String()).Msg("stale answer ignored")
	}
}

func (m *Manager) onCandidate(sig protocol.Signal) {
	s := m.get(sig.RoomID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return
	}
	if s.neg == nil || !s.remoteSet {
		s.pending = append(s.pending, sig.Candidate)
		return
	}
	if err := s.neg.AddICECandidate(sig.Candidate); err != nil {
		logger().Warn().Err(err).Str("room", s.roomID).Msg("remote candidate rejected")
	}
}

func (m *Manager) onEnd(sig protocol.Signal) {
	s := m.get(sig.RoomID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.active() {
		s.mu.Unlock()
		return
	}
	reason := ReasonRemoteEnd
	if s.state == OutgoingRinging {
		reason = ReasonDeclined
	}
	neg := s.teardownLocked(Ended)
	ev := s.eventLocked(reason)
	s.mu.Unlock()
	m.forget(s)
	m.finish(neg, ev)
}

// Accept answers an incoming call. It is a no-op returning ErrNoCall when
// the call is gone or another device already answered, including while
// local media was being acquired.
func (m *Manager) Accept(ctx context.Context, roomID string) error {
	s := m.get(roomID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoCall, roomID)
	}
	s.mu.Lock()
	if s.state != IncomingRinging {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoCall, roomID)
	}
	if s.accepting {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallInProgress, roomID)
	}
	s.accepting = true
	kind := s.kind
	s.mu.Unlock()

	local, err := m.media.Acquire(ctx, kind)
	s.mu.Lock()
	if s.state != IncomingRinging {
		s.mu.Unlock()
		if local != nil {
			local.Release()
		}
		return fmt.Errorf("%w: %s", ErrNoCall, roomID)
	}

	fail := func(reason Reason, err error) error {
		m.send(ctx, protocol.Signal{Type: protocol.TypeCallEnd, RoomID: roomID, Reason: string(reason)})
		neg := s.teardownLocked(Ended)
		ev := s.eventLocked(reason)
		s.mu.Unlock()
		m.forget(s)
		m.finish(neg, ev)
		return err
	}

	if err != nil {
		return fail(ReasonMediaError, fmt.Errorf("%w: %w", ErrMediaUnavailable, err))
	}
	s.local = local

	neg, err := m.newNeg(roomID)
	if err != nil {
		return fail(ReasonMediaError, fmt.Errorf("create negotiator: %w", err))
	}
	s.neg = neg
	m.bind(s, neg)
	if err := neg.AddLocalMedia(local); err != nil {
		return fail(ReasonMediaError, fmt.Errorf("attach local media: %w", err))
	}
	if err := s.applyRemoteLocked(s.offer); err != nil {
		return fail(ReasonPeerFailed, fmt.Errorf("apply offer: %w", err))
	}
	answer, err := neg.CreateAnswer()
	if err != nil {
		return fail(ReasonPeerFailed, fmt.Errorf("create answer: %w", err))
	}
	if err := m.sig.Send(ctx, protocol.Signal{
		Type:   protocol.TypeCallAnswer,
		RoomID: roomID,
		Answer: answer,
		From:   m.self,
	}); err != nil {
		return fail(ReasonPeerFailed, fmt.Errorf("send answer: %w", err))
	}

	s.offer = nil
	s.state = Connected
	ev := s.eventLocked(ReasonAnswered)
	s.mu.Unlock()
	m.emit(ev)
	return nil
}

// Decline rejects an incoming call without touching local media.
func (m *Manager) Decline(ctx context.Context, roomID string) error {
	s := m.get(roomID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoCall, roomID)
	}
	s.mu.Lock()
	if s.state != IncomingRinging {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoCall, roomID)
	}
	m.send(ctx, protocol.Signal{Type: protocol.TypeCallEnd, RoomID: roomID, Reason: string(ReasonDeclined)})
	m.appendSystem(roomID, CallDeclined)
	neg := s.teardownLocked(Ended)
	ev := s.eventLocked(ReasonDeclined)
	s.mu.Unlock()
	m.forget(s)
	m.finish(neg, ev)
	return nil
}

// Hangup ends the room's call from this side, whatever state it is in.
func (m *Manager) Hangup(ctx context.Context, roomID string) error {
	s := m.get(roomID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoCall, roomID)
	}
	s.mu.Lock()
	switch s.state {
	case IncomingRinging:
		s.mu.Unlock()
		return m.Decline(ctx, roomID)
	case OutgoingRinging, Connected:
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoCall, roomID)
	}
	m.send(ctx, protocol.Signal{Type: protocol.TypeCallEnd, RoomID: roomID, Reason: string(ReasonHangup)})
	neg := s.teardownLocked(Ended)
	ev := s.eventLocked(ReasonHangup)
	s.mu.Unlock()
	m.forget(s)
	m.finish(neg, ev)
	return nil
}

// peerFailed ends a connected call whose peer connection failed. This is the
// only liveness check once a call is connected. A callee whose peer never
// came up lost an answer race against another of our devices: the caller is
// talking to that device, so the call is torn down here without an end.
func (m *Manager) peerFailed(s *Session, neg Negotiator) {
	s.mu.Lock()
	if s.neg != neg || s.state != Connected {
		s.mu.Unlock()
		return
	}
	reason := ReasonPeerFailed
	if s.role == Callee && !s.established {
		reason = ReasonAnsweredElsewhere
	} else {
		m.send(m.ctx, protocol.Signal{Type: protocol.TypeCallEnd, RoomID: s.roomID, Reason: string(reason)})
	}
	detached := s.teardownLocked(Ended)
	ev := s.eventLocked(reason)
	s.mu.Unlock()
	m.forget(s)
	m.finish(detached, ev)
}

// Close hangs up every call and stops background sends.
func (m *Manager) Close() {
	m.mu.Lock()
	rooms := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		rooms = append(rooms, id)
	}
	m.mu.Unlock()
	for _, id := range rooms {
		_ = m.Hangup(m.ctx, id)
	}
	m.cancel()
}
