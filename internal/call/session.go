package call

import (
	"encoding/json"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Relay/internal/domain"
)

// Session is one negotiation attempt in one conversation room.
// Every field below mu is guarded by it.
type Session struct {
	roomID string
	role   Role
	kind   Kind

	mu        sync.Mutex
	state     State
	peer      domain.UserID
	offer     json.RawMessage
	local     LocalMedia
	remote    []string
	neg       Negotiator
	remoteSet bool
	// established is set once the negotiator reports a live peer.
	established bool
	accepting   bool
	pending     []json.RawMessage
	timer       *clock.Timer
}

// Snapshot is a read-only copy of a session for UIs and tests.
type Snapshot struct {
	RoomID            string
	Role              Role
	Kind              Kind
	State             State
	Peer              domain.UserID
	HasLocalMedia     bool
	RemoteTracks      []string
	PendingCandidates int
}

func newSession(roomID string, role Role, kind Kind, state State) *Session {
	return &Session{roomID: roomID, role: role, kind: kind, state: state}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		RoomID:            s.roomID,
		Role:              s.role,
		Kind:              s.kind,
		State:             s.state,
		Peer:              s.peer,
		HasLocalMedia:     s.local != nil,
		RemoteTracks:      append([]string(nil), s.remote...),
		PendingCandidates: len(s.pending),
	}
}

func (s *Session) eventLocked(reason Reason) *Event {
	return &Event{
		RoomID: s.roomID,
		State:  s.state,
		Role:   s.role,
		Kind:   s.kind,
		Peer:   string(s.peer),
		Reason: reason,
	}
}

func (s *Session) active() bool {
	return s.state != Idle && s.state != Ended
}

// applyRemoteLocked sets the remote description and replays every candidate
// that arrived before it.
func (s *Session) applyRemoteLocked(desc json.RawMessage) error {
	if err := s.neg.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.neg.AddICECandidate(c); err != nil {
			logger().Warn().Err(err).Str("room", s.roomID).Msg("buffered candidate rejected")
		}
	}
	return nil
}

// teardownLocked releases everything the session holds except the
// negotiator, which is returned so it can be closed without the lock held.
func (s *Session) teardownLocked(final State) Negotiator {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.local != nil {
		s.local.Release()
		s.local = nil
	}
	s.remote = nil
	s.pending = nil
	s.offer = nil
	s.remoteSet = false
	s.established = false
	s.accepting = false
	s.state = final
	neg := s.neg
	s.neg = nil
	return neg
}
