package core

import (
	"sync"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomService is a pure set of connection ids.
// It never closes adapter-owned resources.
type RoomService interface {
	Name() domain.RoomName
	MemberCount() int
	Members() []ConnID
	Has(id ConnID) bool

	AddMember(id ConnID) bool
	RemoveMember(id ConnID) (empty bool)
	Broadcast(res ConnResolver, exclude ConnID, data Frame) PublishResult
	// Collect adds every member not in seen to targets, marking it seen.
	Collect(seen map[ConnID]struct{}, targets []ConnID) []ConnID
}

// roomImpl is a threadsafe in-memory room. Broadcast enqueues under a read
// lock, so one sender's frames reach each member in send order while
// frames from concurrent senders may interleave.
type roomImpl struct {
	name    domain.RoomName
	mu      sync.RWMutex
	members map[ConnID]struct{}
}

func NewRoomService(name domain.RoomName) RoomService {
	return &roomImpl{
		name:    name,
		members: make(map[ConnID]struct{}),
	}
}

func (r *roomImpl) Name() domain.RoomName { return r.name }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *roomImpl) Members() []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

func (r *roomImpl) Has(id ConnID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

func (r *roomImpl) AddMember(id ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; ok {
		return false
	}
	r.members[id] = struct{}{}
	log.Debug().Str("module", "core.room").Str("room", string(r.name)).Str("conn", string(id)).Msg("member added")
	return true
}

func (r *roomImpl) RemoveMember(id ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
	log.Debug().Str("module", "core.room").Str("room", string(r.name)).Str("conn", string(id)).Msg("member removed")
	return len(r.members) == 0
}

func (r *roomImpl) Broadcast(res ConnResolver, exclude ConnID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := PublishResult{}
	for id := range r.members {
		if id == exclude {
			continue
		}
		deliver(res, id, data, &out)
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.name)).Str("from", string(exclude)).Int("sent_to", out.SendTo).Int("dropped", len(out.Dropped)).Msg("broadcast result")
	return out
}

func (r *roomImpl) Collect(seen map[ConnID]struct{}, targets []ConnID) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.members {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		targets = append(targets, id)
	}
	return targets
}

// SendEach delivers data to every id once.
func SendEach(res ConnResolver, ids []ConnID, data Frame) PublishResult {
	out := PublishResult{}
	for _, id := range ids {
		deliver(res, id, data, &out)
	}
	return out
}

func deliver(res ConnResolver, id ConnID, data Frame, out *PublishResult) {
	sc, ok := res.Signal(id)
	if !ok {
		// Unregistered between membership read and send; cleanup is already underway.
		return
	}
	if err := sc.TrySend(data); err != nil {
		out.Dropped = append(out.Dropped, id)
		return
	}
	out.SendTo++
}
