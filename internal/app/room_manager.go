package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/metrics"
	"github.com/rs/zerolog/log"
)

// RoomManager is the Room Multiplexer. It owns room membership in both
// directions; transports are resolved by id at send time.
type RoomManager struct {
	res core.ConnResolver

	mu     sync.RWMutex
	rooms  map[domain.RoomName]core.RoomService
	byConn map[core.ConnID]map[domain.RoomName]struct{}
}

func NewRoomManager(res core.ConnResolver) *RoomManager {
	return &RoomManager{
		res:    res,
		rooms:  make(map[domain.RoomName]core.RoomService),
		byConn: make(map[core.ConnID]map[domain.RoomName]struct{}),
	}
}

// Join creates the room on first use.
func (m *RoomManager) Join(id core.ConnID, name domain.RoomName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[name]
	if !ok {
		room = core.NewRoomService(name)
		m.rooms[name] = room
		metrics.RoomCreated()
	}
	if !room.AddMember(id) {
		return
	}
	set, ok := m.byConn[id]
	if !ok {
		set = make(map[domain.RoomName]struct{})
		m.byConn[id] = set
	}
	set[name] = struct{}{}
	log.Info().Str("module", "app.rooms").Str("conn", string(id)).Str("room", string(name)).Msg("joined room")
}

// Leave deletes the room when its last member goes.
func (m *RoomManager) Leave(id core.ConnID, name domain.RoomName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(id, name)
}

func (m *RoomManager) leaveLocked(id core.ConnID, name domain.RoomName) {
	if set, ok := m.byConn[id]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(m.byConn, id)
		}
	}
	room, ok := m.rooms[name]
	if !ok || !room.Has(id) {
		return
	}
	if room.RemoveMember(id) {
		delete(m.rooms, name)
		metrics.RoomDeleted()
	}
	log.Info().Str("module", "app.rooms").Str("conn", string(id)).Str("room", string(name)).Msg("left room")
}

// Release implements core.Releaser: the connection leaves every room.
func (m *RoomManager) Release(id core.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.byConn[id] {
		m.leaveLocked(id, name)
	}
}

// Broadcast to an unknown or empty room is a no-op.
func (m *RoomManager) Broadcast(name domain.RoomName, data core.Frame, exclude core.ConnID) core.PublishResult {
	m.mu.RLock()
	room, ok := m.rooms[name]
	m.mu.RUnlock()
	if !ok {
		return core.PublishResult{}
	}
	res := room.Broadcast(m.res, exclude, data)
	metrics.Broadcast(len(res.Dropped))
	return res
}

// BroadcastUnion sends data once to every member of any of the rooms.
func (m *RoomManager) BroadcastUnion(names []domain.RoomName, data core.Frame, exclude core.ConnID) core.PublishResult {
	seen := map[core.ConnID]struct{}{exclude: {}}
	var targets []core.ConnID
	m.mu.RLock()
	for _, name := range names {
		if room, ok := m.rooms[name]; ok {
			targets = room.Collect(seen, targets)
		}
	}
	m.mu.RUnlock()
	res := core.SendEach(m.res, targets, data)
	metrics.Broadcast(len(res.Dropped))
	return res
}

func (m *RoomManager) RoomsOf(id core.ConnID) []domain.RoomName {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RoomName, 0, len(m.byConn[id]))
	for name := range m.byConn[id] {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *RoomManager) Members(name domain.RoomName) []core.ConnID {
	m.mu.RLock()
	room, ok := m.rooms[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return room.Members()
}

func (m *RoomManager) List() []core.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(m.rooms))
	for name, r := range m.rooms {
		out = append(out, core.RoomInfo{Name: name, MemberCount: r.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
