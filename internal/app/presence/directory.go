// Package presence keeps the ephemeral per-world directory of who is present
// and on how many devices.
//
// Every world is serialized by its own mutex. A presence entry exists for a
// user iff it still has at least one connection, and a world exists iff it
// still has at least one entry.
package presence

import (
	"sort"
	"sync"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/metrics"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type entry struct {
	profile domain.Profile
	avatar  domain.Avatar
	conns   map[core.ConnID]struct{}
}

func (e *entry) dto() domain.PresenceDTO {
	return domain.PresenceDTO{
		UserID:  e.profile.ID,
		Profile: e.profile,
		Avatar:  e.avatar,
		Devices: len(e.conns),
	}
}

type world struct {
	id   domain.WorldID
	room domain.RoomName

	mu      sync.Mutex
	entries map[domain.UserID]*entry
	// A connection stands for exactly one user inside a world.
	members map[core.ConnID]domain.UserID
	dead    bool
}

// DropHandler is told about members that could not receive a presence event.
type DropHandler func(room domain.RoomName, res core.PublishResult)

type Directory struct {
	rooms  core.Broadcaster
	res    core.ConnResolver
	onDrop DropHandler
	logger zerolog.Logger

	mu     sync.Mutex
	worlds map[domain.WorldID]*world

	idxMu  sync.Mutex
	byConn map[core.ConnID]map[domain.WorldID]struct{}
}

func NewDirectory(rooms core.Broadcaster, res core.ConnResolver, onDrop DropHandler) *Directory {
	return &Directory{
		rooms:  rooms,
		res:    res,
		onDrop: onDrop,
		logger: log.With().Str("module", "app.presence").Logger(),
		worlds: make(map[domain.WorldID]*world),
		byConn: make(map[core.ConnID]map[domain.WorldID]struct{}),
	}
}

// lockWorld returns the world locked, or nil when it does not exist and
// create is false. A world deleted between lookup and lock is retried.
func (d *Directory) lockWorld(id domain.WorldID, create bool) *world {
	for {
		d.mu.Lock()
		w, ok := d.worlds[id]
		if !ok {
			if !create {
				d.mu.Unlock()
				return nil
			}
			w = &world{
				id:      id,
				room:    domain.WorldRoom(id),
				entries: make(map[domain.UserID]*entry),
				members: make(map[core.ConnID]domain.UserID),
			}
			d.worlds[id] = w
			metrics.WorldCreated()
		}
		d.mu.Unlock()

		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// reapLocked deletes w once it is empty. Caller holds w.mu.
func (d *Directory) reapLocked(w *world) {
	if len(w.entries) > 0 || w.dead {
		return
	}
	w.dead = true
	d.mu.Lock()
	if d.worlds[w.id] == w {
		delete(d.worlds, w.id)
		metrics.WorldDeleted()
	}
	d.mu.Unlock()
	d.logger.Info().Str("world", string(w.id)).Msg("world emptied")
}

func (d *Directory) index(id core.ConnID, wid domain.WorldID) {
	d.idxMu.Lock()
	defer d.idxMu.Unlock()
	set, ok := d.byConn[id]
	if !ok {
		set = make(map[domain.WorldID]struct{})
		d.byConn[id] = set
	}
	set[wid] = struct{}{}
}

func (d *Directory) unindex(id core.ConnID, wid domain.WorldID) {
	d.idxMu.Lock()
	defer d.idxMu.Unlock()
	if set, ok := d.byConn[id]; ok {
		delete(set, wid)
		if len(set) == 0 {
			delete(d.byConn, id)
		}
	}
}

func (d *Directory) worldsOf(id core.ConnID) []domain.WorldID {
	d.idxMu.Lock()
	defer d.idxMu.Unlock()
	out := make([]domain.WorldID, 0, len(d.byConn[id]))
	for wid := range d.byConn[id] {
		out = append(out, wid)
	}
	return out
}

// addLocked attaches conn to the user's entry, creating it when absent.
func (d *Directory) addLocked(w *world, user domain.UserID, conn core.ConnID) *entry {
	if prev, ok := w.members[conn]; ok && prev != user {
		d.removeLocked(w, prev, conn)
	}
	e, ok := w.entries[user]
	if !ok {
		e = &entry{
			profile: domain.Profile{ID: user},
			conns:   make(map[core.ConnID]struct{}),
		}
		w.entries[user] = e
	}
	e.conns[conn] = struct{}{}
	w.members[conn] = user
	d.index(conn, w.id)
	d.rooms.Join(conn, w.room)
	return e
}

// removeLocked detaches conn from the user's entry. When that empties the
// entry, it is deleted and a leave event goes to the rest of the world.
func (d *Directory) removeLocked(w *world, user domain.UserID, conn core.ConnID) {
	e, ok := w.entries[user]
	if !ok {
		return
	}
	if _, ok := e.conns[conn]; !ok {
		return
	}
	delete(e.conns, conn)
	delete(w.members, conn)
	d.unindex(conn, w.id)
	d.rooms.Leave(conn, w.room)
	if len(e.conns) > 0 {
		return
	}
	delete(w.entries, user)
	d.logger.Info().Str("world", string(w.id)).Str("user", string(user)).Msg("user left world")
	d.broadcastLocked(w, protocol.PresenceLeave{
		Type:    protocol.TypePresenceLeave,
		WorldID: w.id,
		User:    e.profile,
	}, conn)
}

func (d *Directory) broadcastLocked(w *world, v any, exclude core.ConnID) {
	frame, err := protocol.Encode(v)
	if err != nil {
		d.logger.Error().Err(err).Str("world", string(w.id)).Msg("encode presence event")
		return
	}
	res := d.rooms.Broadcast(w.room, frame, exclude)
	if len(res.Dropped) > 0 && d.onDrop != nil {
		d.onDrop(w.room, res)
	}
}

func (w *world) snapshotLocked(skip domain.UserID) []domain.PresenceDTO {
	out := make([]domain.PresenceDTO, 0, len(w.entries))
	for uid, e := range w.entries {
		if uid == skip {
			continue
		}
		out = append(out, e.dto())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Join upserts the user's entry and returns the other users present, read
// from the authoritative map. The snapshot is delivered to conn before the
// join event reaches the rest of the world.
func (d *Directory) Join(wid domain.WorldID, profile domain.Profile, conn core.ConnID) []domain.PresenceDTO {
	w := d.lockWorld(wid, true)
	defer w.mu.Unlock()

	e := d.addLocked(w, profile.ID, conn)
	e.profile = profile
	snap := w.snapshotLocked(profile.ID)

	if sc, ok := d.res.Signal(conn); ok {
		frame, err := protocol.Encode(protocol.PresenceSnapshot{
			Type:    protocol.TypePresenceSnap,
			WorldID: wid,
			Users:   snap,
		})
		if err == nil {
			if err := sc.TrySend(frame); err != nil {
				d.logger.Warn().Err(err).Str("conn", string(conn)).Msg("snapshot not delivered")
			}
		}
	}

	d.logger.Info().Str("world", string(wid)).Str("user", string(profile.ID)).Str("conn", string(conn)).Int("devices", len(e.conns)).Msg("user joined world")
	d.broadcastLocked(w, protocol.PresenceJoin{
		Type:    protocol.TypePresenceJoin,
		WorldID: wid,
		User:    e.dto(),
	}, conn)
	return snap
}

// Leave removes one connection of the user from the world.
func (d *Directory) Leave(wid domain.WorldID, user domain.UserID, conn core.ConnID) {
	w := d.lockWorld(wid, false)
	if w == nil {
		return
	}
	defer w.mu.Unlock()
	d.removeLocked(w, user, conn)
	d.reapLocked(w)
}

// UpdateAvatar replaces the user's avatar. An absent entry is created and
// attributed to conn so that disconnect still cleans it up.
func (d *Directory) UpdateAvatar(wid domain.WorldID, user domain.UserID, avatar domain.Avatar, conn core.ConnID) {
	w := d.lockWorld(wid, true)
	defer w.mu.Unlock()

	e, ok := w.entries[user]
	if !ok {
		e = d.addLocked(w, user, conn)
	}
	e.avatar = avatar
	d.broadcastLocked(w, protocol.PresenceAvatar{
		Type:    protocol.TypePresenceAvatar,
		WorldID: wid,
		UserID:  user,
		Avatar:  avatar,
	}, conn)
}

// Disconnect removes conn from every world it joined. Calling it again, or
// for an unknown id, does nothing.
func (d *Directory) Disconnect(conn core.ConnID) {
	for _, wid := range d.worldsOf(conn) {
		w := d.lockWorld(wid, false)
		if w == nil {
			d.unindex(conn, wid)
			continue
		}
		if user, ok := w.members[conn]; ok {
			d.removeLocked(w, user, conn)
		}
		d.unindex(conn, wid)
		d.reapLocked(w)
		w.mu.Unlock()
	}
}

// Release implements core.Releaser.
func (d *Directory) Release(conn core.ConnID) { d.Disconnect(conn) }

// Snapshot is a point-in-time copy of every entry in the world.
func (d *Directory) Snapshot(wid domain.WorldID) ([]domain.PresenceDTO, bool) {
	w := d.lockWorld(wid, false)
	if w == nil {
		return nil, false
	}
	defer w.mu.Unlock()
	return w.snapshotLocked(""), true
}

// WorldCount reports how many worlds currently have someone present.
func (d *Directory) WorldCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.worlds)
}

// connIndexed reports whether conn is still indexed under any world.
func (d *Directory) connIndexed(conn core.ConnID) bool {
	d.idxMu.Lock()
	defer d.idxMu.Unlock()
	_, ok := d.byConn[conn]
	return ok
}
