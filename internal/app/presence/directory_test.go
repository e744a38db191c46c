package presence

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/core/coretest"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	res   *coretest.Resolver
	rooms *app.RoomManager
	dir   *Directory
}

func newFixture() *fixture {
	res := coretest.NewResolver()
	rooms := app.NewRoomManager(res)
	return &fixture{res: res, rooms: rooms, dir: NewDirectory(rooms, res, nil)}
}

func profile(id string) domain.Profile {
	return domain.Profile{ID: domain.UserID(id), DisplayName: "User " + id}
}

func userIDs(dtos []domain.PresenceDTO) []domain.UserID {
	out := make([]domain.UserID, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.UserID)
	}
	return out
}

func TestJoinSnapshotExcludesSelfAndNotifiesOthers(t *testing.T) {
	f := newFixture()
	connB := f.res.Add("conn-b")
	connA := f.res.Add("conn-a")

	snapB := f.dir.Join("w1", profile("B"), "conn-b")
	assert.Empty(t, snapB)
	connB.Reset()

	snapA := f.dir.Join("w1", profile("A"), "conn-a")
	assert.Equal(t, []domain.UserID{"B"}, userIDs(snapA))

	var wire protocol.PresenceSnapshot
	require.True(t, connA.Last(string(protocol.TypePresenceSnap), &wire))
	assert.Equal(t, []domain.UserID{"B"}, userIDs(wire.Users))
	assert.NotContains(t, connA.Types(), string(protocol.TypePresenceJoin))

	var join protocol.PresenceJoin
	require.True(t, connB.Last(string(protocol.TypePresenceJoin), &join))
	assert.Equal(t, domain.UserID("A"), join.User.UserID)
	assert.Equal(t, "User A", join.User.Profile.DisplayName)
	assert.Equal(t, 1, join.User.Devices)
}

func TestLeaveBroadcastsLastProfileAndReapsWorld(t *testing.T) {
	f := newFixture()
	f.res.Add("conn-a")
	connB := f.res.Add("conn-b")
	f.dir.Join("w1", profile("A"), "conn-a")
	f.dir.Join("w1", profile("B"), "conn-b")

	renamed := profile("A")
	renamed.DisplayName = "Alice"
	f.dir.Join("w1", renamed, "conn-a")

	f.dir.Leave("w1", "A", "conn-a")
	var leave protocol.PresenceLeave
	require.True(t, connB.Last(string(protocol.TypePresenceLeave), &leave))
	assert.Equal(t, "Alice", leave.User.DisplayName)

	snap, ok := f.dir.Snapshot("w1")
	require.True(t, ok)
	assert.Equal(t, []domain.UserID{"B"}, userIDs(snap))

	f.dir.Leave("w1", "B", "conn-b")
	_, ok = f.dir.Snapshot("w1")
	assert.False(t, ok)
	assert.Zero(t, f.dir.WorldCount())
	assert.Empty(t, f.rooms.List())
}

func TestMultiDeviceEntryStaysUntilLastConnection(t *testing.T) {
	f := newFixture()
	f.res.Add("phone")
	f.res.Add("laptop")
	watcher := f.res.Add("watcher")
	f.dir.Join("w1", profile("W"), "watcher")
	f.dir.Join("w1", profile("A"), "phone")
	f.dir.Join("w1", profile("A"), "laptop")

	snap, _ := f.dir.Snapshot("w1")
	require.Len(t, snap, 2)
	assert.Equal(t, 2, snap[0].Devices)
	watcher.Reset()

	f.dir.Disconnect("phone")
	assert.NotContains(t, watcher.Types(), string(protocol.TypePresenceLeave))
	snap, _ = f.dir.Snapshot("w1")
	assert.Equal(t, 1, snap[0].Devices)

	f.dir.Disconnect("laptop")
	assert.Contains(t, watcher.Types(), string(protocol.TypePresenceLeave))
	snap, _ = f.dir.Snapshot("w1")
	assert.Equal(t, []domain.UserID{"W"}, userIDs(snap))
}

func TestUpdateAvatarCreatesMinimalEntry(t *testing.T) {
	f := newFixture()
	f.res.Add("conn-a")
	connB := f.res.Add("conn-b")
	f.dir.Join("w1", profile("B"), "conn-b")

	f.dir.UpdateAvatar("w1", "A", domain.Avatar(`{"x":1}`), "conn-a")

	var ev protocol.PresenceAvatar
	require.True(t, connB.Last(string(protocol.TypePresenceAvatar), &ev))
	assert.Equal(t, domain.UserID("A"), ev.UserID)
	assert.JSONEq(t, `{"x":1}`, string(ev.Avatar))

	snap, _ := f.dir.Snapshot("w1")
	require.Len(t, snap, 2)
	assert.Equal(t, domain.UserID("A"), snap[0].Profile.ID)
	assert.Empty(t, snap[0].Profile.DisplayName)

	// the minimal entry belongs to conn-a and goes away with it
	f.dir.Disconnect("conn-a")
	snap, _ = f.dir.Snapshot("w1")
	assert.Equal(t, []domain.UserID{"B"}, userIDs(snap))
}

func TestDisconnectClearsEveryWorldAndIsIdempotent(t *testing.T) {
	f := newFixture()
	f.res.Add("conn-a")
	f.res.Add("conn-b")
	for _, w := range []domain.WorldID{"w1", "w2", "w3"} {
		f.dir.Join(w, profile("A"), "conn-a")
	}
	f.dir.Join("w2", profile("B"), "conn-b")

	f.dir.Disconnect("conn-a")
	f.dir.Disconnect("conn-a")
	f.dir.Disconnect("never-seen")

	assert.False(t, f.dir.connIndexed("conn-a"))
	assert.Empty(t, f.rooms.RoomsOf("conn-a"))
	assert.Equal(t, 1, f.dir.WorldCount())
	snap, ok := f.dir.Snapshot("w2")
	require.True(t, ok)
	assert.Equal(t, []domain.UserID{"B"}, userIDs(snap))
}

func TestConnectionRebindsToAnotherUserInSameWorld(t *testing.T) {
	f := newFixture()
	f.res.Add("conn")
	f.dir.Join("w1", profile("A"), "conn")
	f.dir.Join("w1", profile("B"), "conn")

	snap, _ := f.dir.Snapshot("w1")
	assert.Equal(t, []domain.UserID{"B"}, userIDs(snap))
}

func TestSlowWatcherIsReported(t *testing.T) {
	res := coretest.NewResolver()
	rooms := app.NewRoomManager(res)
	var dropped []core.ConnID
	dir := NewDirectory(rooms, res, func(_ domain.RoomName, r core.PublishResult) {
		dropped = append(dropped, r.Dropped...)
	})
	res.Add("fast")
	slow := res.Add("slow")
	dir.Join("w1", profile("S"), "slow")
	slow.SetFull(true)

	dir.Join("w1", profile("F"), "fast")
	assert.Equal(t, []core.ConnID{"slow"}, dropped)
}

// checkInvariants compares the directory against a model of who is where.
func checkInvariants(t *testing.T, f *fixture, model map[domain.WorldID]map[core.ConnID]domain.UserID) {
	t.Helper()
	worlds := 0
	for wid, conns := range model {
		want := map[domain.UserID]int{}
		for _, u := range conns {
			want[u]++
		}
		snap, ok := f.dir.Snapshot(wid)
		if len(want) == 0 {
			assert.False(t, ok, "world %s should be gone", wid)
			continue
		}
		worlds++
		require.True(t, ok, "world %s should exist", wid)
		got := map[domain.UserID]int{}
		for _, d := range snap {
			got[d.UserID] = d.Devices
			assert.Positive(t, d.Devices)
		}
		assert.Equal(t, want, got, "world %s", wid)
		assert.Len(t, f.rooms.Members(domain.WorldRoom(wid)), len(conns))
	}
	assert.Equal(t, worlds, f.dir.WorldCount())
}

func TestRandomOperationsKeepDirectoryConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	f := newFixture()
	conns := make([]core.ConnID, 6)
	for i := range conns {
		conns[i] = core.ConnID(fmt.Sprintf("c%d", i))
		f.res.Add(conns[i])
	}
	worldIDs := []domain.WorldID{"w1", "w2", "w3"}
	users := []domain.UserID{"u1", "u2", "u3"}
	model := map[domain.WorldID]map[core.ConnID]domain.UserID{}
	for _, w := range worldIDs {
		model[w] = map[core.ConnID]domain.UserID{}
	}

	for step := 0; step < 500; step++ {
		c := conns[rng.Intn(len(conns))]
		w := worldIDs[rng.Intn(len(worldIDs))]
		u := users[rng.Intn(len(users))]
		switch rng.Intn(4) {
		case 0, 1:
			f.dir.Join(w, domain.Profile{ID: u}, c)
			model[w][c] = u
		case 2:
			f.dir.Leave(w, u, c)
			if model[w][c] == u {
				delete(model[w], c)
			}
		case 3:
			f.dir.Disconnect(c)
			for _, m := range model {
				delete(m, c)
			}
		}
		checkInvariants(t, f, model)
	}
}

func TestConcurrentJoinLeaveDisconnect(t *testing.T) {
	f := newFixture()
	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := core.ConnID(fmt.Sprintf("c%d", i))
		f.res.Add(id)
		wg.Add(1)
		go func(i int, id core.ConnID) {
			defer wg.Done()
			w := domain.WorldID(fmt.Sprintf("w%d", i%3))
			u := domain.UserID(fmt.Sprintf("u%d", i%5))
			for j := 0; j < 20; j++ {
				f.dir.Join(w, domain.Profile{ID: u}, id)
				f.dir.UpdateAvatar(w, u, json.RawMessage(`{"step":1}`), id)
				if j%2 == 0 {
					f.dir.Leave(w, u, id)
				}
			}
			f.dir.Disconnect(id)
		}(i, id)
	}
	wg.Wait()

	assert.Zero(t, f.dir.WorldCount())
	assert.Empty(t, f.rooms.List())
	for i := 0; i < n; i++ {
		assert.False(t, f.dir.connIndexed(core.ConnID(fmt.Sprintf("c%d", i))))
	}
}
