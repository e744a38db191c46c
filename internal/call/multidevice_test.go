package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/app/orch"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// device is one client connected to an in-process relay. Inbound frames are
// delivered on their own goroutine, like a websocket read loop.
type device struct {
	o      *orch.Orchestrator
	id     core.ConnID
	inbox  chan core.Frame
	done   chan struct{}
	m      *Manager
	media  *fakeSource
	negs   *negotiators
	events *eventLog
	// paused holds inbound delivery while locked.
	paused sync.Mutex
}

func (d *device) TrySend(f core.Frame) error {
	select {
	case d.inbox <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (d *device) Close() {}

func (d *device) JoinRoom(_ context.Context, roomID string) error {
	d.o.HandleFrame(d.id, []byte(fmt.Sprintf(`{"type":"call.join","roomId":%q}`, roomID)))
	return nil
}

func (d *device) Send(_ context.Context, sig protocol.Signal) error {
	frame, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	d.o.HandleFrame(d.id, frame)
	return nil
}

func (d *device) loop() {
	for {
		select {
		case <-d.done:
			return
		case f := <-d.inbox:
			d.paused.Lock()
			d.paused.Unlock()
			msg, err := protocol.Decode(f)
			if err != nil {
				continue
			}
			if sig, ok := msg.(protocol.Signal); ok {
				d.m.HandleSignal(sig)
			}
		}
	}
}

func connectDevice(t *testing.T, o *orch.Orchestrator, user domain.UserID) *device {
	t.Helper()
	d := &device{
		o:      o,
		inbox:  make(chan core.Frame, 64),
		done:   make(chan struct{}),
		media:  &fakeSource{},
		events: &eventLog{},
	}
	d.negs = &negotiators{}
	d.id = o.Connect(d, "", nil)
	d.m = NewManager(Options{
		Self:        user,
		Signaler:    d,
		Media:       d.media,
		Negotiators: d.negs.New,
		Clock:       clock.NewMock(),
	})
	d.m.OnEvent(d.events.record)
	go d.loop()
	o.HandleFrame(d.id, []byte(fmt.Sprintf(`{"type":"identify","userId":%q}`, user)))
	t.Cleanup(func() {
		d.m.Close()
		close(d.done)
	})
	return d
}

func hasReason(d *device, r Reason) func() bool {
	return func() bool {
		for _, got := range d.events.Reasons() {
			if got == r {
				return true
			}
		}
		return false
	}
}

func TestFirstDeviceToAnswerWins(t *testing.T) {
	o := orch.New(app.SimplePolicy{}, true)
	caller := connectDevice(t, o, "1")
	laptop := connectDevice(t, o, "2")
	phone := connectDevice(t, o, "2")

	require.NoError(t, caller.m.StartCall(context.Background(), room, Video, "2"))
	require.Eventually(t, hasReason(laptop, ReasonRinging), time.Second, 5*time.Millisecond)
	require.Eventually(t, hasReason(phone, ReasonRinging), time.Second, 5*time.Millisecond)

	require.NoError(t, laptop.m.Accept(context.Background(), room))

	require.Eventually(t, func() bool { return caller.m.State(room) == Connected }, time.Second, 5*time.Millisecond)
	require.Eventually(t, hasReason(phone, ReasonAnsweredElsewhere), time.Second, 5*time.Millisecond)
	assert.Equal(t, Connected, laptop.m.State(room))
	assert.Equal(t, Idle, phone.m.State(room))
	assert.Nil(t, phone.media.Last(), "the losing device never acquires media")
	assert.ErrorIs(t, phone.m.Accept(context.Background(), room), ErrNoCall)

	snap, ok := caller.m.Session(room)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("2"), snap.Peer)
}

func TestCallerHangupReachesEveryRingingDevice(t *testing.T) {
	o := orch.New(app.SimplePolicy{}, true)
	caller := connectDevice(t, o, "1")
	laptop := connectDevice(t, o, "2")
	phone := connectDevice(t, o, "2")

	require.NoError(t, caller.m.StartCall(context.Background(), room, Voice, "2"))
	require.Eventually(t, hasReason(laptop, ReasonRinging), time.Second, 5*time.Millisecond)
	require.Eventually(t, hasReason(phone, ReasonRinging), time.Second, 5*time.Millisecond)

	require.NoError(t, caller.m.Hangup(context.Background(), room))

	require.Eventually(t, hasReason(laptop, ReasonRemoteEnd), time.Second, 5*time.Millisecond)
	require.Eventually(t, hasReason(phone, ReasonRemoteEnd), time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, caller.media.Last().Released())
}

func TestLosingDeviceOfAnswerRaceDoesNotEndTheCall(t *testing.T) {
	o := orch.New(app.SimplePolicy{}, true)
	caller := connectDevice(t, o, "1")
	laptop := connectDevice(t, o, "2")
	phone := connectDevice(t, o, "2")

	require.NoError(t, caller.m.StartCall(context.Background(), room, Video, "2"))
	require.Eventually(t, hasReason(laptop, ReasonRinging), time.Second, 5*time.Millisecond)
	require.Eventually(t, hasReason(phone, ReasonRinging), time.Second, 5*time.Millisecond)

	// both devices answer before the phone hears about the laptop's answer
	phone.paused.Lock()
	require.NoError(t, laptop.m.Accept(context.Background(), room))
	require.NoError(t, phone.m.Accept(context.Background(), room))
	phone.paused.Unlock()
	require.Eventually(t, func() bool { return caller.m.State(room) == Connected }, time.Second, 5*time.Millisecond)

	// only the laptop's peer connection comes up; the phone's never does
	laptop.negs.Last().onUp()
	phone.negs.Last().onFailed()

	require.Eventually(t, hasReason(phone, ReasonAnsweredElsewhere), time.Second, 5*time.Millisecond)
	assert.Equal(t, Idle, phone.m.State(room))
	assert.Equal(t, 1, phone.media.Last().Released())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Connected, caller.m.State(room))
	assert.Equal(t, Connected, laptop.m.State(room))
	assert.NotContains(t, caller.events.Reasons(), ReasonRemoteEnd)
}
