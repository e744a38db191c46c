package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/Relay/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type fakeSignaler struct {
	mu      sync.Mutex
	joined  []string
	sent    []protocol.Signal
	sendErr error
}

func (f *fakeSignaler) JoinRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, roomID)
	return nil
}

func (f *fakeSignaler) Send(_ context.Context, sig protocol.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sig)
	return nil
}

func (f *fakeSignaler) Sent() []protocol.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Signal(nil), f.sent...)
}

func (f *fakeSignaler) Types() []protocol.Type {
	var out []protocol.Type
	for _, s := range f.Sent() {
		out = append(out, s.Type)
	}
	return out
}

type fakeMedia struct {
	mu       sync.Mutex
	released int
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) Release() {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

func (m *fakeMedia) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

type fakeSource struct {
	mu       sync.Mutex
	err      error
	acquired []*fakeMedia
	// gate, when set, holds Acquire until it is closed. entered is
	// signaled once Acquire starts waiting.
	gate    chan struct{}
	entered chan struct{}
}

func (s *fakeSource) Acquire(context.Context, Kind) (LocalMedia, error) {
	s.mu.Lock()
	gate, entered := s.gate, s.entered
	s.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	m := &fakeMedia{}
	s.acquired = append(s.acquired, m)
	return m, nil
}

// hold makes the next Acquire calls wait until the returned func is called.
func (s *fakeSource) hold() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{}, 4)
	s.mu.Lock()
	s.gate, s.entered = gate, in
	s.mu.Unlock()
	return in, func() { close(gate) }
}

func (s *fakeSource) Last() *fakeMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acquired) == 0 {
		return nil
	}
	return s.acquired[len(s.acquired)-1]
}

type fakeNegotiator struct {
	mu         sync.Mutex
	remote     json.RawMessage
	candidates []json.RawMessage
	closed     int
	remoteErr  error
	onICE      func(json.RawMessage)
	onTrack    func(string, string)
	onFailed   func()
	onUp       func()
}

func (n *fakeNegotiator) AddLocalMedia(LocalMedia) error { return nil }

func (n *fakeNegotiator) CreateOffer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"fake"}`), nil
}

func (n *fakeNegotiator) CreateAnswer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"fake"}`), nil
}

func (n *fakeNegotiator) SetRemoteDescription(d json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.remoteErr != nil {
		return n.remoteErr
	}
	n.remote = d
	return nil
}

func (n *fakeNegotiator) AddICECandidate(c json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.remote == nil {
		return errors.New("remote description not set")
	}
	n.candidates = append(n.candidates, c)
	return nil
}

func (n *fakeNegotiator) OnICECandidate(fn func(json.RawMessage)) { n.onICE = fn }
func (n *fakeNegotiator) OnRemoteTrack(fn func(string, string))   { n.onTrack = fn }
func (n *fakeNegotiator) OnFailed(fn func())                      { n.onFailed = fn }
func (n *fakeNegotiator) OnConnected(fn func())                   { n.onUp = fn }

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	n.closed++
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) Candidates() []json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]json.RawMessage(nil), n.candidates...)
}

func (n *fakeNegotiator) Closed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

type negotiators struct {
	mu      sync.Mutex
	created []*fakeNegotiator
	tmpl    func(*fakeNegotiator)
}

func (f *negotiators) New(string) (Negotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := &fakeNegotiator{}
	if f.tmpl != nil {
		f.tmpl(n)
	}
	f.created = append(f.created, n)
	return n, nil
}

func (f *negotiators) Last() *fakeNegotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeStore struct {
	mu   sync.Mutex
	msgs []SystemMessage
}

func (s *fakeStore) AppendSystemMessage(_ context.Context, _ string, msg SystemMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeStore) Messages() []SystemMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SystemMessage(nil), s.msgs...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) Reasons() []Reason {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Reason
	for _, ev := range l.events {
		out = append(out, ev.Reason)
	}
	return out
}
