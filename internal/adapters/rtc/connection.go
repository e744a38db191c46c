package rtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/Relay/internal/call"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Connection implements call.Negotiator over a pion PeerConnection with
// trickle ICE: candidates are surfaced as they are gathered.
type Connection struct {
	pc   *webrtc.PeerConnection
	room string

	mu       sync.Mutex
	onICE    func(json.RawMessage)
	onTrack  func(trackID, kind string)
	onFailed func()
	onUp     func()
	senders  []*webrtc.RTPSender
	closed   bool
}

func DefaultWebRTCConfig(iceURLs ...string) webrtc.Configuration {
	if len(iceURLs) == 0 {
		iceURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceURLs}},
	}
}

// Factory returns a call.NegotiatorFactory using cfg for every call.
func Factory(cfg webrtc.Configuration) call.NegotiatorFactory {
	return func(roomID string) (call.Negotiator, error) {
		return NewWebRTCConnection(cfg, roomID)
	}
}

func NewWebRTCConnection(cfg webrtc.Configuration, room string) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc, room: room}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("room", room).Msg("marshal candidate")
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(b)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("room", room).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateConnected {
			c.mu.Lock()
			up := c.onUp
			c.mu.Unlock()
			if up != nil {
				up()
			}
			return
		}
		if s != webrtc.PeerConnectionStateFailed && s != webrtc.PeerConnectionStateClosed {
			return
		}
		c.mu.Lock()
		fn := c.onFailed
		closed := c.closed
		c.mu.Unlock()
		if fn != nil && !closed {
			fn()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("room", room).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track.ID(), track.Kind().String())
		}
	})

	return c, nil
}

func (c *Connection) AddLocalMedia(m call.LocalMedia) error {
	for _, t := range m.Tracks() {
		sender, err := c.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		c.mu.Lock()
		c.senders = append(c.senders, sender)
		c.mu.Unlock()
	}
	return nil
}

func (c *Connection) CreateOffer() (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(c.pc.LocalDescription())
}

func (c *Connection) CreateAnswer() (json.RawMessage, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(c.pc.LocalDescription())
}

func (c *Connection) SetRemoteDescription(raw json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) AddICECandidate(raw json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(json.RawMessage)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnRemoteTrack sets application-level callback for remote tracks.
func (c *Connection) OnRemoteTrack(fn func(trackID, kind string)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnected(fn func()) {
	c.mu.Lock()
	c.onUp = fn
	c.mu.Unlock()
}

// OnFailed is not called for a Close initiated locally.
func (c *Connection) OnFailed(fn func()) {
	c.mu.Lock()
	c.onFailed = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	senders := c.senders
	c.senders = nil
	c.mu.Unlock()

	for _, s := range senders {
		if err := c.pc.RemoveTrack(s); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("room", c.room).Msg("remove track")
		}
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("room", c.room).Msg("close error")
		return err
	}
	log.Info().Str("module", "rtc").Str("room", c.room).Msg("closed")
	return nil
}
