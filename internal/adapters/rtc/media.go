package rtc

import (
	"context"
	"sync/atomic"

	"github.com/dkeye/Relay/internal/call"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// SyntheticSource hands out local tracks with no capture device behind them.
// Headless clients use it; browsers acquire real devices themselves.
type SyntheticSource struct{}

type localMedia struct {
	tracks   []webrtc.TrackLocal
	released atomic.Bool
}

func (m *localMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *localMedia) Release() { m.released.Store(true) }

func (m *localMedia) Released() bool { return m.released.Load() }

func (SyntheticSource) Acquire(ctx context.Context, kind call.Kind) (call.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := "local-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", stream,
	)
	if err != nil {
		return nil, err
	}
	m := &localMedia{tracks: []webrtc.TrackLocal{audio}}
	if kind == call.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", stream,
		)
		if err != nil {
			return nil, err
		}
		m.tracks = append(m.tracks, video)
	}
	return m, nil
}
