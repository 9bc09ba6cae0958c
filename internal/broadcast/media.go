package broadcast

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"radiolive/internal/config"
)

// LocalTrack is a local capture track that can be attached to the peer
// transport and stopped on teardown.
type LocalTrack interface {
	webrtc.TrackLocal
	Stop() error
}

// MediaStream is a set of outbound capture tracks. The session builds a
// composite stream from the caller's audio and video streams purely for
// cleanup bookkeeping; it does not re-encode.
type MediaStream struct {
	ID     string
	Tracks []LocalTrack
}

func NewMediaStream(tracks ...LocalTrack) *MediaStream {
	return &MediaStream{
		ID:     uuid.New().String(),
		Tracks: tracks,
	}
}

func (m *MediaStream) tracksOfKind(kind webrtc.RTPCodecType) []LocalTrack {
	var out []LocalTrack
	for _, t := range m.Tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// AudioTracks returns the stream's audio tracks.
func (m *MediaStream) AudioTracks() []LocalTrack {
	return m.tracksOfKind(webrtc.RTPCodecTypeAudio)
}

// VideoTracks returns the stream's video tracks.
func (m *MediaStream) VideoTracks() []LocalTrack {
	return m.tracksOfKind(webrtc.RTPCodecTypeVideo)
}

// sampleTrack adapts a sample-fed pion track into a stoppable LocalTrack.
// The stop function detaches the capture source feeding the track.
type sampleTrack struct {
	*webrtc.TrackLocalStaticSample
	stopFn func() error
}

func (t *sampleTrack) Stop() error {
	if t.stopFn != nil {
		return t.stopFn()
	}
	return nil
}

// NewOpusTrack creates an Opus audio track for the configured sample rate and
// channel count. stop is invoked on session teardown and may be nil.
func NewOpusTrack(cfg *config.Config, stop func() error) (LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: uint32(cfg.AudioSampleRate),
			Channels:  uint16(cfg.AudioChannels),
		},
		"audio",
		"radiolive-audio",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	return &sampleTrack{TrackLocalStaticSample: track, stopFn: stop}, nil
}

// NewVP8Track creates a VP8 video track. stop may be nil.
func NewVP8Track(stop func() error) (LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video",
		"radiolive-video",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	return &sampleTrack{TrackLocalStaticSample: track, stopFn: stop}, nil
}
