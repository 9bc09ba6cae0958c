package broadcast

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// PlatformStatus is the relay-reported connection status of one destination.
type PlatformStatus string

const (
	PlatformConnected    PlatformStatus = "connected"
	PlatformDisconnected PlatformStatus = "disconnected"
	PlatformError        PlatformStatus = "error"
)

// SocialPlatform is one configured broadcast destination. Entries are
// caller-owned: they are created by ConfigureSocialPlatform and never deleted
// automatically. Status and IsActive are driven only by inbound control
// messages from the relay.
type SocialPlatform struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Enabled   bool           `json:"enabled"`
	IsActive  bool           `json:"isActive"`
	RTMPURL   string         `json:"rtmpUrl"`
	StreamKey string         `json:"streamKey"`
	Status    PlatformStatus `json:"status"`
}

// PlatformConfig is the caller-supplied configuration for a destination.
type PlatformConfig struct {
	Name      string `json:"name,omitempty"`
	RTMPURL   string `json:"rtmpUrl"`
	StreamKey string `json:"streamKey"`
	Enabled   bool   `json:"enabled"`
}

// VideoConfig holds outbound video encoding parameters.
type VideoConfig struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frameRate"`
	Bitrate   int `json:"bitrate"`
}

// AudioConfig holds outbound audio encoding parameters.
type AudioConfig struct {
	SampleRate int `json:"sampleRate"`
	Channels   int `json:"channels"`
	Bitrate    int `json:"bitrate"`
}

// StreamConfig is the session's mutable encoding configuration. Updates are
// pushed to the relay over the control channel; they are never retroactively
// applied to an already-attached track.
type StreamConfig struct {
	Video VideoConfig `json:"video"`
	Audio AudioConfig `json:"audio"`
}

// StreamStats is a single mutable snapshot with no history. Partial updates
// from the relay and transport polls are merged shallowly, last writer wins
// per field.
type StreamStats struct {
	Viewers       int     `json:"viewers"`
	Duration      float64 `json:"duration"`
	Uptime        string  `json:"uptime"`
	Bitrate       int     `json:"bitrate"`
	Latency       int     `json:"latency"`
	CPUUsage      float64 `json:"cpuUsage"`
	Quality       string  `json:"quality"`
	DroppedFrames int     `json:"droppedFrames"`
	Bandwidth     int     `json:"bandwidth"`
}

// StatsUpdate is a partial StreamStats: nil fields were absent from the
// report and leave the stored value untouched.
type StatsUpdate struct {
	Viewers       *int     `json:"viewers,omitempty"`
	Duration      *float64 `json:"duration,omitempty"`
	Uptime        *string  `json:"uptime,omitempty"`
	Bitrate       *int     `json:"bitrate,omitempty"`
	Latency       *int     `json:"latency,omitempty"`
	CPUUsage      *float64 `json:"cpuUsage,omitempty"`
	Quality       *string  `json:"quality,omitempty"`
	DroppedFrames *int     `json:"droppedFrames,omitempty"`
	Bandwidth     *int     `json:"bandwidth,omitempty"`
}

func (s *StreamStats) apply(u StatsUpdate) {
	if u.Viewers != nil {
		s.Viewers = *u.Viewers
	}
	if u.Duration != nil {
		s.Duration = *u.Duration
	}
	if u.Uptime != nil {
		s.Uptime = *u.Uptime
	}
	if u.Bitrate != nil {
		s.Bitrate = *u.Bitrate
	}
	if u.Latency != nil {
		s.Latency = *u.Latency
	}
	if u.CPUUsage != nil {
		s.CPUUsage = *u.CPUUsage
	}
	if u.Quality != nil {
		s.Quality = *u.Quality
	}
	if u.DroppedFrames != nil {
		s.DroppedFrames = *u.DroppedFrames
	}
	if u.Bandwidth != nil {
		s.Bandwidth = *u.Bandwidth
	}
}

// Control-channel message types. Outbound first, then inbound. Unrecognized
// inbound types are logged and ignored.
const (
	ctrlConfigurePlatform = "configure-platform"
	ctrlTogglePlatform    = "toggle-platform"
	ctrlUpdateConfig      = "update-config"

	ctrlPlatformConnected    = "platform-connected"
	ctrlPlatformDisconnected = "platform-disconnected"
	ctrlPlatformError        = "platform-error"
	ctrlEncodingStats        = "encoding-stats"
)

// controlMessage is the JSON envelope exchanged over the side data channel.
type controlMessage struct {
	Type       string          `json:"type"`
	PlatformID string          `json:"platformId,omitempty"`
	Platform   *PlatformConfig `json:"platform,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Config     *StreamConfig   `json:"config,omitempty"`
	Error      string          `json:"error,omitempty"`
	Stats      json.RawMessage `json:"stats,omitempty"`
}

// Signaler forwards session descriptions and candidates to the relay. Both
// sends are best effort; the relay answers back through HandleAnswer and
// AddRemoteCandidate.
type Signaler interface {
	SendOffer(sdp string) bool
	SendCandidate(candidate webrtc.ICECandidateInit) bool
}
