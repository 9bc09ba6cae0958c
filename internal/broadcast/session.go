package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"radiolive/internal/config"
)

// Session owns the full lifecycle of one outbound live transport: offer
// negotiation, codec and bitrate tuning, per-destination relay status,
// statistics and local recording. Exactly one peer transport handle exists
// at a time; Initialize always tears down the previous one first.
type Session struct {
	cfg        *config.Config
	signal     Signaler
	log        logging.LeveledLogger
	logFactory *logging.DefaultLoggerFactory
	tracer     trace.Tracer
	meter      metric.Meter

	liveGauge metric.Int64UpDownCounter

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	control       *webrtc.DataChannel
	local         *MediaStream
	isStreaming   bool
	startedAt     time.Time
	streamConfig  StreamConfig
	platforms     map[string]*SocialPlatform
	pendingCtrl   [][]byte
	stats         StreamStats
	statsStop     chan struct{}
	lastBytesSent uint64

	recorder *Recorder
}

func NewSession(cfg *config.Config, signal Signaler) *Session {
	factory := logging.NewDefaultLoggerFactory()

	tracer := otel.Tracer("broadcast-session")
	meter := otel.Meter("broadcast-session")
	liveGauge, _ := meter.Int64UpDownCounter("broadcast.sessions_live", metric.WithDescription("Number of live broadcast sessions"))

	return &Session{
		cfg:        cfg,
		signal:     signal,
		log:        factory.NewLogger("broadcast"),
		logFactory: factory,
		tracer:     tracer,
		meter:      meter,
		liveGauge:  liveGauge,
		streamConfig: StreamConfig{
			Video: VideoConfig{
				Width:     cfg.VideoWidth,
				Height:    cfg.VideoHeight,
				FrameRate: cfg.VideoFrameRate,
				Bitrate:   cfg.VideoBitrate,
			},
			Audio: AudioConfig{
				SampleRate: cfg.AudioSampleRate,
				Channels:   cfg.AudioChannels,
				Bitrate:    cfg.AudioBitrate,
			},
		},
		platforms: make(map[string]*SocialPlatform),
		recorder:  NewRecorder(cfg.RecordingDir, factory.NewLogger("recorder")),
	}
}

func (s *Session) createPeerAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.LoggerFactory = s.logFactory

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

// Initialize creates the peer transport handle, wires the transport event
// handlers and opens the side control channel. Re-initializing never leaks a
// prior handle: the previous transport is torn down first.
func (s *Session) Initialize(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "broadcast.Initialize")
	defer span.End()

	s.teardownTransport()

	api, err := s.createPeerAPI()
	if err != nil {
		return err
	}

	iceServers := make([]webrtc.ICEServer, 0, len(s.cfg.STUNServers))
	for _, u := range s.cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if !s.signal.SendCandidate(c.ToJSON()) {
			s.log.Warnf("failed to forward ICE candidate")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Infof("peer transport state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.startStatsLoop(pc)
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			s.stopStatsLoop()
		}
	})

	control, err := pc.CreateDataChannel("control", nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create control channel: %w", err)
	}
	control.OnOpen(func() {
		s.flushPendingControl()
	})
	control.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.handleControlMessage(msg.Data)
	})

	s.mu.Lock()
	s.pc = pc
	s.control = control
	s.mu.Unlock()
	return nil
}

// StartStream attaches the capture tracks as send-only, applies the offer
// locally and forwards a codec-and-bitrate-tuned copy to the relay over
// signaling. A failure at any step rolls the transport back to a clean
// non-streaming state.
func (s *Session) StartStream(ctx context.Context, audio, video *MediaStream) error {
	_, span := s.tracer.Start(ctx, "broadcast.StartStream")
	defer span.End()

	s.mu.Lock()
	pc := s.pc
	streaming := s.isStreaming
	videoBitrate := s.streamConfig.Video.Bitrate
	s.mu.Unlock()

	if pc == nil {
		return errors.New("session not initialized")
	}
	if streaming {
		return errors.New("stream already active")
	}
	if audio == nil || len(audio.AudioTracks()) == 0 {
		return errors.New("audio stream has no audio track")
	}

	composite := NewMediaStream()
	var senders []*webrtc.RTPSender

	attach := func(track LocalTrack) error {
		transceiver, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return err
		}
		sender := transceiver.Sender()
		senders = append(senders, sender)
		composite.Tracks = append(composite.Tracks, track)
		go drainRTCP(sender)
		return nil
	}
	rollback := func() {
		for _, sender := range senders {
			_ = pc.RemoveTrack(sender)
		}
	}

	for _, track := range audio.AudioTracks() {
		if err := attach(track); err != nil {
			rollback()
			return fmt.Errorf("failed to attach audio track: %w", err)
		}
	}
	if video != nil {
		for _, track := range video.VideoTracks() {
			if err := attach(track); err != nil {
				rollback()
				return fmt.Errorf("failed to attach video track: %w", err)
			}
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		rollback()
		return fmt.Errorf("failed to create offer: %w", err)
	}

	// The local description must stay exactly as generated, so the tuning
	// happens on the copy forwarded to the relay: the Opus broadcast profile
	// on the audio m-line and a bandwidth cap on the video section, never
	// track re-creation. The same configuration is also pushed to the relay
	// over the control channel below.
	if err := pc.SetLocalDescription(offer); err != nil {
		rollback()
		return fmt.Errorf("failed to set local description: %w", err)
	}

	outbound := optimizeAudioDescription(offer.SDP)
	if video != nil {
		outbound = applyVideoBandwidth(outbound, videoBitrate)
	}
	if !s.signal.SendOffer(outbound) {
		// Delivery is best effort; the transport stays ready and the caller
		// can resend once signaling reconnects.
		s.log.Warnf("failed to forward offer through signaling")
	}

	s.mu.Lock()
	s.local = composite
	s.isStreaming = true
	s.startedAt = time.Now()
	cfg := s.streamConfig
	s.mu.Unlock()
	s.liveGauge.Add(ctx, 1)

	s.sendControl(controlMessage{Type: ctrlUpdateConfig, Config: &cfg})
	s.log.Infof("streaming started with %d tracks", len(composite.Tracks))
	return nil
}

// drainRTCP reads and discards sender RTCP so interceptor feedback keeps
// flowing.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// StopStream stops every attached track, discards the transport handle and
// halts statistics collection. Safe to call with no active session.
func (s *Session) StopStream() {
	if s.teardownTransport() {
		s.log.Infof("streaming stopped")
	}
}

// teardownTransport releases the current transport and reports whether a
// live stream was ended by it.
func (s *Session) teardownTransport() bool {
	s.mu.Lock()
	wasStreaming := s.isStreaming

	if s.statsStop != nil {
		close(s.statsStop)
		s.statsStop = nil
	}
	if s.local != nil {
		for _, t := range s.local.Tracks {
			if err := t.Stop(); err != nil {
				s.log.Warnf("failed to stop track %s: %v", t.ID(), err)
			}
		}
		s.local = nil
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Warnf("failed to close peer connection: %v", err)
		}
		s.pc = nil
	}
	s.control = nil
	s.isStreaming = false
	s.lastBytesSent = 0
	s.mu.Unlock()

	if wasStreaming {
		s.liveGauge.Add(context.Background(), -1)
	}
	return wasStreaming
}

// HandleAnswer applies the relay's answer to the transport.
func (s *Session) HandleAnswer(sdp string) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return errors.New("no active peer transport")
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// AddRemoteCandidate applies a trickled candidate from the relay.
func (s *Session) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return errors.New("no active peer transport")
	}
	return pc.AddICECandidate(candidate)
}

// ConfigureSocialPlatform upserts a destination with status reset to
// disconnected and forwards the configuration to the relay. Configurations
// made before the control channel opens are queued and flushed on open.
func (s *Session) ConfigureSocialPlatform(id string, cfg PlatformConfig) {
	s.mu.Lock()
	p, ok := s.platforms[id]
	if !ok {
		p = &SocialPlatform{ID: id}
		s.platforms[id] = p
	}
	p.Name = cfg.Name
	p.RTMPURL = cfg.RTMPURL
	p.StreamKey = cfg.StreamKey
	p.Enabled = cfg.Enabled
	p.IsActive = false
	p.Status = PlatformDisconnected
	s.mu.Unlock()

	s.sendControl(controlMessage{Type: ctrlConfigurePlatform, PlatformID: id, Platform: &cfg})
}

// ToggleSocialPlatform flips only the enabled flag. Status and isActive are
// driven exclusively by inbound control messages.
func (s *Session) ToggleSocialPlatform(id string, enabled bool) bool {
	s.mu.Lock()
	p, ok := s.platforms[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	p.Enabled = enabled
	s.mu.Unlock()

	s.sendControl(controlMessage{Type: ctrlTogglePlatform, PlatformID: id, Enabled: &enabled})
	return true
}

// UpdateStreamConfig stores the new encoding configuration and pushes it to
// the relay. Already-attached tracks keep their negotiated parameters until
// the stream is restarted.
func (s *Session) UpdateStreamConfig(cfg StreamConfig) {
	s.mu.Lock()
	s.streamConfig = cfg
	s.mu.Unlock()

	s.sendControl(controlMessage{Type: ctrlUpdateConfig, Config: &cfg})
}

func (s *Session) sendControl(msg controlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Errorf("failed to marshal %s control message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	dc := s.control
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		s.pendingCtrl = append(s.pendingCtrl, data)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := dc.SendText(string(data)); err != nil {
		s.log.Warnf("failed to send %s control message: %v", msg.Type, err)
	}
}

func (s *Session) flushPendingControl() {
	s.mu.Lock()
	pending := s.pendingCtrl
	s.pendingCtrl = nil
	dc := s.control
	s.mu.Unlock()

	if dc == nil {
		return
	}
	for _, data := range pending {
		if err := dc.SendText(string(data)); err != nil {
			s.log.Warnf("failed to flush control message: %v", err)
		}
	}
}

func (s *Session) handleControlMessage(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warnf("dropping malformed control message: %v", err)
		return
	}

	switch msg.Type {
	case ctrlPlatformConnected:
		s.setPlatformStatus(msg.PlatformID, PlatformConnected, true)
	case ctrlPlatformDisconnected:
		s.setPlatformStatus(msg.PlatformID, PlatformDisconnected, false)
	case ctrlPlatformError:
		if msg.Error != "" {
			s.log.Warnf("platform %s reported error: %s", msg.PlatformID, msg.Error)
		}
		s.setPlatformStatus(msg.PlatformID, PlatformError, false)
	case ctrlEncodingStats:
		var update StatsUpdate
		if err := json.Unmarshal(msg.Stats, &update); err != nil {
			s.log.Warnf("dropping malformed encoding stats: %v", err)
			return
		}
		s.MergeStats(update)
	default:
		s.log.Debugf("ignoring unrecognized control message type %q", msg.Type)
	}
}

// setPlatformStatus is idempotent: a repeated identical report changes
// nothing beyond the stored fields.
func (s *Session) setPlatformStatus(id string, status PlatformStatus, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.platforms[id]
	if !ok {
		s.log.Debugf("status report for unknown platform %q", id)
		return
	}
	p.Status = status
	p.IsActive = active
}

// MergeStats merges a partial update into the stats snapshot. The transport
// poll and inbound relay reports both write here; last writer wins per field.
func (s *Session) MergeStats(update StatsUpdate) {
	s.mu.Lock()
	s.stats.apply(update)
	s.mu.Unlock()
}

// IsStreaming reports whether tracks are attached and an offer has been sent.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isStreaming
}

// Stats returns a copy of the current statistics snapshot.
func (s *Session) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// StreamConfig returns the current encoding configuration.
func (s *Session) StreamConfig() StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamConfig
}

// Platform returns the stored entry for one destination.
func (s *Session) Platform(id string) (SocialPlatform, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.platforms[id]
	if !ok {
		return SocialPlatform{}, false
	}
	return *p, true
}

// Platforms returns all configured destinations sorted by id.
func (s *Session) Platforms() []SocialPlatform {
	s.mu.Lock()
	out := make([]SocialPlatform, 0, len(s.platforms))
	for _, p := range s.platforms {
		out = append(out, *p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartRecording opens the local recorder against the given source.
// Recording is independent of the live transport.
func (s *Session) StartRecording(source ChunkSource, opts RecordingOptions) error {
	if opts.SampleRate == 0 {
		opts.SampleRate = s.cfg.AudioSampleRate
	}
	if opts.Channels == 0 {
		opts.Channels = s.cfg.AudioChannels
	}
	return s.recorder.Start(source, opts)
}

// StopRecording finalizes the recording and returns the artifact path.
func (s *Session) StopRecording() (string, error) {
	return s.recorder.Stop()
}

// Recording reports whether a recording is in progress.
func (s *Session) Recording() bool {
	return s.recorder.Recording()
}
