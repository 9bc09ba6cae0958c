package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"radiolive/internal/broadcast"
	"radiolive/internal/config"
	"radiolive/internal/signaling"
)

// Handler exposes the broadcaster's control surface: signaling lifecycle,
// stream start/stop, platform management, stats and recording.
type Handler struct {
	cfg     *config.Config
	channel *signaling.Channel
	session *broadcast.Session
	tracer  trace.Tracer

	recMu  sync.Mutex
	recSrc *chunkFeed
}

func NewHandler(cfg *config.Config, channel *signaling.Channel, session *broadcast.Session) *Handler {
	return &Handler{
		cfg:     cfg,
		channel: channel,
		session: session,
		tracer:  otel.Tracer("http-handler"),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/signaling/connect", h.handleConnect)
	mux.HandleFunc("/signaling/disconnect", h.handleDisconnect)
	mux.HandleFunc("/stream/start", h.handleStreamStart)
	mux.HandleFunc("/stream/stop", h.handleStreamStop)
	mux.HandleFunc("/stream/answer", h.handleStreamAnswer)
	mux.HandleFunc("/stream/candidate", h.handleStreamCandidate)
	mux.HandleFunc("/stream/config", h.handleStreamConfig)
	mux.HandleFunc("/stream/stats", h.handleStreamStats)
	mux.HandleFunc("/platforms", h.handleListPlatforms)
	mux.HandleFunc("/platforms/", h.handlePlatform)
	mux.HandleFunc("/chat", h.handleChat)
	mux.HandleFunc("/metadata", h.handleMetadata)
	mux.HandleFunc("/dj/status", h.handleDJStatus)
	mux.HandleFunc("/listeners/refresh", h.handleListenerRefresh)
	mux.HandleFunc("/recording/start", h.handleRecordingStart)
	mux.HandleFunc("/recording/chunk", h.handleRecordingChunk)
	mux.HandleFunc("/recording/stop", h.handleRecordingStop)
}

type ConnectRequest struct {
	StationID string `json:"stationId"`
	AuthToken string `json:"authToken"`
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.SignalingConnect", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}
	if req.StationID == "" {
		h.respondError(w, fmt.Errorf("stationId required"), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("station_id", req.StationID))

	accepted := h.channel.Connect(req.StationID, req.AuthToken)
	h.respondJSON(w, map[string]interface{}{
		"accepted": accepted,
		"state":    h.channel.State().String(),
	})
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.SignalingDisconnect", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	h.channel.Disconnect()
	h.respondJSON(w, map[string]string{"state": h.channel.State().String()})
}

type StreamStartRequest struct {
	Video    bool            `json:"video"`
	Metadata json.RawMessage `json:"metadata"`
}

func (h *Handler) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.StreamStart", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req StreamStartRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.session.Initialize(ctx); err != nil {
		h.respondError(w, err, http.StatusInternalServerError)
		return
	}

	audioTrack, err := broadcast.NewOpusTrack(h.cfg, nil)
	if err != nil {
		h.respondError(w, err, http.StatusInternalServerError)
		return
	}
	audio := broadcast.NewMediaStream(audioTrack)

	var video *broadcast.MediaStream
	if req.Video {
		videoTrack, err := broadcast.NewVP8Track(nil)
		if err != nil {
			h.respondError(w, err, http.StatusInternalServerError)
			return
		}
		video = broadcast.NewMediaStream(videoTrack)
	}

	if err := h.session.StartStream(ctx, audio, video); err != nil {
		h.respondError(w, err, http.StatusInternalServerError)
		return
	}

	if len(req.Metadata) > 0 {
		h.channel.GoLive(req.Metadata)
	} else {
		h.channel.GoLive(nil)
	}
	h.respondJSON(w, map[string]bool{"streaming": h.session.IsStreaming()})
}

func (h *Handler) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.StreamStop", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	h.session.StopStream()
	h.channel.StopStream()
	h.respondJSON(w, map[string]bool{"streaming": h.session.IsStreaming()})
}

func (h *Handler) handleStreamAnswer(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.StreamAnswer", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var msg struct {
		SDP string `json:"sdp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}
	if err := h.session.HandleAnswer(msg.SDP); err != nil {
		h.respondError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleStreamCandidate(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.StreamCandidate", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var candidate webrtc.ICECandidateInit
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}
	if err := h.session.AddRemoteCandidate(candidate); err != nil {
		h.respondError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleStreamConfig(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.StreamConfig", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if r.Method == http.MethodGet {
		h.respondJSON(w, h.session.StreamConfig())
		return
	}

	var cfg broadcast.StreamConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}
	h.session.UpdateStreamConfig(cfg)
	h.respondJSON(w, cfg)
}

func (h *Handler) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.StreamStats", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	h.respondJSON(w, h.session.Stats())
}

func (h *Handler) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.ListPlatforms", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	h.respondJSON(w, h.session.Platforms())
}

type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) handlePlatform(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/platforms/")

	if id, ok := strings.CutSuffix(rest, "/toggle"); ok {
		_, span := h.tracer.Start(r.Context(), "http.TogglePlatform", trace.WithAttributes(attribute.String("platform_id", id)), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		var req ToggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, err, http.StatusBadRequest)
			return
		}
		if !h.session.ToggleSocialPlatform(id, req.Enabled) {
			h.respondError(w, fmt.Errorf("unknown platform %q", id), http.StatusNotFound)
			return
		}
		platform, _ := h.session.Platform(id)
		h.respondJSON(w, platform)
		return
	}

	id := rest
	if id == "" {
		h.respondError(w, fmt.Errorf("platform ID required"), http.StatusBadRequest)
		return
	}

	_, span := h.tracer.Start(r.Context(), "http.ConfigurePlatform", trace.WithAttributes(attribute.String("platform_id", id)), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if r.Method == http.MethodGet {
		platform, ok := h.session.Platform(id)
		if !ok {
			h.respondError(w, fmt.Errorf("unknown platform %q", id), http.StatusNotFound)
			return
		}
		h.respondJSON(w, platform)
		return
	}

	var cfg broadcast.PlatformConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}
	h.session.ConfigureSocialPlatform(id, cfg)
	platform, _ := h.session.Platform(id)
	h.respondJSON(w, platform)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.Chat", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}
	h.respondJSON(w, map[string]bool{"sent": h.channel.SendChatMessage(req.Message)})
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.Metadata", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var metadata json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&metadata); err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}
	h.respondJSON(w, map[string]bool{"sent": h.channel.UpdateStreamMetadata(metadata)})
}

func (h *Handler) handleDJStatus(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.DJStatus", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}
	h.respondJSON(w, map[string]bool{"sent": h.channel.UpdateDJStatus(req.Status)})
}

func (h *Handler) handleListenerRefresh(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.ListenerRefresh", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	h.respondJSON(w, map[string]bool{"sent": h.channel.RequestListenerStats()})
}

// chunkFeed adapts chunk uploads into the recorder's pull interface. Pushes
// after Close are rejected.
type chunkFeed struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

func newChunkFeed() *chunkFeed {
	return &chunkFeed{ch: make(chan []byte, 64)}
}

func (f *chunkFeed) ReadChunk() ([]byte, error) {
	chunk, ok := <-f.ch
	if !ok {
		return nil, io.EOF
	}
	return chunk, nil
}

func (f *chunkFeed) Push(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("recording not active")
	}
	select {
	case f.ch <- chunk:
		return nil
	default:
		return fmt.Errorf("recording buffer full")
	}
}

func (f *chunkFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

type RecordingStartRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
}

func (h *Handler) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.RecordingStart", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req RecordingStartRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	feed := newChunkFeed()
	opts := broadcast.RecordingOptions{Filename: req.Filename, MimeType: req.MimeType}
	if err := h.session.StartRecording(feed, opts); err != nil {
		h.respondError(w, err, http.StatusConflict)
		return
	}

	h.recMu.Lock()
	h.recSrc = feed
	h.recMu.Unlock()
	h.respondJSON(w, map[string]bool{"recording": true})
}

func (h *Handler) handleRecordingChunk(w http.ResponseWriter, r *http.Request) {
	h.recMu.Lock()
	feed := h.recSrc
	h.recMu.Unlock()
	if feed == nil {
		h.respondError(w, fmt.Errorf("recording not active"), http.StatusConflict)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, err, http.StatusBadRequest)
		return
	}
	if err := feed.Push(data); err != nil {
		h.respondError(w, err, http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.RecordingStop", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	h.recMu.Lock()
	feed := h.recSrc
	h.recSrc = nil
	h.recMu.Unlock()
	if feed != nil {
		feed.Close()
	}

	path, err := h.session.StopRecording()
	if err != nil {
		h.respondError(w, err, http.StatusConflict)
		return
	}
	h.respondJSON(w, map[string]string{"path": path})
}

func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		fmt.Printf("Error encoding JSON: %v", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
