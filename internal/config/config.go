package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort int

	SignalingURL         string
	StationID            string
	AuthToken            string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration

	STUNServers   []string
	StatsInterval time.Duration

	VideoWidth      int
	VideoHeight     int
	VideoFrameRate  int
	VideoBitrate    int
	AudioSampleRate int
	AudioChannels   int
	AudioBitrate    int

	RecordingDir string

	TelemetryEndpoint string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment variables")
	}

	cfg := &Config{
		HTTPPort:             8082,
		SignalingURL:         "ws://127.0.0.1:8080/ws",
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    30 * time.Second,
		STUNServers:          []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		StatsInterval:        5 * time.Second,
		VideoWidth:           1280,
		VideoHeight:          720,
		VideoFrameRate:       30,
		VideoBitrate:         2500000,
		AudioSampleRate:      48000,
		AudioChannels:        2,
		AudioBitrate:         128000,
		RecordingDir:         "./recordings",
	}

	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = p
		}
	}
	if v := os.Getenv("SIGNALING_URL"); v != "" {
		cfg.SignalingURL = v
	}
	if v := os.Getenv("STATION_ID"); v != "" {
		cfg.StationID = v
	}
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("RECONNECT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconnectInterval = d
		}
	}
	if v := os.Getenv("MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("STUN_SERVERS"); v != "" {
		cfg.STUNServers = strings.Split(v, ",")
	}
	if v := os.Getenv("STATS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StatsInterval = d
		}
	}
	if v := os.Getenv("VIDEO_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VideoWidth = n
		}
	}
	if v := os.Getenv("VIDEO_HEIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VideoHeight = n
		}
	}
	if v := os.Getenv("VIDEO_FRAME_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VideoFrameRate = n
		}
	}
	if v := os.Getenv("VIDEO_BITRATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VideoBitrate = n
		}
	}
	if v := os.Getenv("AUDIO_SAMPLE_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AudioSampleRate = n
		}
	}
	if v := os.Getenv("AUDIO_CHANNELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AudioChannels = n
		}
	}
	if v := os.Getenv("AUDIO_BITRATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AudioBitrate = n
		}
	}
	if v := os.Getenv("RECORDING_DIR"); v != "" {
		cfg.RecordingDir = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.TelemetryEndpoint = v
	}

	return cfg, nil
}
