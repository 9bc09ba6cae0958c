package broadcast

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
)

const (
	recordingBytesPerSample = 2 // LINEAR16
	recordingBitsPerSample  = 16
	recordingPCMFormat      = 1 // WAV PCM format tag
)

// ChunkSource emits encoded media chunks in capture order. It returns io.EOF
// when the capture ends.
type ChunkSource interface {
	ReadChunk() ([]byte, error)
}

// RecordingOptions overrides recorder defaults for one recording.
type RecordingOptions struct {
	Filename   string
	MimeType   string // "audio/wav" wraps chunks in a WAV container; anything else is concatenated raw
	SampleRate int
	Channels   int
}

// Recorder accumulates capture chunks in arrival order and writes a single
// artifact on stop. It is independent of the live transport: a recording may
// run with or without an active broadcast.
type Recorder struct {
	log   logging.LeveledLogger
	dir   string
	clock func() time.Time

	mu        sync.Mutex
	recording bool
	chunks    [][]byte
	opts      RecordingOptions
}

func NewRecorder(dir string, log logging.LeveledLogger) *Recorder {
	return &Recorder{
		log:   log,
		dir:   dir,
		clock: time.Now,
	}
}

// Start begins reading chunks from the source. It fails when a recording is
// already running.
func (r *Recorder) Start(source ChunkSource, opts RecordingOptions) error {
	if source == nil {
		return errors.New("recording source is nil")
	}
	if opts.MimeType == "" {
		opts.MimeType = "audio/wav"
	}

	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return errors.New("recording already in progress")
	}
	r.recording = true
	r.chunks = nil
	r.opts = opts
	r.mu.Unlock()

	go r.readChunks(source)
	return nil
}

func (r *Recorder) readChunks(source ChunkSource) {
	for {
		chunk, err := source.ReadChunk()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Warnf("recording source read failed: %v", err)
			}
			return
		}
		if len(chunk) == 0 {
			continue
		}
		buf := make([]byte, len(chunk))
		copy(buf, chunk)

		r.mu.Lock()
		if r.recording {
			r.chunks = append(r.chunks, buf)
		}
		r.mu.Unlock()
	}
}

// Stop concatenates the accumulated chunks into a single artifact on disk and
// returns its path. The file is named from the options or a timestamp-derived
// default.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", errors.New("no recording in progress")
	}
	r.recording = false
	chunks := r.chunks
	r.chunks = nil
	opts := r.opts
	r.mu.Unlock()

	if len(chunks) == 0 {
		return "", errors.New("no audio chunks recorded")
	}

	var payload bytes.Buffer
	for _, c := range chunks {
		payload.Write(c)
	}

	data := payload.Bytes()
	if opts.MimeType == "audio/wav" {
		data = wrapWAV(data, opts.SampleRate, opts.Channels)
	}

	name := opts.Filename
	if name == "" {
		stamp := strings.ReplaceAll(r.clock().UTC().Format(time.RFC3339), ":", "-")
		name = fmt.Sprintf("radio_recording_%s.%s", stamp, mimeExtension(opts.MimeType))
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recording dir: %w", err)
	}
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write recording: %w", err)
	}

	r.log.Infof("recording saved: %s (%d bytes, %d chunks)", path, len(data), len(chunks))
	return path, nil
}

// Recording reports whether a recording is currently running.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func mimeExtension(mime string) string {
	switch mime {
	case "audio/wav":
		return "wav"
	case "audio/ogg", "audio/ogg;codecs=opus":
		return "ogg"
	case "audio/webm", "audio/webm;codecs=opus":
		return "webm"
	default:
		return "bin"
	}
}

func wrapWAV(pcm []byte, sampleRate, channels int) []byte {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 2
	}
	byteRate := sampleRate * channels * recordingBytesPerSample

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(recordingPCMFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*recordingBytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(recordingBitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
