package broadcast

import (
	"strings"
	"testing"
)

const sampleOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0 8 111 63\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtpmap:63 red/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:97 rtx/90000\r\n"

func TestOptimizeAudioDescription(t *testing.T) {
	got := optimizeAudioDescription(sampleOffer)
	lines := strings.Split(got, "\r\n")

	var audioMLine, fmtpLine string
	for _, line := range lines {
		if strings.HasPrefix(line, "m=audio ") {
			audioMLine = line
		}
		if strings.HasPrefix(line, "a=fmtp:111 ") {
			fmtpLine = line
		}
	}

	// Opus leads the payload list, the rest keep their relative order.
	if want := "m=audio 9 UDP/TLS/RTP/SAVPF 111 0 8 63"; audioMLine != want {
		t.Errorf("audio m-line = %q, want %q", audioMLine, want)
	}

	if !strings.HasPrefix(fmtpLine, "a=fmtp:111 minptime=10;useinbandfec=1;") {
		t.Errorf("fmtp line lost its original parameters: %q", fmtpLine)
	}
	for _, param := range []string{
		"maxaveragebitrate=128000",
		"stereo=1",
		"sprop-stereo=1",
		"cbr=1",
		"useinbandfec=1",
		"maxplaybackrate=48000",
	} {
		if !strings.Contains(fmtpLine, param) {
			t.Errorf("fmtp line missing %q: %q", param, fmtpLine)
		}
	}
}

func TestOptimizeAudioDescriptionLeavesOtherLinesAlone(t *testing.T) {
	got := strings.Split(optimizeAudioDescription(sampleOffer), "\r\n")
	orig := strings.Split(sampleOffer, "\r\n")

	if len(got) != len(orig) {
		t.Fatalf("line count changed: got %d, want %d", len(got), len(orig))
	}
	for i := range orig {
		if strings.HasPrefix(orig[i], "m=audio ") || strings.HasPrefix(orig[i], "a=fmtp:111 ") {
			continue
		}
		if got[i] != orig[i] {
			t.Errorf("line %d changed: got %q, want %q", i, got[i], orig[i])
		}
	}
}

func TestOptimizeAudioDescriptionDeterministic(t *testing.T) {
	first := optimizeAudioDescription(sampleOffer)
	second := optimizeAudioDescription(sampleOffer)
	if first != second {
		t.Error("same input produced different output")
	}
}

func TestOptimizeAudioDescriptionNoOpus(t *testing.T) {
	sdp := "v=0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 0 8\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n"
	if got := optimizeAudioDescription(sdp); got != sdp {
		t.Errorf("description without opus was modified:\n%s", got)
	}
}

func TestOptimizeAudioDescriptionInsertsFmtp(t *testing.T) {
	sdp := "v=0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n"
	got := optimizeAudioDescription(sdp)
	want := "a=fmtp:111 " + opusBroadcastParams
	if !strings.Contains(got, want) {
		t.Errorf("missing inserted fmtp line %q in:\n%s", want, got)
	}
}

func TestOptimizeAudioDescriptionUnixNewlines(t *testing.T) {
	sdp := "v=0\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 0 111\n" +
		"a=rtpmap:0 PCMU/8000\n" +
		"a=rtpmap:111 opus/48000/2\n" +
		"a=fmtp:111 minptime=10\n"
	got := optimizeAudioDescription(sdp)
	if strings.Contains(got, "\r\n") {
		t.Error("separator changed from \\n to \\r\\n")
	}
	if !strings.Contains(got, "m=audio 9 UDP/TLS/RTP/SAVPF 111 0\n") {
		t.Errorf("opus not promoted:\n%s", got)
	}
}

func TestApplyVideoBandwidth(t *testing.T) {
	got := applyVideoBandwidth(sampleOffer, 2500000)
	if !strings.Contains(got, "m=video 9 UDP/TLS/RTP/SAVPF 96 97\r\nb=AS:2500\r\n") {
		t.Errorf("bandwidth line not inserted after video m-line:\n%s", got)
	}
	if got := applyVideoBandwidth(sampleOffer, 0); got != sampleOffer {
		t.Error("zero bitrate modified the description")
	}
}
