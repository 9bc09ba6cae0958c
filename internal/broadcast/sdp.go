package broadcast

import (
	"fmt"
	"slices"
	"strings"
)

// opusBroadcastParams is the Opus profile applied to every outgoing offer:
// stereo 128kbps CBR with in-band FEC, full 48kHz playback.
const opusBroadcastParams = "maxaveragebitrate=128000;stereo=1;sprop-stereo=1;cbr=1;useinbandfec=1;maxplaybackrate=48000"

// optimizeAudioDescription rewrites an offer's session description so the
// Opus payload type leads the audio m-line (relative order of the other
// payload types preserved) and its fmtp line carries the broadcast profile.
// The transform is purely textual: every other line is left byte-identical,
// and the same input always produces the same output.
func optimizeAudioDescription(sdp string) string {
	sep := "\r\n"
	if !strings.Contains(sdp, sep) {
		sep = "\n"
	}
	lines := strings.Split(sdp, sep)

	opusPT := findOpusPayloadType(lines)
	if opusPT == "" {
		return sdp
	}

	inAudio := false
	fmtpSeen := false
	for i, line := range lines {
		if strings.HasPrefix(line, "m=") {
			inAudio = strings.HasPrefix(line, "m=audio ")
			if inAudio {
				lines[i] = promotePayloadType(line, opusPT)
			}
			continue
		}
		if !inAudio {
			continue
		}
		if strings.HasPrefix(line, "a=fmtp:"+opusPT+" ") {
			lines[i] = line + ";" + opusBroadcastParams
			fmtpSeen = true
		}
	}

	if !fmtpSeen {
		for i, line := range lines {
			if strings.HasPrefix(line, "a=rtpmap:"+opusPT+" ") {
				lines = slices.Insert(lines, i+1, "a=fmtp:"+opusPT+" "+opusBroadcastParams)
				break
			}
		}
	}

	return strings.Join(lines, sep)
}

// applyVideoBandwidth inserts a b=AS bandwidth line after the video m-line so
// the relay caps outbound video at the configured bitrate.
func applyVideoBandwidth(sdp string, bitrateBps int) string {
	if bitrateBps <= 0 {
		return sdp
	}
	sep := "\r\n"
	if !strings.Contains(sdp, sep) {
		sep = "\n"
	}
	lines := strings.Split(sdp, sep)
	for i, line := range lines {
		if strings.HasPrefix(line, "m=video ") {
			lines = slices.Insert(lines, i+1, fmt.Sprintf("b=AS:%d", bitrateBps/1000))
			break
		}
	}
	return strings.Join(lines, sep)
}

func findOpusPayloadType(lines []string) string {
	for _, line := range lines {
		if !strings.HasPrefix(line, "a=rtpmap:") {
			continue
		}
		rest := strings.TrimPrefix(line, "a=rtpmap:")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(parts[1]), "opus/") {
			return parts[0]
		}
	}
	return ""
}

func promotePayloadType(mLine, pt string) string {
	fields := strings.Fields(mLine)
	if len(fields) <= 3 {
		return mLine
	}
	rest := make([]string, 0, len(fields)-3)
	found := false
	for _, p := range fields[3:] {
		if p == pt {
			found = true
			continue
		}
		rest = append(rest, p)
	}
	if !found {
		return mLine
	}

	out := make([]string, 0, len(fields))
	out = append(out, fields[:3]...)
	out = append(out, pt)
	out = append(out, rest...)
	return strings.Join(out, " ")
}
