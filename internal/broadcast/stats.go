package broadcast

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// startStatsLoop begins periodic transport stats collection for pc. The loop
// is bound to a specific transport handle so a poll started for an old
// handle never writes into a newer session's snapshot.
func (s *Session) startStatsLoop(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	if s.statsStop != nil || s.pc != pc {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.statsStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.collectTransportStats(pc)
			case <-stop:
				return
			}
		}
	}()
}

func (s *Session) stopStatsLoop() {
	s.mu.Lock()
	if s.statsStop != nil {
		close(s.statsStop)
		s.statsStop = nil
	}
	s.lastBytesSent = 0
	s.mu.Unlock()
}

// collectTransportStats reads outbound byte counters and the succeeded
// candidate pair's available bitrate from the transport's stats report,
// then merges them into the snapshot.
func (s *Session) collectTransportStats(pc *webrtc.PeerConnection) {
	report := pc.GetStats()

	var bytesSent uint64
	var bandwidthKbps int
	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.OutboundRTPStreamStats:
			bytesSent += st.BytesSent
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && st.AvailableOutgoingBitrate > 0 {
				bandwidthKbps = int(st.AvailableOutgoingBitrate / 1000)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc != pc {
		return
	}
	if ms := s.cfg.StatsInterval.Milliseconds(); ms > 0 && s.lastBytesSent > 0 && bytesSent >= s.lastBytesSent {
		// Delta bytes over the poll interval, reported in kbps.
		s.stats.Bitrate = int((bytesSent - s.lastBytesSent) * 8 / uint64(ms))
	}
	s.lastBytesSent = bytesSent
	if bandwidthKbps > 0 {
		s.stats.Bandwidth = bandwidthKbps
	}
	if s.isStreaming {
		s.stats.Duration = time.Since(s.startedAt).Seconds()
	}
}
