package signaling

import (
	"encoding/json"
	"time"
)

// Message is the wire envelope for every control-plane exchange.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
	StationID string          `json:"stationId,omitempty"`
}

// Inbound message types. Anything else is logged and dropped. chat_message
// and ice_candidate travel in both directions.
const (
	TypeListenerCount = "listener_count"
	TypeChatMessage   = "chat_message"
	TypeStreamStatus  = "stream_status"
	TypeUserJoined    = "user_joined"
	TypeUserLeft      = "user_left"
	TypeAnswer        = "answer"
)

// Outbound message types.
const (
	TypeGoLive           = "go_live"
	TypeStopStream       = "stop_stream"
	TypeStreamMetadata   = "stream_metadata"
	TypeGetListenerStats = "get_listener_stats"
	TypeDJStatus         = "dj_status"
	TypeHeartbeat        = "heartbeat"
	TypeOffer            = "offer"
	TypeICECandidate     = "ice_candidate"
)

// Lifecycle events emitted by the channel itself, on top of the inbound
// message types above.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventError           = "error"
	EventReconnectFailed = "reconnectFailed"
)

// ListenerStats is the decoded payload of a listener_count message.
type ListenerStats struct {
	Listeners int            `json:"listeners"`
	Peak      int            `json:"peak"`
	Mounts    map[string]int `json:"mounts,omitempty"`
}

// DecodeListenerStats decodes the payload of a listener_count message.
func (m *Message) DecodeListenerStats() (*ListenerStats, error) {
	var stats ListenerStats
	if err := json.Unmarshal(m.Payload, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func newMessage(msgType string, payload interface{}, stationID string) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Message{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		StationID: stationID,
	}, nil
}
