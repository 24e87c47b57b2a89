package models

import "encoding/json"

// BroadcastTarget addresses every subscriber of a room.
const BroadcastTarget = "all"

// Envelope is an inbound peer-to-peer signaling message. To is optional;
// empty or BroadcastTarget means the whole room.
type Envelope struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsBroadcast reports whether the envelope targets the whole room.
func (e Envelope) IsBroadcast() bool {
	return e.To == "" || e.To == BroadcastTarget
}

// Frame is an outbound realtime message.
type Frame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Data   any    `json:"data,omitempty"`
}
