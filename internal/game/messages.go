package game

import (
	"encoding/json"
	"fmt"
)

// MessageType is the discriminator for push transport frames.
type MessageType string

const (
	MessageTypeConnected  MessageType = "connected"
	MessageTypeGameUpdate MessageType = "game_update"
	MessageTypeError      MessageType = "error"
	MessageTypePong       MessageType = "pong"
)

// HeartbeatLiteral is the bare outbound heartbeat frame sent while connected.
const HeartbeatLiteral = "ping"

// ServerMessage is the envelope for all JSON text frames received on the
// push channel. `connected` and `game_update` carry a full Snapshot;
// `error` carries a human-readable message; `pong` carries nothing.
type ServerMessage struct {
	Type    MessageType `json:"type"`
	Game    *Snapshot   `json:"game,omitempty"`
	Message string      `json:"message,omitempty"`
}

// DecodeServerMessage parses a raw text frame into a ServerMessage.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode server message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("server message missing type discriminator")
	}
	return &msg, nil
}

// CarriesSnapshot reports whether this message type delivers a full
// Snapshot through the reconciliation path.
func (t MessageType) CarriesSnapshot() bool {
	return t == MessageTypeConnected || t == MessageTypeGameUpdate
}
