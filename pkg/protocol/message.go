// Package protocol defines the WebSocket messages exchanged between capture
// clients and the relay server.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → Relay
	TypeFrame MessageType = "frame" // Captured still

	// Relay → all clients
	TypeCaption MessageType = "caption" // Latest caption

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// FrameData carries one captured still.
type FrameData struct {
	// Image is a data:image/jpeg;base64 URI or a snapshot URL.
	Image string `json:"image"`

	// CameraType is "local" or "ip". Optional; inferred from Image when empty.
	CameraType string `json:"camera_type,omitempty"`
}

// CaptionData carries a caption broadcast.
type CaptionData struct {
	Caption string `json:"caption"`
}

// PongData answers a ping.
type PongData struct {
	PingTS int64 `json:"ping_ts"`
	PongTS int64 `json:"pong_ts"`
}
