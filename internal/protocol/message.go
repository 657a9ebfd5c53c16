// Package protocol defines the WebSocket messages of the live level stream.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Server → client messages
	TypeLevel MessageType = "level" // One published reading
	TypeStats MessageType = "stats" // Loop statistics
	TypeError MessageType = "error" // Rejected client command

	// Client → server messages
	TypeGetStats  MessageType = "get_stats"
	TypeGetLatest MessageType = "get_latest"

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
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
func (m *Message) ParseData(v any) error {
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

// LevelData is one reading as streamed to clients
type LevelData struct {
	Seq        int64   `json:"seq"`
	DB         int     `json:"db"`
	RMS        float64 `json:"rms"`
	Degenerate bool    `json:"degenerate,omitempty"`
	Peak       *int    `json:"peak,omitempty"` // nil until the first valid reading
	Time       int64   `json:"time"`           // Unix milliseconds of the reading
}

// NewLevelMessage creates a level message
func NewLevelMessage(data LevelData) (*Message, error) {
	return NewMessage(TypeLevel, data)
}

// GetLevelData extracts level data from a message
func (m *Message) GetLevelData() (*LevelData, error) {
	if m.Type != TypeLevel {
		return nil, fmt.Errorf("expected %s message, got %s", TypeLevel, m.Type)
	}
	var data LevelData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ErrorData describes a rejected command
type ErrorData struct {
	Message string `json:"message"`
}

// NewErrorMessage creates an error message
func NewErrorMessage(format string, args ...any) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Message: fmt.Sprintf(format, args...)})
}

// NewPongMessage answers a ping, echoing its payload
func NewPongMessage(ping *Message) *Message {
	return &Message{
		Type:      TypePong,
		Timestamp: time.Now().UnixMilli(),
		Data:      ping.Data,
	}
}
