// Package protocol holds the chat data model and the event frames exchanged
// over the realtime connection.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gosuda/portal-chat/identity"
)

// Outbound events.
const (
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
)

// Inbound events.
const (
	EventReceiveMessage = "receive_message"
	EventUserTyping     = "user_typing"
	EventError          = "error"
)

// EventConnect is dispatched locally by a connection handle every time its
// socket is (re)established. It never travels on the wire.
const EventConnect = "connect"

// Frame is the envelope of every websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload as the frame data.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return nil
}

// TypingPayload is sent with EventTyping.
type TypingPayload struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// UserTyping is received with EventUserTyping.
type UserTyping struct {
	Username string       `json:"username"`
	IsTyping bool         `json:"isTyping"`
	ChatID   identity.Ref `json:"chatId"`
}

// ErrorPayload is received with EventError.
type ErrorPayload struct {
	Message string `json:"message"`
}
