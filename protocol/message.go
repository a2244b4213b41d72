package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gosuda/portal-chat/identity"
)

// PayloadType tells how message content is rendered.
type PayloadType string

const (
	PayloadText  PayloadType = "text"
	PayloadImage PayloadType = "image"
)

var (
	errRoomTargetMissing   = errors.New("room message without room target")
	errRoomHasReceiver     = errors.New("room message with a receiver")
	errDirectTargetMissing = errors.New("direct message without receiver")
	errDirectHasRoom       = errors.New("direct message with a room target")
	errUnknownContext      = errors.New("message context is neither room nor private")
)

// Message is a chat message as delivered by history and the live stream.
// Messages are immutable once received.
type Message struct {
	ID              identity.Ref
	Content         string
	Payload         PayloadType
	SenderID        identity.Ref
	RoomID          identity.Ref
	ReceiverID      identity.Ref
	Context         Kind
	CreatedAt       time.Time
	ClientMessageID string
}

func (m Message) IdentityKey() identity.Key { return m.ID.Key }

// IsImage reports whether the content is an image URL.
func (m Message) IsImage() bool { return m.Payload == PayloadImage }

// SenderLabel is the display name the sender object carried, if any.
func (m Message) SenderLabel() string { return m.SenderID.Label }

// Validate checks that a room message targets a room and a direct message a receiver.
func (m Message) Validate() error {
	switch m.Context {
	case KindRoom:
		if m.RoomID.IsNone() {
			return errRoomTargetMissing
		}
		if !m.ReceiverID.IsNone() {
			return errRoomHasReceiver
		}
	case KindDirect:
		if m.ReceiverID.IsNone() {
			return errDirectTargetMissing
		}
		if !m.RoomID.IsNone() {
			return errDirectHasRoom
		}
	default:
		return errUnknownContext
	}
	return nil
}

type wireMessage struct {
	ID              identity.Ref `json:"_id"`
	Content         string       `json:"content"`
	Type            string       `json:"type,omitempty"`
	MessageType     string       `json:"messageType,omitempty"`
	TypeContext     string       `json:"typeContext,omitempty"`
	SenderID        identity.Ref `json:"sender_id"`
	RoomID          identity.Ref `json:"room_id"`
	ReceiverID      identity.Ref `json:"receiver_id"`
	CreatedAt       *time.Time   `json:"createdAt,omitempty"`
	Timestamp       *time.Time   `json:"timestamp,omitempty"`
	ClientMessageID string       `json:"client_message_id,omitempty"`
}

// UnmarshalJSON accepts the message shapes the backend produces: the payload
// type may travel in "messageType" or "type", the context in "typeContext"
// or "type", and the time in "createdAt" or "timestamp".
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Message{
		ID:              w.ID,
		Content:         w.Content,
		SenderID:        w.SenderID,
		RoomID:          w.RoomID,
		ReceiverID:      w.ReceiverID,
		ClientMessageID: w.ClientMessageID,
	}

	switch PayloadType(w.MessageType) {
	case PayloadText, PayloadImage:
		m.Payload = PayloadType(w.MessageType)
	}
	switch PayloadType(w.Type) {
	case PayloadText, PayloadImage:
		if m.Payload == "" {
			m.Payload = PayloadType(w.Type)
		}
	}
	if m.Payload == "" {
		m.Payload = PayloadText
	}

	for _, candidate := range []string{w.TypeContext, w.Type} {
		if k := Kind(candidate); k.Valid() {
			m.Context = k
			break
		}
	}
	if m.Context == "" {
		switch {
		case !m.RoomID.IsNone() && m.ReceiverID.IsNone():
			m.Context = KindRoom
		case !m.ReceiverID.IsNone() && m.RoomID.IsNone():
			m.Context = KindDirect
		}
	}

	switch {
	case w.CreatedAt != nil:
		m.CreatedAt = *w.CreatedAt
	case w.Timestamp != nil:
		m.CreatedAt = *w.Timestamp
	}
	return nil
}

// MarshalJSON writes the canonical wire shape.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:              m.ID,
		Content:         m.Content,
		MessageType:     string(m.Payload),
		TypeContext:     string(m.Context),
		SenderID:        m.SenderID,
		RoomID:          m.RoomID,
		ReceiverID:      m.ReceiverID,
		ClientMessageID: m.ClientMessageID,
	}
	if !m.CreatedAt.IsZero() {
		t := m.CreatedAt
		w.CreatedAt = &t
	}
	return json.Marshal(w)
}

// Envelope is the payload of EventSendMessage.
type Envelope struct {
	ClientMessageID string      `json:"client_message_id"`
	Content         string      `json:"content"`
	MessageType     PayloadType `json:"messageType"`
	SenderID        string      `json:"sender_id"`
	// RoomID carries the routing target for both kinds: the room id for
	// rooms, the other participant's id for direct conversations.
	RoomID      string    `json:"room_id"`
	Type        Kind      `json:"type"`
	TypeContext Kind      `json:"typeContext"`
	Timestamp   time.Time `json:"timestamp"`
}
