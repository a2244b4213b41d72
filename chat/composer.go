package chat

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

// Compose builds the outbound envelope for raw content addressed to conv.
// Content is sent as typed; only its emptiness is checked after trimming.
func Compose(raw string, payload protocol.PayloadType, conv *protocol.Conversation, me protocol.User, now time.Time, clientID string) (protocol.Envelope, error) {
	if conv == nil || conv.ID.IsNone() {
		return protocol.Envelope{}, ErrNoConversation
	}
	if me.ID.IsNone() {
		return protocol.Envelope{}, ErrNoUser
	}
	if strings.TrimSpace(raw) == "" {
		return protocol.Envelope{}, ErrEmptyMessage
	}
	if payload == "" {
		payload = protocol.PayloadText
	}
	return protocol.Envelope{
		ClientMessageID: clientID,
		Content:         raw,
		MessageType:     payload,
		SenderID:        me.ID.String(),
		RoomID:          conv.ID.String(),
		Type:            conv.Kind,
		TypeContext:     conv.Kind,
		Timestamp:       now.UTC(),
	}, nil
}

// Send posts text to the open conversation. The message is not added to the
// buffer; it arrives back through the live stream.
func (s *Session) Send(raw string) (protocol.Envelope, error) {
	var (
		env protocol.Envelope
		err error
	)
	if doErr := s.do(func(s *Session) {
		env, err = s.send(s.active, raw, protocol.PayloadText)
	}); doErr != nil {
		return protocol.Envelope{}, doErr
	}
	return env, err
}

func (s *Session) send(conv *protocol.Conversation, raw string, payload protocol.PayloadType) (protocol.Envelope, error) {
	env, err := Compose(raw, payload, conv, s.cfg.User, s.now(), s.newID())
	if err != nil {
		return protocol.Envelope{}, err
	}
	if err := s.emit(protocol.EventSendMessage, env); err != nil {
		log.Warn().Err(err).Str("conversation", conv.ID.String()).Msg("[chat] send message")
		return protocol.Envelope{}, err
	}
	log.Debug().Str("client_message_id", env.ClientMessageID).Str("conversation", conv.ID.String()).Msg("[chat] message sent")

	if identity.Equal(s.typingChat, conv.ID) {
		s.disarmTyping(false)
	}
	s.emitTyping(conv.ID.Key, false)
	return env, nil
}
