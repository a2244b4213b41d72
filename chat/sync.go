package chat

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

// Matches reports whether m belongs to conv. Room messages match on their
// room target; direct messages match when conv's participant is the sender
// or the receiver and the message carries no room target.
func Matches(conv protocol.Conversation, m protocol.Message) bool {
	switch conv.Kind {
	case protocol.KindRoom:
		return identity.Equal(m.RoomID, conv.ID)
	case protocol.KindDirect:
		if !m.RoomID.IsNone() {
			return false
		}
		return identity.Equal(m.SenderID, conv.ID) || identity.Equal(m.ReceiverID, conv.ID)
	}
	return false
}

// IsOwn reports whether user sent m.
func IsOwn(m protocol.Message, user any) bool {
	return identity.Equal(m.SenderID, user)
}

// IsOwn reports whether the signed-in user sent m.
func (s *Session) IsOwn(m protocol.Message) bool {
	return IsOwn(m, s.cfg.User)
}

// Accept offers a live message to the open conversation. It reports whether
// the message was taken.
func (s *Session) Accept(m protocol.Message) bool {
	var ok bool
	_ = s.do(func(s *Session) { ok = s.accept(m) })
	return ok
}

func (s *Session) accept(m protocol.Message) bool {
	if s.active == nil || !Matches(*s.active, m) {
		log.Debug().Str("message", m.ID.String()).Msg("[chat] message for another conversation")
		return false
	}
	if s.seeding {
		for _, p := range s.pending {
			if identity.Equal(p.ID, m.ID) {
				return false
			}
		}
		s.pending = append(s.pending, m)
		return true
	}
	if !s.appendMessage(m) {
		return false
	}
	s.publish()
	return true
}

// appendMessage adds m unless a message with the same id is already there.
// Messages without an id are always added.
func (s *Session) appendMessage(m protocol.Message) bool {
	if k := m.ID.Key; !k.IsNone() {
		if _, dup := s.seen[k]; dup {
			return false
		}
		s.seen[k] = struct{}{}
	}
	s.messages = append(s.messages, m)
	return true
}

// Delete removes one of the user's own messages on the backend and then from
// the buffer. Nothing changes locally when the backend refuses.
func (s *Session) Delete(ctx context.Context, id any) error {
	key := identity.Normalize(id)
	if key.IsNone() {
		return ErrNoMessageID
	}
	owned := true
	if err := s.do(func(s *Session) {
		for _, m := range s.messages {
			if identity.Equal(m.ID, key) {
				owned = IsOwn(m, s.cfg.User)
				return
			}
		}
	}); err != nil {
		return err
	}
	if !owned {
		return ErrNotOwner
	}
	if s.cfg.Deleter == nil {
		return wrapRemote("delete message", errUnavailable)
	}
	if err := s.cfg.Deleter.DeleteMessage(ctx, key); err != nil {
		log.Warn().Err(err).Str("message", key.String()).Msg("[chat] delete message")
		return wrapRemote("delete message", err)
	}
	return s.do(func(s *Session) { s.remove(key) })
}

func (s *Session) remove(key identity.Key) {
	kept := s.messages[:0]
	for _, m := range s.messages {
		if !identity.Equal(m.ID, key) {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	pending := s.pending[:0]
	for _, m := range s.pending {
		if !identity.Equal(m.ID, key) {
			pending = append(pending, m)
		}
	}
	s.pending = pending
	delete(s.seen, key)
	s.deleted[key] = struct{}{}
	s.publish()
}
