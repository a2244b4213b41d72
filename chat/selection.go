package chat

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

// Select makes conv the open conversation, or closes the current one when
// conv is nil. The buffer, the typing label and any pending local typing
// stop of the previous conversation are discarded before the new history
// load starts.
func (s *Session) Select(conv *protocol.Conversation) error {
	var next *protocol.Conversation
	if conv != nil {
		if conv.ID.IsNone() {
			return ErrNoConversation
		}
		if !conv.Kind.Valid() {
			return ErrNoConversation
		}
		c := *conv
		next = &c
	}
	return s.do(func(s *Session) { s.selectConversation(next) })
}

// Active returns the open conversation, or nil.
func (s *Session) Active() *protocol.Conversation {
	return s.Snapshot().Conversation
}

func (s *Session) selectConversation(next *protocol.Conversation) {
	prev := s.active
	if prev != nil && prev.Kind == protocol.KindRoom && s.link != nil {
		if err := s.emit(protocol.EventLeaveRoom, prev.ID.String()); err != nil {
			log.Debug().Err(err).Str("room", prev.ID.String()).Msg("[chat] leave room")
		}
	}
	s.disarmTyping(true)
	s.typingLabel = ""
	s.active = next
	s.resetBuffer()
	s.deleted = make(map[identity.Key]struct{})
	s.seedSeq++
	s.seeding = false
	s.lastErr = nil

	if next == nil {
		s.publish()
		return
	}
	log.Debug().Str("conversation", next.ID.String()).Str("kind", string(next.Kind)).Msg("[chat] conversation selected")
	s.seed()
	s.joinActive()
	s.publish()
}

func (s *Session) resetBuffer() {
	s.messages = nil
	s.pending = nil
	s.seen = make(map[identity.Key]struct{})
}

func (s *Session) joinActive() {
	if s.active == nil || s.active.Kind != protocol.KindRoom || s.link == nil {
		return
	}
	if err := s.emit(protocol.EventJoinRoom, s.active.ID.String()); err != nil {
		// Retried on the next connect event.
		log.Debug().Err(err).Str("room", s.active.ID.String()).Msg("[chat] join room deferred")
	}
}

// seed loads the history of the active conversation in the background. Live
// messages accepted meanwhile are held in pending and merged after it.
func (s *Session) seed() {
	s.seedSeq++
	seq := s.seedSeq
	conv := *s.active
	s.seeding = true
	s.pending = nil

	if s.cfg.History == nil {
		s.finishSeed(seq, conv.ID.Key, nil, nil)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HistoryTimeout)
		defer cancel()
		msgs, err := s.cfg.History.History(ctx, conv.ID.Key, conv.Kind)
		s.enqueue(func(s *Session) { s.finishSeed(seq, conv.ID.Key, msgs, err) })
	}()
}

func (s *Session) finishSeed(seq uint64, id identity.Key, history []protocol.Message, err error) {
	if seq != s.seedSeq || s.active == nil || !identity.Equal(s.active.ID, id) {
		log.Debug().Str("conversation", id.String()).Msg("[chat] discarding stale history")
		return
	}
	s.seeding = false

	base := history
	if err != nil {
		s.lastErr = wrapRemote("load history", err)
		log.Warn().Err(err).Str("conversation", id.String()).Msg("[chat] load history")
		base = s.messages
	}
	pending := s.pending
	s.resetBuffer()
	for _, m := range base {
		if _, gone := s.deleted[m.ID.Key]; gone {
			continue
		}
		s.appendMessage(m)
	}
	for _, m := range pending {
		s.appendMessage(m)
	}
	s.publish()
}
