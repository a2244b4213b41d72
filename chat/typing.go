package chat

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

// Edit reports a change to the draft. A non-blank draft signals typing and
// re-arms the stop timer; a blank draft stops typing at once.
func (s *Session) Edit(draft string) error {
	return s.do(func(s *Session) { s.edit(draft) })
}

func (s *Session) edit(draft string) {
	if s.active == nil {
		return
	}
	if strings.TrimSpace(draft) == "" {
		s.disarmTyping(true)
		return
	}
	chat := s.active.ID.Key
	s.emitTyping(chat, true)
	if s.typingStop != nil {
		s.typingStop()
	}
	s.typingSeq++
	seq := s.typingSeq
	s.typingChat = chat
	s.typingStop = s.afterFunc(s.cfg.TypingDelay, func() {
		s.enqueue(func(s *Session) { s.typingExpired(seq) })
	})
}

func (s *Session) typingExpired(seq uint64) {
	if seq != s.typingSeq || s.typingStop == nil {
		return
	}
	chat := s.typingChat
	s.typingStop = nil
	s.typingChat = identity.None
	s.emitTyping(chat, false)
}

// disarmTyping cancels a pending stop. With notify set the stop is sent now
// for the conversation the timer was armed for.
func (s *Session) disarmTyping(notify bool) {
	if s.typingStop == nil {
		return
	}
	s.typingStop()
	s.typingStop = nil
	s.typingSeq++
	chat := s.typingChat
	s.typingChat = identity.None
	if notify {
		s.emitTyping(chat, false)
	}
}

func (s *Session) emitTyping(chat identity.Key, typing bool) {
	if chat.IsNone() || s.link == nil {
		return
	}
	err := s.emit(protocol.EventTyping, protocol.TypingPayload{ChatID: chat.String(), IsTyping: typing})
	if err != nil {
		log.Debug().Err(err).Bool("typing", typing).Msg("[chat] typing signal")
	}
}

func (s *Session) onUserTyping(sig protocol.UserTyping) {
	if s.active == nil || !identity.Equal(sig.ChatID, s.active.ID) {
		return
	}
	label := ""
	if sig.IsTyping {
		label = fmt.Sprintf("%s is typing...", sig.Username)
	}
	if label == s.typingLabel {
		return
	}
	s.typingLabel = label
	s.publish()
}
