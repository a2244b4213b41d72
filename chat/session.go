// Package chat keeps the message buffer of the open conversation consistent
// with history and the live event stream, and drives the outbound side:
// composing, typing signals, uploads and deletes.
//
// All state is owned by one goroutine. Public methods hand it closures and
// wait for them; callbacks from the link, timers and background fetches are
// queued the same way, so they never race each other.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

const (
	DefaultTypingDelay    = 2 * time.Second
	DefaultMaxUploadBytes = 5 * 1024 * 1024
	DefaultHistoryTimeout = 15 * time.Second
)

// Config wires a Session to its collaborators. Nil collaborators make the
// corresponding operations fail with ErrRemoteRejected.
type Config struct {
	User           protocol.User
	TypingDelay    time.Duration
	MaxUploadBytes int64
	HistoryTimeout time.Duration

	History HistoryFetcher
	Deleter MessageDeleter
	Assets  AssetUploader

	// Observer receives a snapshot after every visible change. It runs on
	// the session goroutine and must not call back into the session.
	Observer func(Snapshot)
}

func (c Config) withDefaults() Config {
	if c.TypingDelay <= 0 {
		c.TypingDelay = DefaultTypingDelay
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = DefaultHistoryTimeout
	}
	return c
}

// Snapshot is a copy of what a view needs to render the open conversation.
type Snapshot struct {
	Conversation *protocol.Conversation
	Messages     []protocol.Message
	TypingLabel  string
	Seeding      bool
	Uploading    bool
	Connected    bool
	Err          error
}

// Session is one signed-in user's view of the chat.
type Session struct {
	cfg      Config
	commands chan func(*Session)
	closing  chan struct{}
	done     chan struct{}
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	afterFunc func(time.Duration, func()) (stop func() bool)
	newID     func() string
	now       func() time.Time

	// Owned by the loop goroutine.
	link        Link
	bound       *binding
	unsubscribe func()

	active   *protocol.Conversation
	seedSeq  uint64
	seeding  bool
	pending  []protocol.Message
	messages []protocol.Message
	seen     map[identity.Key]struct{}
	// deleted holds ids removed by Delete since the conversation was opened;
	// a history response fetched before the delete must not restore them.
	deleted map[identity.Key]struct{}

	typingLabel string
	typingStop  func() bool
	typingSeq   uint64
	typingChat  identity.Key

	uploading int
	lastErr   error
}

func NewSession(cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg.withDefaults(),
		commands: make(chan func(*Session), 64),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		afterFunc: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
		newID: uuid.NewString,
		now:   time.Now,
		seen:    make(map[identity.Key]struct{}),
		deleted: make(map[identity.Key]struct{}),
	}
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.closing:
			s.shutdown()
			return
		case fn := <-s.commands:
			fn(s)
		}
	}
}

func (s *Session) enqueue(fn func(*Session)) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.commands <- fn:
		return true
	case <-s.closing:
		return false
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Session) do(fn func(*Session)) error {
	finished := make(chan struct{})
	if !s.enqueue(func(s *Session) {
		defer close(finished)
		fn(s)
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Close stops the session, detaches from its link and waits for background
// work to finish.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.closing)
	})
	<-s.done
	s.wg.Wait()
}

func (s *Session) shutdown() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.detach()
	s.disarmTyping(false)
	log.Debug().Msg("[chat] session closed")
}

// Attach follows the links published by src. Each replacement drops the
// handlers of the previous link; events still arriving from it are ignored.
func (s *Session) Attach(src LinkSource) error {
	cancel := src.Subscribe(func(l Link) {
		if l == nil {
			s.enqueue(func(s *Session) { s.setLink(nil) })
			return
		}
		// Handlers go on before the source starts the link, so its first
		// events are queued behind the switch to it instead of dropped.
		b := s.bind(l)
		if !s.enqueue(func(s *Session) { s.setLink(b) }) {
			b.off()
		}
	})
	err := s.do(func(s *Session) {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.unsubscribe = cancel
	})
	if err != nil {
		cancel()
	}
	return err
}

// binding is the session's set of handlers on one link. Its fields other
// than link and offs are owned by the loop goroutine.
type binding struct {
	link     Link
	offs     []func()
	connects int
	released bool
}

func (b *binding) off() {
	for _, off := range b.offs {
		off()
	}
	b.offs = nil
}

// bind registers the session's handlers on l. It runs on the caller's
// goroutine; the handlers only queue work for the loop.
func (s *Session) bind(l Link) *binding {
	b := &binding{link: l}
	b.offs = append(b.offs,
		l.On(protocol.EventReceiveMessage, func(data json.RawMessage) {
			var m protocol.Message
			if err := json.Unmarshal(data, &m); err != nil {
				log.Debug().Err(err).Msg("[chat] malformed message event")
				return
			}
			s.enqueue(func(s *Session) {
				if b.released {
					return
				}
				s.accept(m)
			})
		}),
		l.On(protocol.EventUserTyping, func(data json.RawMessage) {
			var sig protocol.UserTyping
			if err := json.Unmarshal(data, &sig); err != nil {
				log.Debug().Err(err).Msg("[chat] malformed typing event")
				return
			}
			s.enqueue(func(s *Session) {
				if b.released {
					return
				}
				s.onUserTyping(sig)
			})
		}),
		l.On(protocol.EventError, func(data json.RawMessage) {
			var p protocol.ErrorPayload
			_ = json.Unmarshal(data, &p)
			log.Warn().Str("message", p.Message).Msg("[chat] server reported an error")
		}),
		l.On(protocol.EventConnect, func(json.RawMessage) {
			s.enqueue(func(s *Session) { s.onConnect(b) })
		}),
	)
	return b
}

func (s *Session) detach() {
	if s.bound != nil {
		s.bound.released = true
		s.bound.off()
		s.bound = nil
	}
	s.link = nil
}

func (s *Session) setLink(b *binding) {
	s.detach()
	// A pending typing stop belongs to the old link's server session.
	s.disarmTyping(false)
	if b == nil {
		log.Info().Msg("[chat] link released")
		s.publish()
		return
	}
	s.bound = b
	s.link = b.link
	// The link may already be up; joining twice is harmless.
	s.joinActive()
	if b.connects > 1 && s.active != nil {
		s.seed()
	}
	s.publish()
}

// onConnect counts the connections of b. Only a second or later connection
// of the same link reloads history; the first one just joins.
func (s *Session) onConnect(b *binding) {
	if b.released {
		return
	}
	b.connects++
	if s.bound != b {
		// setLink joins once it adopts b.
		return
	}
	s.joinActive()
	if b.connects > 1 && s.active != nil {
		log.Info().Str("conversation", s.active.ID.String()).Msg("[chat] reconnected; reloading history")
		s.seed()
	}
	s.publish()
}

func (s *Session) emit(event string, payload any) error {
	if s.link == nil {
		return ErrNotConnected
	}
	if err := s.link.Emit(event, payload); err != nil {
		return wrapTransport(err)
	}
	return nil
}

// Snapshot returns the current view state.
func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.do(func(s *Session) { snap = s.snapshot() }); err != nil {
		snap.Err = err
	}
	return snap
}

// Messages returns a copy of the open conversation's buffer.
func (s *Session) Messages() []protocol.Message {
	return s.Snapshot().Messages
}

// TypingLabel is the remote typing indicator for the open conversation.
func (s *Session) TypingLabel() string {
	return s.Snapshot().TypingLabel
}

// User is the signed-in user the session acts for.
func (s *Session) User() protocol.User {
	return s.cfg.User
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Messages:    append([]protocol.Message(nil), s.messages...),
		TypingLabel: s.typingLabel,
		Seeding:     s.seeding,
		Uploading:   s.uploading > 0,
		Connected:   s.link != nil && s.link.Connected(),
		Err:         s.lastErr,
	}
	if s.active != nil {
		c := *s.active
		snap.Conversation = &c
	}
	return snap
}

func (s *Session) publish() {
	if s.cfg.Observer != nil {
		s.cfg.Observer(s.snapshot())
	}
}
