// Package credstore persists the signed-in session (token and user) in a
// PebbleDB directory so the client survives restarts.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/protocol"
)

var sessionKey = []byte("session")

var ErrEmptyToken = errors.New("credstore: token is empty")

// Session is the persisted authentication state.
type Session struct {
	Token string        `json:"token"`
	User  protocol.User `json:"user"`
}

func (s Session) SignedIn() bool { return s.Token != "" }

type Store struct {
	db *pebble.DB

	mu       sync.Mutex
	current  Session
	watchers map[uint64]func(Session)
	nextID   uint64
}

// Open opens or creates the store in dir and loads the saved session.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	s := &Store{db: db, watchers: make(map[uint64]func(Session))}

	data, closer, err := db.Get(sessionKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, fmt.Errorf("read session: %w", err)
	default:
		uerr := json.Unmarshal(data, &s.current)
		_ = closer.Close()
		if uerr != nil {
			// A corrupt record is treated as signed out.
			log.Warn().Err(uerr).Msg("[credstore] discarding unreadable session")
			s.current = Session{}
		}
	}
	return s, nil
}

// Load returns the saved session; the zero Session means signed out.
func (s *Store) Load() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Token returns the saved bearer token, or "".
func (s *Store) Token() string {
	return s.Load().Token
}

// Save persists sess and notifies watchers.
func (s *Store) Save(sess Session) error {
	sess.Token = strings.TrimSpace(sess.Token)
	if sess.Token == "" {
		return ErrEmptyToken
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.db.Set(sessionKey, data, pebble.Sync); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	s.update(sess)
	log.Info().Str("user", sess.User.Username).Msg("[credstore] session saved")
	return nil
}

// Clear removes the saved session and notifies watchers.
func (s *Store) Clear() error {
	if err := s.db.Delete(sessionKey, pebble.Sync); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.update(Session{})
	log.Info().Msg("[credstore] session cleared")
	return nil
}

// Watch calls fn with the current session and after every change.
func (s *Store) Watch(fn func(Session)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	current := s.current
	s.mu.Unlock()
	fn(current)
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) update(sess Session) {
	s.mu.Lock()
	s.current = sess
	fns := make([]func(Session), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(sess)
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}
