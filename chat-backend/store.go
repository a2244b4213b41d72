package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	errNotFound     = errors.New("not found")
	errEmailTaken   = errors.New("email already registered")
	errBadLogin     = errors.New("invalid credentials")
	errNotMember    = errors.New("not a member of this room")
	errNotOwner     = errors.New("message belongs to another user")
	errInvalidInput = errors.New("invalid input")
)

type userRecord struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type roomRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Members   []string  `json:"members"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func (r roomRecord) hasMember(uid string) bool {
	for _, m := range r.Members {
		if m == uid {
			return true
		}
	}
	return false
}

type messageRecord struct {
	ID              string    `json:"id"`
	Conversation    string    `json:"conversation"`
	Content         string    `json:"content"`
	MessageType     string    `json:"message_type"`
	Context         string    `json:"context"`
	SenderID        string    `json:"sender_id"`
	RoomID          string    `json:"room_id,omitempty"`
	ReceiverID      string    `json:"receiver_id,omitempty"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// store keeps users, sessions, rooms and messages in PebbleDB. Messages live
// under their conversation prefix with 8-byte big-endian sequence numbers so
// a prefix scan returns them in arrival order.
type store struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

var seqKey = []byte("meta/seq")

func openStore(dir string) (*store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	s := &store{db: db}
	v, closer, err := db.Get(seqKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, fmt.Errorf("read sequence: %w", err)
	default:
		if len(v) == 8 {
			s.next = binary.BigEndian.Uint64(v)
		}
		_ = closer.Close()
	}
	return s, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) getJSON(key []byte, v any) error {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return errNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

func (s *store) scan(prefix []byte, fn func(key, value []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return nil
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func userKey(id string) []byte     { return []byte("user/" + id) }
func emailKey(email string) []byte { return []byte("email/" + strings.ToLower(email)) }
func tokenKey(token string) []byte { return []byte("token/" + token) }
func roomKey(id string) []byte     { return []byte("room/" + id) }
func msgIndexKey(id string) []byte { return []byte("msgid/" + id) }
func convPrefix(conv string) []byte {
	return []byte("conv/" + conv + "/")
}

func roomConversation(roomID string) string { return "room:" + roomID }

func directConversation(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

func (s *store) register(username, email, password string) (userRecord, error) {
	username, email = strings.TrimSpace(username), strings.TrimSpace(email)
	if username == "" || email == "" || len(password) < 6 {
		return userRecord{}, fmt.Errorf("%w: username, email and a password of at least 6 characters are required", errInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return userRecord{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var existing string
	if err := s.getJSON(emailKey(email), &existing); err == nil {
		return userRecord{}, errEmailTaken
	} else if !errors.Is(err, errNotFound) {
		return userRecord{}, err
	}
	u := userRecord{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, userKey(u.ID), u); err != nil {
		return userRecord{}, err
	}
	if err := setJSON(b, emailKey(email), u.ID); err != nil {
		return userRecord{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return userRecord{}, fmt.Errorf("commit user: %w", err)
	}
	return u, nil
}

func (s *store) login(email, password string) (userRecord, error) {
	var id string
	if err := s.getJSON(emailKey(strings.TrimSpace(email)), &id); err != nil {
		if errors.Is(err, errNotFound) {
			return userRecord{}, errBadLogin
		}
		return userRecord{}, err
	}
	u, err := s.user(id)
	if err != nil {
		return userRecord{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return userRecord{}, errBadLogin
	}
	return u, nil
}

func (s *store) issueToken(uid string) (string, error) {
	token := uuid.NewString()
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, tokenKey(token), uid); err != nil {
		return "", err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return "", fmt.Errorf("commit token: %w", err)
	}
	return token, nil
}

func (s *store) userForToken(token string) (userRecord, error) {
	var uid string
	if err := s.getJSON(tokenKey(token), &uid); err != nil {
		return userRecord{}, err
	}
	return s.user(uid)
}

func (s *store) user(id string) (userRecord, error) {
	var u userRecord
	if err := s.getJSON(userKey(id), &u); err != nil {
		return userRecord{}, err
	}
	return u, nil
}

func (s *store) users() ([]userRecord, error) {
	var out []userRecord
	err := s.scan([]byte("user/"), func(_, v []byte) error {
		var u userRecord
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		out = append(out, u)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, err
}

func (s *store) createRoom(name, kind, creator string, members []string) (roomRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return roomRecord{}, fmt.Errorf("%w: room name is required", errInvalidInput)
	}
	if kind == "" {
		kind = "group"
	}
	seen := map[string]bool{creator: true}
	all := []string{creator}
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		if _, err := s.user(m); err != nil {
			return roomRecord{}, fmt.Errorf("%w: unknown member %q", errInvalidInput, m)
		}
		seen[m] = true
		all = append(all, m)
	}
	r := roomRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      kind,
		Members:   all,
		CreatedBy: creator,
		CreatedAt: time.Now().UTC(),
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, roomKey(r.ID), r); err != nil {
		return roomRecord{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return roomRecord{}, fmt.Errorf("commit room: %w", err)
	}
	return r, nil
}

func (s *store) room(id string) (roomRecord, error) {
	var r roomRecord
	if err := s.getJSON(roomKey(id), &r); err != nil {
		return roomRecord{}, err
	}
	return r, nil
}

func (s *store) roomsFor(uid string) ([]roomRecord, error) {
	var out []roomRecord
	err := s.scan([]byte("room/"), func(_, v []byte) error {
		var r roomRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		if r.hasMember(uid) {
			out = append(out, r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *store) appendMessage(m messageRecord) (messageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = uuid.NewString()
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, s.next)

	key := append(convPrefix(m.Conversation), seq...)
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, key, m); err != nil {
		return messageRecord{}, err
	}
	if err := b.Set(msgIndexKey(m.ID), key, nil); err != nil {
		return messageRecord{}, err
	}
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, s.next+1)
	if err := b.Set(seqKey, next, nil); err != nil {
		return messageRecord{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return messageRecord{}, fmt.Errorf("commit message: %w", err)
	}
	s.next++
	return m, nil
}

func (s *store) history(conv string) ([]messageRecord, error) {
	out := make([]messageRecord, 0, 64)
	err := s.scan(convPrefix(conv), func(_, v []byte) error {
		var m messageRecord
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *store) deleteMessage(id, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, closer, err := s.db.Get(msgIndexKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return errNotFound
	}
	if err != nil {
		return err
	}
	key = bytes.Clone(key)
	_ = closer.Close()

	var m messageRecord
	if err := s.getJSON(key, &m); err != nil {
		return err
	}
	if m.SenderID != uid {
		return errNotOwner
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	if err := b.Delete(msgIndexKey(id), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}
