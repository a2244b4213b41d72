package protocol

import (
	"strings"

	"github.com/gosuda/portal-chat/identity"
)

// Kind is the context a message or conversation belongs to.
type Kind string

const (
	KindRoom   Kind = "room"
	KindDirect Kind = "private"
)

// RoomTypeGroup is the room type the directory creates rooms with.
const RoomTypeGroup = "group"

func (k Kind) Valid() bool { return k == KindRoom || k == KindDirect }

// User is a directory entry for a person.
type User struct {
	ID       identity.Ref `json:"_id"`
	Username string       `json:"username"`
	Email    string       `json:"email,omitempty"`
}

func (u User) IdentityKey() identity.Key { return u.ID.Key }

// Room is a directory entry for a multi-member conversation.
type Room struct {
	ID      identity.Ref   `json:"_id"`
	Name    string         `json:"name"`
	Type    string         `json:"type,omitempty"`
	Members []identity.Ref `json:"members,omitempty"`
}

func (r Room) IdentityKey() identity.Key { return r.ID.Key }

// Conversation is something the user can open: a room or a direct exchange
// with another user.
type Conversation struct {
	ID          identity.Ref
	Kind        Kind
	DisplayName string
	MemberIDs   []identity.Ref
}

func (c Conversation) IdentityKey() identity.Key { return c.ID.Key }

// RoomConversation opens a directory room.
func RoomConversation(r Room) Conversation {
	return Conversation{
		ID:          r.ID,
		Kind:        KindRoom,
		DisplayName: r.Name,
		MemberIDs:   append([]identity.Ref(nil), r.Members...),
	}
}

// DirectConversation opens a direct exchange with u.
func DirectConversation(u User) Conversation {
	return Conversation{
		ID:          u.ID,
		Kind:        KindDirect,
		DisplayName: u.Username,
	}
}

// FilterConversations keeps the conversations whose display name contains
// query, ignoring case.
func FilterConversations(list []Conversation, query string) []Conversation {
	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]Conversation, 0, len(list))
	for _, c := range list {
		if c.ID.IsNone() {
			continue
		}
		if strings.Contains(strings.ToLower(c.DisplayName), query) {
			out = append(out, c)
		}
	}
	return out
}
