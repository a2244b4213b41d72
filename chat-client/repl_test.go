package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/chat"
	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

func TestPick(t *testing.T) {
	convs := []protocol.Conversation{
		{ID: identity.NewRef("R1"), Kind: protocol.KindRoom, DisplayName: "general"},
		{ID: identity.NewRef("R2"), Kind: protocol.KindRoom, DisplayName: "general-dev"},
		{ID: identity.NewRef("U1"), Kind: protocol.KindDirect, DisplayName: "bob"},
	}

	got, err := pick(convs, "General")
	require.NoError(t, err)
	assert.Equal(t, identity.Key("R1"), got.ID.Key)

	got, err = pick(convs, "dev")
	require.NoError(t, err)
	assert.Equal(t, identity.Key("R2"), got.ID.Key)

	got, err = pick(convs, " bo ")
	require.NoError(t, err)
	assert.Equal(t, protocol.KindDirect, got.Kind)

	_, err = pick(convs, "gen")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = pick(convs, "carol")
	assert.ErrorContains(t, err, "no room or user")

	_, err = pick(convs, "")
	assert.Error(t, err)
}

func TestTranscript(t *testing.T) {
	me := protocol.User{ID: identity.NewRef("U1"), Username: "alice"}
	room := &protocol.Conversation{ID: identity.NewRef("R1"), Kind: protocol.KindRoom, DisplayName: "general"}
	m1 := protocol.Message{
		ID:       identity.NewRef("m1"),
		Content:  "see go.dev",
		Payload:  protocol.PayloadText,
		SenderID: identity.Ref{Key: "U2", Label: "bob"},
		RoomID:   identity.NewRef("R1"),
	}
	m2 := protocol.Message{
		ID:       identity.NewRef("m2"),
		Content:  "hi",
		Payload:  protocol.PayloadText,
		SenderID: identity.Ref{Key: "U1", Label: "alice"},
		RoomID:   identity.NewRef("R1"),
	}
	tr := newTranscript(me, 40)

	lines := tr.update(chat.Snapshot{Conversation: room, Seeding: true, Connected: true})
	assert.Equal(t, []string{"-- connected --", "== general (room) =="}, lines)

	lines = tr.update(chat.Snapshot{Conversation: room, Connected: true, Messages: []protocol.Message{m1}})
	require.Len(t, lines, 2)
	assert.Equal(t, "bob: see go.dev  ...", lines[0])
	assert.Equal(t, "    -> https://go.dev", lines[1])

	lines = tr.update(chat.Snapshot{Conversation: room, Connected: true, Messages: []protocol.Message{m1, m2}, TypingLabel: "bob is typing..."})
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "(m2) hi  ..."))
	assert.Len(t, []rune(lines[0]), 40)
	assert.Equal(t, "   bob is typing...", lines[1])

	lines = tr.update(chat.Snapshot{Conversation: room, Connected: true, Messages: []protocol.Message{m1}})
	assert.Equal(t, []string{"   (message m2 deleted)"}, lines)

	failure := errors.New("history unavailable")
	lines = tr.update(chat.Snapshot{Conversation: room, Messages: []protocol.Message{m1}, Err: failure})
	assert.Equal(t, []string{"-- disconnected --", "! history unavailable"}, lines)
	assert.Empty(t, tr.update(chat.Snapshot{Conversation: room, Messages: []protocol.Message{m1}, Err: failure}))

	dm := &protocol.Conversation{ID: identity.NewRef("U2"), Kind: protocol.KindDirect, DisplayName: "bob"}
	lines = tr.update(chat.Snapshot{Conversation: dm, Seeding: true})
	assert.Equal(t, []string{"== bob (private) =="}, lines)
}
