package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/backend"
	"github.com/gosuda/portal-chat/chat"
	"github.com/gosuda/portal-chat/conn"
	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

const waitFor = 5 * time.Second

type testServer struct {
	srv   *httptest.Server
	store *store
	hub   *hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := openStore(t.TempDir())
	require.NoError(t, err)
	m := newMetrics()
	h := newHub(st, m, 100, 100)
	srv := httptest.NewServer(newRouter(&api{store: st, hub: h, metrics: m, maxBody: 1 << 20}))
	t.Cleanup(func() {
		h.closeAll()
		srv.Close()
		h.wait()
		_ = st.Close()
	})
	return &testServer{srv: srv, store: st, hub: h}
}

func (ts *testServer) socketURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
}

func (ts *testServer) joinedCount(roomID string) int {
	ts.hub.mu.RLock()
	defer ts.hub.mu.RUnlock()
	return len(ts.hub.rooms[roomID])
}

type participant struct {
	creds   backend.Credentials
	client  *backend.Client
	manager *conn.Manager
	session *chat.Session
}

func (ts *testServer) signUp(t *testing.T, name string) *participant {
	t.Helper()
	p := &participant{}
	c, err := backend.New(ts.srv.URL, backend.TokenFunc(func() string { return p.creds.Token }))
	require.NoError(t, err)
	p.client = c
	p.creds, err = c.Register(context.Background(), name, name+"@example.com", "secret-"+name)
	require.NoError(t, err)
	require.NotEmpty(t, p.creds.Token)
	return p
}

func (ts *testServer) connect(t *testing.T, p *participant) {
	t.Helper()
	p.manager = conn.NewManager(conn.Config{URL: ts.socketURL(), ReconnectDelay: 50 * time.Millisecond})
	p.session = chat.NewSession(chat.Config{
		User:        p.creds.User,
		TypingDelay: time.Minute,
		History:     p.client,
		Deleter:     p.client,
	})
	require.NoError(t, p.session.Attach(chat.FromManager(p.manager)))
	p.manager.SetCredential(p.creds.Token)
	t.Cleanup(func() {
		p.session.Close()
		p.manager.Close()
	})
	require.Eventually(t, func() bool { return p.session.Snapshot().Connected }, waitFor, 10*time.Millisecond)
}

func hasContent(msgs []protocol.Message, content string) bool {
	for _, m := range msgs {
		if m.Content == content {
			return true
		}
	}
	return false
}

func TestAuthAndDirectory(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signUp(t, "alice")
	bob := ts.signUp(t, "bob")

	_, err := alice.client.Register(context.Background(), "again", "alice@example.com", "secret-x")
	var se *backend.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)

	_, err = alice.client.Login(context.Background(), "alice@example.com", "wrong-password")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, "Invalid credentials", se.Message)

	creds, err := alice.client.Login(context.Background(), "ALICE@example.com", "secret-alice")
	require.NoError(t, err)
	assert.True(t, identity.Equal(creds.User.ID, alice.creds.User.ID))

	room, err := alice.client.CreateRoom(context.Background(), "general", []identity.Key{bob.creds.User.ID.Key})
	require.NoError(t, err)

	convs, err := alice.client.Directory(context.Background(), alice.creds.User.ID.Key)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, protocol.KindRoom, convs[0].Kind)
	assert.True(t, identity.Equal(convs[0].ID, room.ID))
	assert.Equal(t, protocol.KindDirect, convs[1].Kind)
	assert.Equal(t, "bob", convs[1].DisplayName)

	history, err := bob.client.History(context.Background(), room.ID.Key, protocol.KindRoom)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestHistoryRequiresMembership(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signUp(t, "alice")
	carol := ts.signUp(t, "carol")

	room, err := alice.client.CreateRoom(context.Background(), "private club", nil)
	require.NoError(t, err)

	_, err = carol.client.History(context.Background(), room.ID.Key, protocol.KindRoom)
	var se *backend.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)

	resp, err := http.Get(ts.srv.URL + "/api/chat/users")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoomMessaging(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signUp(t, "alice")
	bob := ts.signUp(t, "bob")
	room, err := alice.client.CreateRoom(context.Background(), "general", []identity.Key{bob.creds.User.ID.Key})
	require.NoError(t, err)
	conv := protocol.RoomConversation(room)

	ts.connect(t, alice)
	ts.connect(t, bob)
	require.NoError(t, alice.session.Select(&conv))
	require.NoError(t, bob.session.Select(&conv))
	require.Eventually(t, func() bool { return ts.joinedCount(room.ID.String()) == 2 }, waitFor, 10*time.Millisecond)

	_, err = alice.session.Send("hello <b>bob</b>")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hasContent(bob.session.Messages(), "hello <b>bob</b>") }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return hasContent(alice.session.Messages(), "hello <b>bob</b>") }, waitFor, 10*time.Millisecond)

	got := bob.session.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].SenderLabel())
	assert.False(t, bob.session.IsOwn(got[0]))
	assert.True(t, alice.session.IsOwn(got[0]))

	history, err := bob.client.History(context.Background(), room.ID.Key, protocol.KindRoom)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, identity.Equal(history[0].ID, got[0].ID))

	err = bob.session.Delete(context.Background(), got[0].ID)
	assert.ErrorIs(t, err, chat.ErrNotOwner)

	require.NoError(t, alice.session.Delete(context.Background(), got[0].ID))
	assert.Empty(t, alice.session.Messages())

	history, err = bob.client.History(context.Background(), room.ID.Key, protocol.KindRoom)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDirectMessagingAndTyping(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signUp(t, "alice")
	bob := ts.signUp(t, "bob")

	ts.connect(t, alice)
	ts.connect(t, bob)
	toBob := protocol.DirectConversation(bob.creds.User)
	toAlice := protocol.DirectConversation(alice.creds.User)
	require.NoError(t, alice.session.Select(&toBob))
	require.NoError(t, bob.session.Select(&toAlice))

	require.NoError(t, alice.session.Edit("hi b"))
	require.Eventually(t, func() bool { return bob.session.TypingLabel() == "alice is typing..." }, waitFor, 10*time.Millisecond)

	_, err := alice.session.Send("hi bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hasContent(bob.session.Messages(), "hi bob") }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return bob.session.TypingLabel() == "" }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return hasContent(alice.session.Messages(), "hi bob") }, waitFor, 10*time.Millisecond)

	history, err := bob.client.History(context.Background(), alice.creds.User.ID.Key, protocol.KindDirect)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, protocol.KindDirect, history[0].Context)
}

func TestRejectsUnknownToken(t *testing.T) {
	ts := newTestServer(t)
	m := conn.NewManager(conn.Config{URL: ts.socketURL(), ReconnectAttempts: 0})
	defer m.Close()
	m.SetCredential("not-a-token")
	require.Eventually(t, func() bool { return m.State() == conn.Degraded }, waitFor, 10*time.Millisecond)
	h := m.Handle()
	require.NotNil(t, h)
	assert.ErrorIs(t, h.Emit(protocol.EventTyping, nil), conn.ErrNotConnected)
}

func TestCleanContent(t *testing.T) {
	assert.Equal(t, "hi\tthere\nbob", cleanContent(" hi\tthere\x00\nbob\x1b "))
	assert.Equal(t, "héllo 👋 안녕", cleanContent("héllo 👋 안녕"))
	assert.Equal(t, "ab", cleanContent("a\xffb"))
	assert.Empty(t, cleanContent("\x07\x08"))

	long := cleanContent(strings.Repeat("가", maxContentLen+5))
	assert.Equal(t, maxContentLen, len([]rune(long)))
}
