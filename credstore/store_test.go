package credstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	assert.False(t, s.Load().SignedIn())

	sess := Session{Token: " tok-1 ", User: protocol.User{ID: identity.NewRef("U1"), Username: "alice"}}
	require.NoError(t, s.Save(sess))
	assert.Equal(t, "tok-1", s.Token())
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got := s.Load()
	assert.Equal(t, "tok-1", got.Token)
	assert.Equal(t, identity.Key("U1"), got.User.ID.Key)
	assert.Equal(t, "alice", got.User.Username)
}

func TestStoreClear(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(Session{Token: "tok-1"}))
	require.NoError(t, s.Clear())
	assert.Empty(t, s.Token())
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Load().SignedIn())
}

func TestStoreRejectsEmptyToken(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	assert.ErrorIs(t, s.Save(Session{Token: "  "}), ErrEmptyToken)
}

func TestStoreWatch(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	var seen []string
	cancel := s.Watch(func(sess Session) { seen = append(seen, sess.Token) })
	require.NoError(t, s.Save(Session{Token: "tok-1"}))
	require.NoError(t, s.Save(Session{Token: "tok-2"}))
	require.NoError(t, s.Clear())
	cancel()
	require.NoError(t, s.Save(Session{Token: "tok-3"}))

	assert.Equal(t, []string{"", "tok-1", "tok-2", ""}, seen)
}
