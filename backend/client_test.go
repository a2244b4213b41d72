package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

type fakeAPI struct {
	t       *testing.T
	token   string
	deleted []string
	created map[string]any
}

func (f *fakeAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
			var in map[string]string
			assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&in))
			if in["password"] != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"message":"Invalid credentials"}`))
				return
			}
			writeJSON(w, map[string]any{
				"token": f.token,
				"user":  map[string]any{"_id": "U1", "username": "alice", "email": in["email"]},
			})
		})
		r.Group(func(r chi.Router) {
			r.Use(f.requireToken)
			r.Get("/chat/users", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, []map[string]any{
					{"_id": "U1", "username": "alice"},
					{"_id": map[string]any{"$oid": "U2"}, "username": "bob"},
				})
			})
			r.Get("/chat/rooms", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, []map[string]any{
					{"_id": "R1", "name": "general", "type": "group", "members": []any{"U1", map[string]any{"_id": "U2"}}},
				})
			})
			r.Post("/chat/rooms", func(w http.ResponseWriter, r *http.Request) {
				assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.created))
				writeJSON(w, map[string]any{"_id": "R9", "name": f.created["name"], "type": f.created["type"]})
			})
			r.Get("/chat/history/{id}", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(f.t, "R1", chi.URLParam(r, "id"))
				assert.Equal(f.t, "room", r.URL.Query().Get("type"))
				writeJSON(w, []map[string]any{
					{"_id": "m1", "content": "hi", "room_id": "R1", "sender_id": map[string]any{"_id": "U2", "username": "bob"}, "createdAt": "2025-03-01T12:00:00Z"},
				})
			})
			r.Delete("/chat/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
				id := chi.URLParam(r, "id")
				if id == "m-other" {
					w.WriteHeader(http.StatusForbidden)
					_, _ = w.Write([]byte(`{"message":"not your message"}`))
					return
				}
				f.deleted = append(f.deleted, id)
				w.WriteHeader(http.StatusNoContent)
			})
		})
	})
	return r
}

func (f *fakeAPI) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+f.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, token string) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{t: t, token: "tok-1"}
	srv := httptest.NewServer(api.router())
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, TokenFunc(func() string { return token }))
	require.NoError(t, err)
	return c, api
}

func TestNewRejectsBadOrigin(t *testing.T) {
	_, err := New("ftp://example.com", nil)
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	c, _ := newTestClient(t, "")

	creds, err := c.Login(context.Background(), "a@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", creds.Token)
	assert.Equal(t, identity.Key("U1"), creds.User.ID.Key)
	assert.Equal(t, "alice", creds.User.Username)

	_, err = c.Login(context.Background(), "a@example.com", "wrong")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, "Invalid credentials", se.Message)
}

func TestAuthenticatedCallsNeedToken(t *testing.T) {
	c, _ := newTestClient(t, "")
	_, err := c.Users(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)

	c, _ = newTestClient(t, "stale")
	_, err = c.Users(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestDirectory(t *testing.T) {
	c, _ := newTestClient(t, "tok-1")

	convs, err := c.Directory(context.Background(), "U1")
	require.NoError(t, err)
	require.Len(t, convs, 2)

	assert.Equal(t, protocol.KindRoom, convs[0].Kind)
	assert.Equal(t, "general", convs[0].DisplayName)
	assert.Len(t, convs[0].MemberIDs, 2)

	assert.Equal(t, protocol.KindDirect, convs[1].Kind)
	assert.Equal(t, identity.Key("U2"), convs[1].ID.Key)
}

func TestCreateRoom(t *testing.T) {
	c, api := newTestClient(t, "tok-1")

	room, err := c.CreateRoom(context.Background(), " team ", []identity.Key{"U2", identity.None, "U3"})
	require.NoError(t, err)
	assert.Equal(t, identity.Key("R9"), room.ID.Key)
	assert.Equal(t, "team", api.created["name"])
	assert.Equal(t, "group", api.created["type"])
	assert.Equal(t, []any{"U2", "U3"}, api.created["members"])

	_, err = c.CreateRoom(context.Background(), "  ", nil)
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	c, _ := newTestClient(t, "tok-1")

	msgs, err := c.History(context.Background(), "R1", protocol.KindRoom)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, identity.Key("U2"), msgs[0].SenderID.Key)
	assert.Equal(t, "bob", msgs[0].SenderLabel())
	assert.Equal(t, protocol.KindRoom, msgs[0].Context)
	assert.False(t, msgs[0].CreatedAt.IsZero())
}

func TestDeleteMessage(t *testing.T) {
	c, api := newTestClient(t, "tok-1")

	require.NoError(t, c.DeleteMessage(context.Background(), "m1"))
	assert.Equal(t, []string{"m1"}, api.deleted)

	err := c.DeleteMessage(context.Background(), "m-other")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, "not your message", se.Message)
}

func TestPing(t *testing.T) {
	c, _ := newTestClient(t, "")
	assert.NoError(t, c.Ping(context.Background()))
}
