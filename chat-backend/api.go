package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type ctxKey struct{}

type api struct {
	store   *store
	hub     *hub
	metrics *metrics
	maxBody int64
}

func newRouter(a *api) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.countRequests)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}) })
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}) })
	r.Handle("/metrics", a.metrics.handler())
	r.Get("/ws", a.hub.serveWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(a.limitBody)
		r.Post("/auth/register", a.register)
		r.Post("/auth/login", a.login)
		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)
			r.Get("/chat/users", a.listUsers)
			r.Get("/chat/rooms", a.listRooms)
			r.Post("/chat/rooms", a.createRoom)
			r.Get("/chat/history/{id}", a.history)
			r.Delete("/chat/messages/{id}", a.deleteMessage)
		})
	})
	return r
}

func (a *api) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.requests.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()
	})
}

func (a *api) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && a.maxBody > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		u, err := a.store.userForToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
	})
}

func currentUser(r *http.Request) userRecord {
	u, _ := r.Context().Value(ctxKey{}).(userRecord)
	return u
}

type authResponse struct {
	Token string   `json:"token"`
	User  wireUser `json:"user"`
}

func (a *api) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	u, err := a.store.register(req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, errInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, errEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		a.internal(w, "register", err)
		return
	}
	a.respondWithToken(w, http.StatusCreated, u)
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	u, err := a.store.login(req.Email, req.Password)
	switch {
	case errors.Is(err, errBadLogin):
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	case err != nil:
		a.internal(w, "login", err)
		return
	}
	a.respondWithToken(w, http.StatusOK, u)
}

func (a *api) respondWithToken(w http.ResponseWriter, status int, u userRecord) {
	token, err := a.store.issueToken(u.ID)
	if err != nil {
		a.internal(w, "issue token", err)
		return
	}
	writeJSON(w, status, authResponse{Token: token, User: toWireUser(u)})
}

func (a *api) listUsers(w http.ResponseWriter, r *http.Request) {
	self := currentUser(r)
	users, err := a.store.users()
	if err != nil {
		a.internal(w, "list users", err)
		return
	}
	out := make([]wireUser, 0, len(users))
	for _, u := range users {
		if u.ID != self.ID {
			out = append(out, toWireUser(u))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.store.roomsFor(currentUser(r).ID)
	if err != nil {
		a.internal(w, "list rooms", err)
		return
	}
	out := make([]wireRoom, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, toWireRoom(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) createRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string   `json:"name"`
		Type    string   `json:"type"`
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	room, err := a.store.createRoom(req.Name, req.Type, currentUser(r).ID, req.Members)
	switch {
	case errors.Is(err, errInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.internal(w, "create room", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWireRoom(room))
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	self := currentUser(r)
	id := chi.URLParam(r, "id")
	var conv string
	switch kind := r.URL.Query().Get("type"); kind {
	case "room", "":
		room, err := a.store.room(id)
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		if err != nil {
			a.internal(w, "load room", err)
			return
		}
		if !room.hasMember(self.ID) {
			writeError(w, http.StatusForbidden, errNotMember.Error())
			return
		}
		conv = roomConversation(room.ID)
	case "private":
		if _, err := a.store.user(id); err != nil {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		conv = directConversation(self.ID, id)
	default:
		writeError(w, http.StatusBadRequest, "type must be room or private")
		return
	}

	msgs, err := a.store.history(conv)
	if err != nil {
		a.internal(w, "load history", err)
		return
	}
	names := map[string]string{}
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		name, ok := names[m.SenderID]
		if !ok {
			if u, err := a.store.user(m.SenderID); err == nil {
				name = u.Username
			}
			names[m.SenderID] = name
		}
		out = append(out, toWireMessage(m, name))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) deleteMessage(w http.ResponseWriter, r *http.Request) {
	err := a.store.deleteMessage(chi.URLParam(r, "id"), currentUser(r).ID)
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, errNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case err != nil:
		a.internal(w, "delete message", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *api) internal(w http.ResponseWriter, op string, err error) {
	log.Error().Err(err).Str("op", op).Msg("[chat-backend] request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": strings.TrimSpace(msg)})
}
