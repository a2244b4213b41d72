package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
	maxFrameBytes  = 1 << 20
	maxContentLen  = 10000
)

// cleanContent drops control characters other than tab and newline, and any
// bytes that are not valid UTF-8, then cuts the text to maxContentLen runes.
func cleanContent(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\t' && r != '\n') {
			return -1
		}
		return r
	}, s)
	if utf8.RuneCountInString(s) > maxContentLen {
		s = string([]rune(s)[:maxContentLen])
	}
	return strings.TrimSpace(s)
}

// client is one authenticated socket.
type client struct {
	hub     *hub
	user    userRecord
	conn    *websocket.Conn
	send    chan protocol.Frame
	limiter *rate.Limiter
	done    chan struct{}
	closed  atomic.Bool
}

func (c *client) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("user", c.user.Username).Msg("[hub] read message")
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.hub.metrics.dropped.WithLabelValues("malformed").Inc()
			c.pushError("malformed frame")
			continue
		}
		if !c.limiter.Allow() {
			c.hub.metrics.dropped.WithLabelValues("rate_limited").Inc()
			c.pushError("slow down")
			continue
		}
		c.hub.route(c, f)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				log.Debug().Err(err).Str("user", c.user.Username).Msg("[hub] write json")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) push(event string, payload any) {
	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		log.Debug().Err(err).Str("event", event).Msg("[hub] encode frame")
		return
	}
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- f:
		return
	default:
	}
	// Drop the oldest frame rather than block the sender.
	select {
	case <-c.send:
		c.hub.metrics.dropped.WithLabelValues("slow_consumer").Inc()
	default:
	}
	select {
	case c.send <- f:
	default:
	}
}

func (c *client) pushError(msg string) {
	c.push(protocol.EventError, protocol.ErrorPayload{Message: msg})
}

func (c *client) close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	c.hub.unregister(c)
	_ = c.conn.Close()
}

// hub routes frames between sockets. A user may have several sockets; rooms
// track the sockets that joined them.
type hub struct {
	store     *store
	metrics   *metrics
	rateLimit rate.Limit
	burst     int
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	byUser  map[string]map[*client]struct{}
	rooms   map[string]map[*client]struct{}
	joined  map[*client]map[string]struct{}
	wg      sync.WaitGroup
}

func newHub(s *store, m *metrics, rps float64, burst int) *hub {
	return &hub{
		store:     s,
		metrics:   m,
		rateLimit: rate.Limit(rps),
		burst:     burst,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		clients: map[*client]struct{}{},
		byUser:  map[string]map[*client]struct{}{},
		rooms:   map[string]map[*client]struct{}{},
		joined:  map[*client]map[string]struct{}{},
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	u, err := h.store.userForToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("[hub] upgrade websocket")
		return
	}

	c := &client{
		hub:     h,
		user:    u,
		conn:    conn,
		send:    make(chan protocol.Frame, sendBufferSize),
		limiter: rate.NewLimiter(h.rateLimit, h.burst),
		done:    make(chan struct{}),
	}
	h.register(c)
	log.Info().Str("user", u.Username).Msg("[hub] socket connected")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
	c.readLoop()
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	set, ok := h.byUser[c.user.ID]
	if !ok {
		set = map[*client]struct{}{}
		h.byUser[c.user.ID] = set
	}
	set[c] = struct{}{}
	h.joined[c] = map[string]struct{}{}
	h.metrics.connections.Inc()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if set := h.byUser[c.user.ID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.user.ID)
		}
	}
	for room := range h.joined[c] {
		if set := h.rooms[room]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.joined, c)
	h.metrics.connections.Dec()
	log.Info().Str("user", c.user.Username).Msg("[hub] socket disconnected")
}

func (h *hub) route(c *client, f protocol.Frame) {
	switch f.Event {
	case protocol.EventJoinRoom:
		var roomID string
		if err := f.Decode(&roomID); err != nil {
			c.pushError("join_room expects a room id")
			return
		}
		h.join(c, roomID)
	case protocol.EventLeaveRoom:
		var roomID string
		if err := f.Decode(&roomID); err != nil {
			return
		}
		h.leave(c, roomID)
	case protocol.EventSendMessage:
		var env protocol.Envelope
		if err := f.Decode(&env); err != nil {
			c.pushError("send_message expects a message")
			return
		}
		h.sendMessage(c, env)
	case protocol.EventTyping:
		var p protocol.TypingPayload
		if err := f.Decode(&p); err != nil {
			return
		}
		h.typing(c, p)
	default:
		h.metrics.dropped.WithLabelValues("unknown_event").Inc()
		log.Debug().Str("event", f.Event).Msg("[hub] unknown event")
	}
}

func (h *hub) join(c *client, roomID string) {
	r, err := h.store.room(roomID)
	if err != nil || !r.hasMember(c.user.ID) {
		c.pushError(errNotMember.Error())
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	set, ok := h.rooms[roomID]
	if !ok {
		set = map[*client]struct{}{}
		h.rooms[roomID] = set
	}
	set[c] = struct{}{}
	h.joined[c][roomID] = struct{}{}
	log.Debug().Str("user", c.user.Username).Str("room", roomID).Msg("[hub] joined room")
}

func (h *hub) leave(c *client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.rooms[roomID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if joined := h.joined[c]; joined != nil {
		delete(joined, roomID)
	}
}

func (h *hub) hasJoined(c *client, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joined[c][roomID]
	return ok
}

func (h *hub) sendMessage(c *client, env protocol.Envelope) {
	content := cleanContent(env.Content)
	if content == "" {
		c.pushError("message content is empty")
		return
	}
	payload := env.MessageType
	if payload != protocol.PayloadImage {
		payload = protocol.PayloadText
	}
	kind := env.TypeContext
	if !kind.Valid() {
		kind = env.Type
	}
	target := strings.TrimSpace(env.RoomID)

	rec := messageRecord{
		Content:         content,
		MessageType:     string(payload),
		Context:         string(kind),
		SenderID:        c.user.ID,
		ClientMessageID: env.ClientMessageID,
		CreatedAt:       time.Now().UTC(),
	}
	switch kind {
	case protocol.KindRoom:
		r, err := h.store.room(target)
		if err != nil || !r.hasMember(c.user.ID) {
			c.pushError(errNotMember.Error())
			return
		}
		rec.RoomID = r.ID
		rec.Conversation = roomConversation(r.ID)
	case protocol.KindDirect:
		if _, err := h.store.user(target); err != nil {
			c.pushError("unknown recipient")
			return
		}
		rec.ReceiverID = target
		rec.Conversation = directConversation(c.user.ID, target)
	default:
		c.pushError("message context must be room or private")
		return
	}

	stored, err := h.store.appendMessage(rec)
	if err != nil {
		log.Error().Err(err).Msg("[hub] persist message")
		c.pushError("message not stored")
		return
	}
	h.metrics.messages.WithLabelValues(string(kind)).Inc()
	out := toWireMessage(stored, c.user.Username)
	if kind == protocol.KindRoom {
		h.toRoom(stored.RoomID, protocol.EventReceiveMessage, out, nil)
		return
	}
	h.toUsers(protocol.EventReceiveMessage, out, c.user.ID, stored.ReceiverID)
}

// typing relays a typing signal. For rooms the chatId stays the room id; for
// direct conversations the recipient receives the sender's id, which is the
// conversation id on its side.
func (h *hub) typing(c *client, p protocol.TypingPayload) {
	chatID := strings.TrimSpace(p.ChatID)
	if chatID == "" {
		return
	}
	if h.hasJoined(c, chatID) {
		h.toRoom(chatID, protocol.EventUserTyping, protocol.UserTyping{
			Username: c.user.Username,
			IsTyping: p.IsTyping,
			ChatID:   identity.NewRef(chatID),
		}, c)
		return
	}
	if chatID == c.user.ID {
		return
	}
	h.toUsers(protocol.EventUserTyping, protocol.UserTyping{
		Username: c.user.Username,
		IsTyping: p.IsTyping,
		ChatID:   identity.NewRef(c.user.ID),
	}, chatID)
}

func (h *hub) toRoom(roomID, event string, payload any, except *client) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.push(event, payload)
	}
}

func (h *hub) toUsers(event string, payload any, uids ...string) {
	seen := map[string]bool{}
	h.mu.RLock()
	var targets []*client
	for _, uid := range uids {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		for c := range h.byUser[uid] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.push(event, payload)
	}
}

// closeAll closes every socket; used during shutdown.
func (h *hub) closeAll() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

// wait blocks until all socket goroutines have finished.
func (h *hub) wait() {
	h.wg.Wait()
}
