// Package conn owns the realtime connection: one websocket per credential,
// reconnected by its handle and torn down before any replacement exists.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
	maxFrameBytes  = 1 << 20
)

var (
	ErrClosed       = errors.New("connection handle closed")
	ErrNotConnected = errors.New("connection not established")
)

// Handle is one credential's connection. It survives transport drops by
// redialing on its own and is only replaced when the credential changes.
type Handle struct {
	cfg    Config
	token  string
	ctx    context.Context
	cancel context.CancelFunc
	send   chan protocol.Frame
	done   chan struct{}
	notify func(*Handle, State)
	closed atomic.Bool
	// started is claimed by whichever of start and Close comes first.
	started atomic.Bool

	mu       sync.Mutex
	state    State
	socket   *websocket.Conn
	handlers map[string]map[uint64]func(json.RawMessage)
	nextID   uint64
}

func newHandle(cfg Config, token string, notify func(*Handle, State)) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		cfg:      cfg,
		token:    token,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan protocol.Frame, sendBufferSize),
		done:     make(chan struct{}),
		notify:   notify,
		state:    Connecting,
		handlers: make(map[string]map[uint64]func(json.RawMessage)),
	}
}

func (h *Handle) start() {
	if h.started.CompareAndSwap(false, true) {
		go h.run()
	}
}

// State reports the transport state of this handle.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the handle has been torn down and all of its
// goroutines have exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Connected reports whether the socket is currently up.
func (h *Handle) Connected() bool { return h.State() == Connected }

// Emit queues one outbound event. It fails with ErrClosed after teardown and
// ErrNotConnected while the socket is down.
func (h *Handle) Emit(event string, payload any) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if h.State() != Connected {
		return ErrNotConnected
	}
	frame, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	select {
	case h.send <- frame:
		return nil
	case <-h.ctx.Done():
		return ErrClosed
	}
}

// On registers fn for inbound events named event. Handlers run on the read
// goroutine. A connect handler registered while the socket is up is called
// once right away for that connection, so every connection is reported to it
// exactly once. The returned func removes the handler.
func (h *Handle) On(event string, fn func(json.RawMessage)) (off func()) {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return func() {}
	}
	h.nextID++
	id := h.nextID
	set, ok := h.handlers[event]
	if !ok {
		set = make(map[uint64]func(json.RawMessage))
		h.handlers[event] = set
	}
	set[id] = fn
	replay := event == protocol.EventConnect && h.state == Connected
	h.mu.Unlock()

	if replay {
		fn(nil)
	}
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.handlers[event]; ok {
			delete(set, id)
		}
	}
}

// Close tears the handle down and waits for its goroutines. An in-flight dial
// is cancelled and its socket, if it still arrives, is discarded.
func (h *Handle) Close() {
	if h.closed.Swap(true) {
		<-h.done
		return
	}
	h.cancel()
	h.mu.Lock()
	socket := h.socket
	h.handlers = make(map[string]map[uint64]func(json.RawMessage))
	h.mu.Unlock()
	if socket != nil {
		_ = socket.Close()
	}
	if h.started.CompareAndSwap(false, true) {
		// run never started; nothing else will close done.
		close(h.done)
	}
	<-h.done
	h.setState(Disconnected)
}

func (h *Handle) run() {
	defer close(h.done)
	failures := 0
	for {
		socket, err := h.dial()
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			failures++
			log.Debug().Err(err).Int("attempt", failures).Str("url", h.cfg.URL).Msg("[conn] dial failed")
			if failures > h.cfg.ReconnectAttempts {
				log.Warn().Err(err).Int("attempts", failures).Msg("[conn] giving up reconnecting")
				h.setState(Degraded)
				<-h.ctx.Done()
				return
			}
			if !h.sleep(h.cfg.ReconnectDelay) {
				return
			}
			continue
		}
		failures = 0
		h.serve(socket)
		if h.ctx.Err() != nil {
			return
		}
		log.Info().Msg("[conn] connection lost; reconnecting")
		if !h.sleep(h.cfg.ReconnectDelay) {
			return
		}
	}
}

func (h *Handle) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token)
	socket, resp, err := h.cfg.Dialer.DialContext(h.ctx, h.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if err := h.ctx.Err(); err != nil {
		_ = socket.Close()
		return nil, err
	}
	return socket, nil
}

func (h *Handle) serve(socket *websocket.Conn) {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		_ = socket.Close()
		return
	}
	// The state flips under the same lock that snapshots the connect
	// handlers, which On relies on to report each connection once.
	h.socket = socket
	h.state = Connected
	onConnect := h.handlersLocked(protocol.EventConnect)
	h.mu.Unlock()
	if h.notify != nil {
		h.notify(h, Connected)
	}
	log.Info().Str("url", h.cfg.URL).Msg("[conn] connected")
	h.call(protocol.EventConnect, onConnect, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(socket, stop)
	}()
	h.readLoop(socket)
	close(stop)
	_ = socket.Close()
	wg.Wait()

	h.mu.Lock()
	h.socket = nil
	h.state = Connecting
	h.mu.Unlock()
	if h.notify != nil {
		h.notify(h, Connecting)
	}
}

func (h *Handle) readLoop(socket *websocket.Conn) {
	socket.SetReadLimit(maxFrameBytes)
	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			if h.ctx.Err() == nil {
				log.Debug().Err(err).Msg("[conn] read message")
			}
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Debug().Err(err).Msg("[conn] malformed frame")
			continue
		}
		h.dispatch(frame.Event, frame.Data)
	}
}

func (h *Handle) writeLoop(socket *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-h.send:
			_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := socket.WriteJSON(frame); err != nil {
				log.Debug().Err(err).Str("event", frame.Event).Msg("[conn] write json")
				_ = socket.Close()
				return
			}
		case <-ticker.C:
			_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = socket.Close()
				return
			}
		case <-h.ctx.Done():
			_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = socket.Close()
			return
		case <-stop:
			return
		}
	}
}

func (h *Handle) dispatch(event string, data json.RawMessage) {
	h.mu.Lock()
	fns := h.handlersLocked(event)
	h.mu.Unlock()
	h.call(event, fns, data)
}

func (h *Handle) handlersLocked(event string) []func(json.RawMessage) {
	set := h.handlers[event]
	fns := make([]func(json.RawMessage), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	return fns
}

func (h *Handle) call(event string, fns []func(json.RawMessage), data json.RawMessage) {
	if len(fns) == 0 {
		log.Debug().Str("event", event).Msg("[conn] no handler")
		return
	}
	for _, fn := range fns {
		fn(data)
	}
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	h.mu.Unlock()
	if h.notify != nil {
		h.notify(h, s)
	}
}

func (h *Handle) sleep(d time.Duration) bool {
	if d <= 0 {
		return h.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-h.ctx.Done():
		return false
	}
}
