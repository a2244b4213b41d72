package conn

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of the connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Config describes where and how to connect.
type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	Dialer            *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: c.HandshakeTimeout,
		}
	}
	return c
}

// Manager binds the connection to the current credential. There is at most
// one live handle at any instant: a replaced handle is fully closed before
// its successor is created.
type Manager struct {
	cfg Config

	// transition serializes credential changes.
	transition sync.Mutex

	mu      sync.Mutex
	token   string
	handle  *Handle
	state   State
	subs    map[uint64]func(*Handle)
	nextSub uint64
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:  cfg.withDefaults(),
		subs: make(map[uint64]func(*Handle)),
	}
}

// SetCredential moves the manager to the state implied by token. An empty
// token disconnects; a different token replaces the connection; the same
// token is a no-op.
func (m *Manager) SetCredential(token string) {
	token = strings.TrimSpace(token)
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if token == m.token && (token == "" || m.handle != nil) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.replace(token)
}

// Reconnect replaces the current handle with a fresh one for the same
// credential, which restarts the bounded reconnect budget.
func (m *Manager) Reconnect() {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	if token == "" {
		return
	}
	m.replace(token)
}

func (m *Manager) replace(token string) {
	m.mu.Lock()
	old := m.handle
	m.handle = nil
	m.token = token
	m.state = Disconnected
	m.mu.Unlock()

	if old != nil {
		m.publish(nil)
		old.Close()
		log.Info().Msg("[conn] previous connection torn down")
	}
	if token == "" {
		return
	}

	h := newHandle(m.cfg, token, m.handleState)
	m.mu.Lock()
	m.handle = h
	m.state = Connecting
	m.mu.Unlock()
	m.publish(h)
	h.start()
}

// Handle returns the live handle, or nil when unauthenticated.
func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// State reports the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe calls fn with the current handle (if any) and again on every
// replacement, with nil on teardown. Dependents must re-register their
// handlers each time instead of holding on to an old handle.
func (m *Manager) Subscribe(fn func(*Handle)) (cancel func()) {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	current := m.handle
	m.mu.Unlock()
	if current != nil {
		fn(current)
	}
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close disconnects and releases the current handle.
func (m *Manager) Close() {
	m.SetCredential("")
}

func (m *Manager) publish(h *Handle) {
	m.mu.Lock()
	fns := make([]func(*Handle), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(h)
	}
}

func (m *Manager) handleState(h *Handle, s State) {
	m.mu.Lock()
	current := m.handle == h
	if current {
		m.state = s
	}
	m.mu.Unlock()
	if current {
		log.Debug().Stringer("state", s).Msg("[conn] state changed")
	}
}
