package chat

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

type emitted struct {
	event   string
	payload json.RawMessage
}

type fakeLink struct {
	mu       sync.Mutex
	emits    []emitted
	handlers map[string]map[int]func(json.RawMessage)
	next     int
	err      error
	up       bool
}

func (l *fakeLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

func newFakeLink() *fakeLink {
	return &fakeLink{handlers: make(map[string]map[int]func(json.RawMessage))}
}

func (l *fakeLink) Emit(event string, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	l.emits = append(l.emits, emitted{event: event, payload: b})
	return nil
}

func (l *fakeLink) On(event string, fn func(json.RawMessage)) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	if l.handlers[event] == nil {
		l.handlers[event] = make(map[int]func(json.RawMessage))
	}
	l.handlers[event][id] = fn
	replay := event == protocol.EventConnect && l.up
	l.mu.Unlock()
	if replay {
		fn(nil)
	}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers[event], id)
	}
}

func (l *fakeLink) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	var data json.RawMessage
	switch p := payload.(type) {
	case string:
		data = json.RawMessage(p)
	case nil:
	default:
		b, err := json.Marshal(p)
		require.NoError(t, err)
		data = b
	}
	l.mu.Lock()
	if event == protocol.EventConnect {
		l.up = true
	}
	fns := make([]func(json.RawMessage), 0, len(l.handlers[event]))
	for _, fn := range l.handlers[event] {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (l *fakeLink) handlerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, set := range l.handlers {
		n += len(set)
	}
	return n
}

func (l *fakeLink) events(event string) []json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []json.RawMessage
	for _, e := range l.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (l *fakeLink) typing(t *testing.T) []protocol.TypingPayload {
	t.Helper()
	var out []protocol.TypingPayload
	for _, raw := range l.events(protocol.EventTyping) {
		var p protocol.TypingPayload
		require.NoError(t, json.Unmarshal(raw, &p))
		out = append(out, p)
	}
	return out
}

func (l *fakeLink) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, raw := range l.events(protocol.EventSendMessage) {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, env)
	}
	return out
}

type fakeSource struct {
	mu      sync.Mutex
	current Link
	fns     []func(Link)
}

func (s *fakeSource) Subscribe(fn func(Link)) func() {
	s.mu.Lock()
	s.fns = append(s.fns, fn)
	current := s.current
	s.mu.Unlock()
	if current != nil {
		fn(current)
	}
	return func() {}
}

func (s *fakeSource) publish(l Link) {
	s.mu.Lock()
	s.current = l
	fns := append([]func(Link){}, s.fns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(l)
	}
}

type fakeHistory struct {
	mu    sync.Mutex
	data  map[identity.Key][]protocol.Message
	gates map[identity.Key]chan struct{}
	err   error
	calls []identity.Key
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		data:  make(map[identity.Key][]protocol.Message),
		gates: make(map[identity.Key]chan struct{}),
	}
}

func (h *fakeHistory) History(ctx context.Context, id identity.Key, _ protocol.Kind) ([]protocol.Message, error) {
	h.mu.Lock()
	h.calls = append(h.calls, id)
	gate := h.gates[id]
	msgs := append([]protocol.Message(nil), h.data[id]...)
	err := h.err
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, err
}

func (h *fakeHistory) set(id identity.Key, msgs ...protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[id] = msgs
}

func (h *fakeHistory) gate(id identity.Key) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan struct{})
	h.gates[id] = ch
	return ch
}

func (h *fakeHistory) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type fakeDeleter struct {
	mu    sync.Mutex
	err   error
	calls []identity.Key
}

func (d *fakeDeleter) DeleteMessage(_ context.Context, id identity.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, id)
	return d.err
}

type fakeAssets struct {
	mu      sync.Mutex
	url     string
	err     error
	calls   int
	started chan struct{}
	release chan struct{}
}

func (a *fakeAssets) Upload(ctx context.Context, _ string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.calls++
	started, release := a.started, a.release
	a.mu.Unlock()
	if started != nil {
		close(started)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.url, a.err
}

func (a *fakeAssets) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeTimer struct {
	fn      func()
	stopped bool
	fired   bool
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(_ time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn}
	f.timers = append(f.timers, t)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		live := !t.stopped && !t.fired
		t.stopped = true
		return live
	}
}

// fire runs every timer that is neither stopped nor already fired.
func (f *fakeTimers) fire() int {
	f.mu.Lock()
	var due []func()
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range due {
		fn()
	}
	return len(due)
}

func (f *fakeTimers) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
