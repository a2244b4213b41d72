package chat

import (
	"context"
	"encoding/json"
	"io"

	"github.com/gosuda/portal-chat/conn"
	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

// Link is the part of a connection handle the session writes to and listens on.
type Link interface {
	Emit(event string, payload any) error
	On(event string, fn func(json.RawMessage)) (off func())
	Connected() bool
}

// LinkSource announces the current link and every replacement; nil means
// the connection was torn down.
type LinkSource interface {
	Subscribe(fn func(Link)) (cancel func())
}

type managerSource struct {
	m *conn.Manager
}

// FromManager adapts a connection manager into a LinkSource.
func FromManager(m *conn.Manager) LinkSource {
	return managerSource{m: m}
}

func (s managerSource) Subscribe(fn func(Link)) func() {
	return s.m.Subscribe(func(h *conn.Handle) {
		if h == nil {
			fn(nil)
			return
		}
		fn(h)
	})
}

// HistoryFetcher returns the full ordered history of a conversation.
type HistoryFetcher interface {
	History(ctx context.Context, id identity.Key, kind protocol.Kind) ([]protocol.Message, error)
}

// MessageDeleter deletes a message on the backend.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, id identity.Key) error
}

// AssetUploader stores a binary and returns its public URL.
type AssetUploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}
