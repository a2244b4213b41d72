package backend

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

// Directory loads rooms and users concurrently and returns them as
// conversations, rooms first. The signed-in user is left out.
func (c *Client) Directory(ctx context.Context, self identity.Key) ([]protocol.Conversation, error) {
	var (
		rooms []protocol.Room
		users []protocol.User
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rooms, err = c.Rooms(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = c.Users(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]protocol.Conversation, 0, len(rooms)+len(users))
	for _, r := range rooms {
		if r.ID.IsNone() {
			continue
		}
		out = append(out, protocol.RoomConversation(r))
	}
	for _, u := range users {
		if u.ID.IsNone() || identity.Equal(u.ID, self) {
			continue
		}
		out = append(out, protocol.DirectConversation(u))
	}
	return out, nil
}
