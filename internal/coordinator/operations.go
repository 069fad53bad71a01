package coordinator

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/npezzotti/go-teamchat/internal/events"
	"github.com/npezzotti/go-teamchat/internal/presence"
	"github.com/npezzotti/go-teamchat/internal/store"
	"github.com/npezzotti/go-teamchat/internal/transport"
	"github.com/npezzotti/go-teamchat/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func (c *Coordinator) auth() transport.AuthContext {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.opts.Auth
}

// Connect opens the session. The first attempt is synchronous; transient
// failures are retried in the background and auth failures are returned
// wrapped in transport.ErrReauthenticate.
func (c *Coordinator) Connect(ctx context.Context) error {
	return c.session.Connect(ctx, c.auth())
}

// Reauthenticate replaces the token and reconnects.
func (c *Coordinator) Reauthenticate(ctx context.Context, token string) error {
	c.authMu.Lock()
	c.opts.Auth.Token = token
	c.authMu.Unlock()

	c.session.Disconnect()
	return c.session.Connect(ctx, c.auth())
}

// Retry reconnects a session that gave up after exhausting its attempts.
func (c *Coordinator) Retry(ctx context.Context) error {
	return c.session.Retry(ctx)
}

// Disconnect tears the connection down and suppresses reconnects. Rooms
// stay active and are rejoined on the next Connect.
func (c *Coordinator) Disconnect() {
	c.session.Disconnect()
}

func (c *Coordinator) ConnectionState() transport.State {
	return c.session.State()
}

// OpenRoom joins roomId and loads its newest page. Opening an active room
// only retries a missing initial load.
func (c *Coordinator) OpenRoom(ctx context.Context, roomId string) error {
	return c.do(ctx, func() error {
		c.openRoom(roomId)
		return nil
	})
}

// LeaveRoom leaves roomId and discards its in-memory state. With
// unsubscribe the membership itself is removed on the server.
func (c *Coordinator) LeaveRoom(ctx context.Context, roomId string, unsubscribe bool) error {
	return c.do(ctx, func() error {
		if !c.registry.IsActive(roomId) {
			return ErrRoomNotActive
		}
		c.cancelFetch(roomId)
		if _, err := c.registry.Leave(roomId, unsubscribe); err != nil {
			c.log.Debug("leave not sent", zap.String("room_id", roomId), zap.Error(err))
		}
		c.releaseRoom(roomId)
		c.publish(Notification{Kind: RoomChanged, RoomId: roomId, Removed: true})
		return nil
	})
}

// LoadOlder requests the page before the oldest held message. It returns
// once the request is started; the merge is announced by a notification.
func (c *Coordinator) LoadOlder(ctx context.Context, roomId string) error {
	return c.do(ctx, func() error {
		if !c.registry.IsActive(roomId) {
			return ErrRoomNotActive
		}
		if !c.store.Loaded(roomId) {
			c.startFetch(roomId, c.store.LatestPageRequest(), false)
			return nil
		}
		if !c.store.HasMore(roomId) {
			return nil
		}
		c.startFetch(roomId, c.store.NextPageRequest(roomId), false)
		return nil
	})
}

// SendMessage sends content to roomId and returns the client id that
// tracks it. When the session is not connected nothing is sent or queued
// and ErrNotConnected is returned.
func (c *Coordinator) SendMessage(ctx context.Context, roomId, content string, opts SendOptions) (string, error) {
	var clientId string
	err := c.do(ctx, func() error {
		if !c.registry.IsActive(roomId) {
			return ErrRoomNotActive
		}
		if strings.TrimSpace(content) == "" && len(opts.Attachments) == 0 {
			return ErrEmptyMessage
		}

		typ := opts.Type
		if typ == "" {
			typ = types.MessageTypeText
		}
		p := &PendingSend{
			ClientId:    uuid.NewString(),
			RoomId:      roomId,
			Content:     content,
			Type:        typ,
			ReplyTo:     opts.ReplyTo,
			Attachments: opts.Attachments,
			CreatedAt:   c.opts.Now(),
		}
		if err := c.transmit(p); err != nil {
			return err
		}
		c.pending[p.ClientId] = p
		clientId = p.ClientId
		return nil
	})
	return clientId, err
}

func (c *Coordinator) transmit(p *PendingSend) error {
	id, err := c.Send(&events.SendMessage{
		Scope:       events.In(p.RoomId),
		ClientId:    p.ClientId,
		Content:     p.Content,
		Type:        p.Type,
		ReplyTo:     p.ReplyTo,
		Attachments: p.Attachments,
	})
	if err != nil {
		return err
	}

	p.State = SendSending
	p.RequestId = id
	p.Err = ""
	c.publishSend(p)
	return nil
}

// RetrySend resends an unconfirmed or rejected message under its original
// client id so the server can suppress a duplicate.
func (c *Coordinator) RetrySend(ctx context.Context, clientId string) error {
	return c.do(ctx, func() error {
		p, ok := c.pending[clientId]
		if !ok {
			return ErrUnknownSend
		}
		if p.State != SendUnconfirmed && p.State != SendRejected {
			return ErrNotRetryable
		}
		return c.transmit(p)
	})
}

// DiscardSend forgets a pending send.
func (c *Coordinator) DiscardSend(ctx context.Context, clientId string) error {
	return c.do(ctx, func() error {
		if _, ok := c.pending[clientId]; !ok {
			return ErrUnknownSend
		}
		delete(c.pending, clientId)
		return nil
	})
}

// sendIntent sends in for an active room.
func (c *Coordinator) sendIntent(ctx context.Context, in events.Intent) error {
	return c.do(ctx, func() error {
		if !c.registry.IsActive(in.Room()) {
			return ErrRoomNotActive
		}
		_, err := c.Send(in)
		return err
	})
}

func (c *Coordinator) EditMessage(ctx context.Context, roomId, messageId, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	return c.sendIntent(ctx, &events.EditMessage{Scope: events.In(roomId), MessageId: messageId, Content: content})
}

// DeleteMessage hides a message for this viewer (store.DeleteLocal) or asks
// the server to delete it for everyone (store.DeleteGlobal).
func (c *Coordinator) DeleteMessage(ctx context.Context, roomId, messageId string, mode store.DeleteMode) error {
	if mode == store.DeleteGlobal {
		return c.sendIntent(ctx, &events.DeleteMessage{Scope: events.In(roomId), MessageId: messageId})
	}

	return c.do(ctx, func() error {
		if !c.registry.IsActive(roomId) {
			return ErrRoomNotActive
		}
		if c.store.ApplyDelete(roomId, messageId, store.DeleteLocal) {
			c.publish(Notification{Kind: MessagesChanged, RoomId: roomId, MessageId: messageId, Removed: true})
		}
		return nil
	})
}

func (c *Coordinator) React(ctx context.Context, roomId, messageId, reactionType string) error {
	return c.sendIntent(ctx, &events.AddReaction{Scope: events.In(roomId), MessageId: messageId, Type: reactionType})
}

func (c *Coordinator) Unreact(ctx context.Context, roomId, messageId, reactionId string) error {
	return c.sendIntent(ctx, &events.RemoveReaction{Scope: events.In(roomId), MessageId: messageId, ReactionId: reactionId})
}

// StartTyping tells the room the user is typing. Calls closer together than
// the typing interval are absorbed.
func (c *Coordinator) StartTyping(ctx context.Context, roomId string) error {
	return c.do(ctx, func() error {
		if !c.registry.IsActive(roomId) {
			return ErrRoomNotActive
		}
		lim, ok := c.typing[roomId]
		if !ok {
			lim = rate.NewLimiter(rate.Every(c.opts.TypingInterval), 1)
			c.typing[roomId] = lim
		}
		if !lim.AllowN(c.opts.Now(), 1) {
			return nil
		}
		_, err := c.Send(&events.StartTyping{Scope: events.In(roomId)})
		return err
	})
}

func (c *Coordinator) StopTyping(ctx context.Context, roomId string) error {
	return c.do(ctx, func() error {
		if !c.registry.IsActive(roomId) {
			return ErrRoomNotActive
		}
		delete(c.typing, roomId)
		_, err := c.Send(&events.StopTyping{Scope: events.In(roomId)})
		return err
	})
}

// Rooms returns the active rooms.
func (c *Coordinator) Rooms(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, func() error {
		out = c.registry.Active()
		return nil
	})
	return out, err
}

// Room returns a snapshot of an active room.
func (c *Coordinator) Room(ctx context.Context, roomId string) (RoomView, error) {
	var view RoomView
	err := c.do(ctx, func() error {
		if !c.registry.IsActive(roomId) {
			return ErrRoomNotActive
		}
		view = c.snapshot(roomId)
		return nil
	})
	return view, err
}

func (c *Coordinator) snapshot(roomId string) RoomView {
	view := RoomView{
		RoomId:  roomId,
		HasMore: c.store.HasMore(roomId),
		Online:  c.presence.Online(roomId),
	}
	if info, ok := c.rooms[roomId]; ok {
		cp := *info
		cp.Members = slices.Clone(info.Members)
		view.Info = &cp
	}
	_, view.Loading = c.inflight[roomId]

	for _, m := range c.store.Messages(roomId) {
		m.Reactions = c.reactions.Reactions(roomId, m.Id)
		view.Messages = append(view.Messages, MessageView{
			Message: m,
			Groups:  c.reactions.GroupedCounts(roomId, m.Id),
		})
	}

	view.Typers = c.presence.CurrentTypers(roomId)
	view.Typing = presence.TypingSummary(view.Typers)

	for _, p := range c.pending {
		if p.RoomId == roomId {
			view.Pending = append(view.Pending, *p)
		}
	}
	sort.Slice(view.Pending, func(i, j int) bool {
		return view.Pending[i].CreatedAt.Before(view.Pending[j].CreatedAt)
	})
	return view
}
