// Package registry tracks which rooms the client has joined and routes
// inbound events to the per-room state they affect.
package registry

import (
	"context"
	"sort"

	"github.com/npezzotti/go-teamchat/internal/events"
	"github.com/npezzotti/go-teamchat/internal/presence"
	"github.com/npezzotti/go-teamchat/internal/reactions"
	"github.com/npezzotti/go-teamchat/internal/stats"
	"github.com/npezzotti/go-teamchat/internal/store"
	"github.com/npezzotti/go-teamchat/internal/types"
	"go.uber.org/zap"
)

const MetricDroppedEvents = "dropped_events_total"

// Sender writes an intent to the server and returns the request id it was
// sent under.
type Sender interface {
	Send(in events.Intent) (int, error)
}

type ChangeKind int

const (
	ChangeRoom ChangeKind = iota
	ChangeMessages
	ChangePresence
	ChangeTyping
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeRoom:
		return "room"
	case ChangeMessages:
		return "messages"
	case ChangePresence:
		return "presence"
	case ChangeTyping:
		return "typing"
	}
	return "unknown"
}

// Change describes which projection of a room an applied event touched.
type Change struct {
	Kind      ChangeKind
	RoomId    string
	MessageId string
	Removed   bool
}

type activeRoom struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry is owned by the coordinator's queue and is not safe for
// concurrent use.
type Registry struct {
	log       *zap.Logger
	stats     stats.StatsProvider
	sender    Sender
	store     *store.Store
	reactions *reactions.Aggregator
	presence  *presence.Tracker
	rooms     map[string]*activeRoom
}

func New(log *zap.Logger, sp stats.StatsProvider, sender Sender, st *store.Store, agg *reactions.Aggregator, pt *presence.Tracker) *Registry {
	sp.RegisterCounter(MetricDroppedEvents, "Inbound events dropped because they were unknown or for an inactive room.")
	return &Registry{
		log:       log,
		stats:     sp,
		sender:    sender,
		store:     st,
		reactions: agg,
		presence:  pt,
		rooms:     make(map[string]*activeRoom),
	}
}

// Join marks roomId active and sends a join intent. Joining an active room
// does nothing and reports false. The room stays active when the send fails
// so the join is replayed on the next connect.
func (r *Registry) Join(parent context.Context, roomId string) (bool, error) {
	if _, ok := r.rooms[roomId]; ok {
		return false, nil
	}

	ctx, cancel := context.WithCancel(parent)
	r.rooms[roomId] = &activeRoom{ctx: ctx, cancel: cancel}

	if _, err := r.sender.Send(&events.JoinRoom{Scope: events.In(roomId)}); err != nil {
		r.log.Debug("join intent not sent", zap.String("room_id", roomId), zap.Error(err))
		return true, err
	}
	r.log.Debug("joined room", zap.String("room_id", roomId))
	return true, nil
}

// Leave marks roomId inactive, cancels its in-flight work, sends a leave
// intent and releases its in-memory state. The durable cache is kept.
func (r *Registry) Leave(roomId string, unsubscribe bool) (bool, error) {
	if !r.deactivate(roomId) {
		return false, nil
	}

	_, err := r.sender.Send(&events.LeaveRoom{Scope: events.In(roomId), Unsubscribe: unsubscribe})
	if err != nil {
		r.log.Debug("leave intent not sent", zap.String("room_id", roomId), zap.Error(err))
	}
	return true, err
}

// Forget deactivates roomId without telling the server, for rooms the server
// has already refused or removed.
func (r *Registry) Forget(roomId string) bool {
	return r.deactivate(roomId)
}

func (r *Registry) deactivate(roomId string) bool {
	ar, ok := r.rooms[roomId]
	if !ok {
		return false
	}
	ar.cancel()
	delete(r.rooms, roomId)

	r.store.Release(roomId)
	r.reactions.Release(roomId)
	r.presence.Release(roomId)
	return true
}

// Rejoin resends a join intent for every active room and returns them.
func (r *Registry) Rejoin() []string {
	rooms := r.Active()
	for _, roomId := range rooms {
		if _, err := r.sender.Send(&events.JoinRoom{Scope: events.In(roomId)}); err != nil {
			r.log.Warn("rejoin failed", zap.String("room_id", roomId), zap.Error(err))
		}
	}
	return rooms
}

// LeaveAll deactivates every room without sending intents.
func (r *Registry) LeaveAll() {
	for roomId := range r.rooms {
		r.deactivate(roomId)
	}
}

// Active returns the active rooms, sorted.
func (r *Registry) Active() []string {
	out := make([]string, 0, len(r.rooms))
	for roomId := range r.rooms {
		out = append(out, roomId)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) IsActive(roomId string) bool {
	_, ok := r.rooms[roomId]
	return ok
}

// RoomContext returns the context that is cancelled when roomId is left, or
// nil for an inactive room.
func (r *Registry) RoomContext(roomId string) context.Context {
	if ar, ok := r.rooms[roomId]; ok {
		return ar.ctx
	}
	return nil
}

func (r *Registry) drop(ev events.Event, reason string) []Change {
	r.log.Warn("dropping event",
		zap.String("event", ev.EventName()),
		zap.String("room_id", ev.Room()),
		zap.String("reason", reason),
	)
	r.stats.Incr(MetricDroppedEvents)
	return nil
}

// Dispatch applies ev to the state of its room and returns what changed.
// Unknown events and events for inactive rooms are logged and dropped.
func (r *Registry) Dispatch(ev events.Event) []Change {
	if _, ok := ev.(*events.Unknown); ok {
		return r.drop(ev, "unknown event")
	}

	roomId := ev.Room()
	if !r.IsActive(roomId) {
		return r.drop(ev, "room not active")
	}

	switch e := ev.(type) {
	case *events.MessageCreated:
		msg := e.Message
		msg.RoomId = roomId
		changed := r.store.ApplyLive(roomId, msg)
		r.reactions.SeedIfAbsent(roomId, msg.Id, msg.Reactions)
		if changed {
			return []Change{{Kind: ChangeMessages, RoomId: roomId, MessageId: msg.Id}}
		}

	case *events.MessageUpdated:
		if r.store.ApplyEdit(roomId, e.MessageId, e.Content, e.EditedAt) {
			return []Change{{Kind: ChangeMessages, RoomId: roomId, MessageId: e.MessageId}}
		}

	case *events.MessageDeleted:
		if r.store.ApplyDelete(roomId, e.MessageId, store.DeleteGlobal) {
			r.reactions.ReleaseMessage(roomId, e.MessageId)
			return []Change{{Kind: ChangeMessages, RoomId: roomId, MessageId: e.MessageId, Removed: true}}
		}

	case *events.ReactionAdded:
		if _, changed := r.reactions.Add(roomId, e.Reaction); changed {
			return []Change{{Kind: ChangeMessages, RoomId: roomId, MessageId: e.Reaction.MessageId}}
		}

	case *events.ReactionRemoved:
		if r.reactions.Remove(roomId, e.MessageId, e.ReactionId) {
			return []Change{{Kind: ChangeMessages, RoomId: roomId, MessageId: e.MessageId}}
		}

	case *events.TypingStarted:
		if e.UserId == 0 {
			return r.drop(ev, "missing user")
		}
		if r.presence.MarkTyping(roomId, e.UserId, e.DisplayName) {
			return []Change{{Kind: ChangeTyping, RoomId: roomId}}
		}

	case *events.TypingStopped:
		if r.presence.ClearTyping(roomId, e.UserId) {
			return []Change{{Kind: ChangeTyping, RoomId: roomId}}
		}

	case *events.UserOnline:
		if e.UserId == 0 {
			return r.drop(ev, "missing user")
		}
		entry := types.PresenceEntry{RoomId: roomId, UserId: e.UserId, DisplayName: e.DisplayName, Avatar: e.Avatar}
		if r.presence.SetOnline(entry) {
			return []Change{{Kind: ChangePresence, RoomId: roomId}}
		}

	case *events.UserOffline:
		wasTyping := len(r.presence.CurrentTypers(roomId))
		if r.presence.SetOffline(roomId, e.UserId) {
			changes := []Change{{Kind: ChangePresence, RoomId: roomId}}
			if len(r.presence.CurrentTypers(roomId)) != wasTyping {
				changes = append(changes, Change{Kind: ChangeTyping, RoomId: roomId})
			}
			return changes
		}

	case *events.RoomDeleted:
		r.deactivate(roomId)
		r.log.Info("room deleted by server", zap.String("room_id", roomId))
		return []Change{{Kind: ChangeRoom, RoomId: roomId, Removed: true}}

	default:
		return r.drop(ev, "not routable")
	}

	return nil
}
