package server

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-teamchat/internal/database"
	"github.com/npezzotti/go-teamchat/internal/events"
	"github.com/npezzotti/go-teamchat/internal/notify"
	"github.com/npezzotti/go-teamchat/internal/types"
	"go.uber.org/zap"
)

const maxContentLength = 4000

type Room struct {
	id          int
	externalId  string
	info        database.Room
	members     map[int]types.Member
	cs          *ChatServer
	log         *zap.Logger
	joinChan    chan *clientIntent
	leaveChan   chan *clientIntent
	intentChan  chan *clientIntent
	clients     map[*Client]struct{}
	userMap     map[int]map[*Client]struct{}
	clientLock  sync.RWMutex
	idleTimeout time.Duration
	// killTimer unloads the room once the last client has left.
	killTimer *time.Timer
	exit      chan exitReq
	// done is closed when the room goroutine has returned.
	done chan struct{}
}

func newRoom(cs *ChatServer, dbRoom database.Room) *Room {
	members := make(map[int]types.Member, len(dbRoom.Subscriptions))
	for _, sub := range dbRoom.Subscriptions {
		members[sub.AccountId] = types.Member{UserId: sub.AccountId, Username: sub.Username, Role: sub.Role}
	}
	dbRoom.Subscriptions = nil

	return &Room{
		id:          dbRoom.Id,
		externalId:  dbRoom.ExternalId,
		info:        dbRoom,
		members:     members,
		cs:          cs,
		log:         cs.log.With(zap.String("room_id", dbRoom.ExternalId)),
		joinChan:    make(chan *clientIntent, 256),
		leaveChan:   make(chan *clientIntent, 256),
		intentChan:  make(chan *clientIntent, 256),
		clients:     make(map[*Client]struct{}),
		userMap:     make(map[int]map[*Client]struct{}),
		idleTimeout: cs.idleTimeout,
		exit:        make(chan exitReq),
		done:        make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Debug("starting room")
	r.killTimer = time.NewTimer(r.idleTimeout)
	r.killTimer.Stop()
	defer close(r.done)

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case ci := <-r.intentChan:
			r.handleIntent(ci)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) dbContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), dbTimeout)
}

func (r *Room) handleRoomTimeout() {
	r.log.Debug("room timed out")
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId, room: r}:
	default:
		r.log.Warn("unload channel full, retrying later")
		r.killTimer.Reset(r.idleTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Debug("room exiting")
	r.killTimer.Stop()

	if e.reason == exitDeleted {
		r.broadcast(&events.RoomDeleted{Scope: events.In(r.externalId)}, nil)
	}

	r.clientLock.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		c.delRoom(r.externalId)
		clients = append(clients, c)
	}
	r.clients = make(map[*Client]struct{})
	r.userMap = make(map[int]map[*Client]struct{})
	r.clientLock.Unlock()

	if e.reason == exitUnload {
		// Clients that joined after the idle timer fired move to a freshly
		// loaded copy of the room.
		var pending []*clientIntent
		for _, c := range clients {
			pending = append(pending, &clientIntent{intent: &events.JoinRoom{Scope: events.In(r.externalId)}, client: c, at: events.Now()})
		}
	drain:
		for {
			select {
			case j := <-r.joinChan:
				pending = append(pending, j)
			default:
				break drain
			}
		}
		for _, j := range pending {
			go r.cs.requeueJoin(j)
		}
	}

	if e.done != nil {
		close(e.done)
	}
}

func (cs *ChatServer) requeueJoin(j *clientIntent) {
	select {
	case cs.joinChan <- j:
	case <-cs.done:
	}
}

// roomInfo is the room projection sent in a join response.
func (r *Room) roomInfo() types.Room {
	info := r.info.ToType()
	info.Members = make([]types.Member, 0, len(r.members))
	for _, m := range r.members {
		m.IsPresent = r.userMap[m.UserId] != nil
		info.Members = append(info.Members, m)
	}
	sort.Slice(info.Members, func(i, j int) bool { return info.Members[i].UserId < info.Members[j].UserId })
	return info
}

func (r *Room) handleJoin(join *clientIntent) {
	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	c := join.client
	if c.user.Workspace != r.info.Workspace {
		r.resetIdle()
		join.respond(ErrForbidden("room is not in your workspace"))
		return
	}

	if _, ok := r.members[c.user.Id]; !ok {
		if r.info.Kind == types.RoomKindPrivate {
			r.resetIdle()
			join.respond(ErrForbidden("room is private"))
			return
		}

		ctx, cancel := r.dbContext()
		sub, err := r.cs.db.CreateSubscription(ctx, c.user.Id, r.id, string(types.RoleMember))
		cancel()
		if err != nil {
			r.resetIdle()
			r.log.Error("create subscription", zap.Int("user_id", c.user.Id), zap.Error(err))
			join.respond(ErrInternalError())
			return
		}
		r.members[c.user.Id] = types.Member{UserId: c.user.Id, Username: c.user.Username, Role: sub.Role}
	}

	firstSession := r.userMap[c.user.Id] == nil
	r.addClient(c)
	join.respond(NoErrRoomInfo(r.roomInfo()))

	if firstSession {
		r.broadcast(&events.UserOnline{
			Scope:       events.In(r.externalId),
			UserId:      c.user.Id,
			DisplayName: c.user.Username,
		}, c)
	}
}

func (r *Room) handleLeave(leave *clientIntent) {
	c := leave.client
	in, _ := leave.intent.(*events.LeaveRoom)

	if in != nil && in.Unsubscribe {
		ctx, cancel := r.dbContext()
		err := r.cs.db.DeleteSubscription(ctx, c.user.Id, r.id)
		cancel()
		if err != nil {
			r.log.Error("delete subscription", zap.Int("user_id", c.user.Id), zap.Error(err))
			leave.respond(ErrInternalError())
			return
		}

		delete(r.members, c.user.Id)
		r.removeAllClientsForUser(c.user.Id)
		leave.respond(NoErrOK())
		r.broadcast(&events.UserOffline{Scope: events.In(r.externalId), UserId: c.user.Id}, nil)
		return
	}

	if !r.removeClient(c) {
		leave.respond(ErrNotJoined())
		return
	}
	leave.respond(NoErrOK())

	// the user is offline once no session of theirs remains
	if r.userMap[c.user.Id] == nil {
		r.broadcast(&events.UserOffline{Scope: events.In(r.externalId), UserId: c.user.Id}, c)
	}
}

func (r *Room) handleIntent(ci *clientIntent) {
	if !r.hasClient(ci.client) {
		ci.respond(ErrNotJoined())
		return
	}

	switch in := ci.intent.(type) {
	case *events.SendMessage:
		r.saveAndBroadcast(ci, in)
	case *events.EditMessage:
		r.handleEdit(ci, in)
	case *events.DeleteMessage:
		r.handleDelete(ci, in)
	case *events.AddReaction:
		r.handleAddReaction(ci, in)
	case *events.RemoveReaction:
		r.handleRemoveReaction(ci, in)
	case *events.StartTyping:
		r.broadcast(&events.TypingStarted{
			Scope:       events.In(r.externalId),
			UserId:      ci.client.user.Id,
			DisplayName: ci.client.user.Username,
		}, ci.client)
		ci.respond(NoErrOK())
	case *events.StopTyping:
		r.broadcast(&events.TypingStopped{Scope: events.In(r.externalId), UserId: ci.client.user.Id}, ci.client)
		ci.respond(NoErrOK())
	default:
		ci.respond(ErrInvalidMessage("unsupported intent " + ci.intent.IntentName()))
	}
}

func (r *Room) saveAndBroadcast(ci *clientIntent, in *events.SendMessage) {
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		ci.respond(ErrInvalidMessage("message is empty"))
		return
	}
	if len(in.Content) > maxContentLength {
		ci.respond(ErrInvalidMessage("message is too long"))
		return
	}

	ctx, cancel := r.dbContext()
	defer cancel()

	if in.ClientId != "" {
		fresh, err := r.cs.dedupe.Claim(ctx, r.externalId, in.ClientId)
		if err != nil {
			r.log.Error("claim client id", zap.String("client_msg_id", in.ClientId), zap.Error(err))
			ci.respond(ErrServiceUnavailable())
			return
		}
		if !fresh {
			r.answerDuplicate(ctx, ci, in.ClientId)
			return
		}
	}

	typ := in.Type
	if typ == "" {
		typ = types.MessageTypeText
	}

	stored, err := r.cs.db.CreateMessage(ctx, database.Message{
		Id:          uuid.NewString(),
		ClientId:    in.ClientId,
		RoomId:      r.id,
		UserId:      ci.client.user.Id,
		Username:    ci.client.user.Username,
		Content:     in.Content,
		Type:        typ,
		ReplyTo:     in.ReplyTo,
		Attachments: in.Attachments,
		CreatedAt:   ci.at,
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			r.answerDuplicate(ctx, ci, in.ClientId)
			return
		}
		r.log.Error("save message", zap.Error(err))
		if in.ClientId != "" {
			if err := r.cs.dedupe.Release(ctx, r.externalId, in.ClientId); err != nil {
				r.log.Warn("release client id", zap.Error(err))
			}
		}
		ci.respond(ErrInternalError())
		return
	}

	if in.ClientId != "" {
		if err := r.cs.dedupe.Complete(ctx, r.externalId, in.ClientId, stored.Id); err != nil {
			r.log.Warn("complete client id", zap.Error(err))
		}
	}

	r.cs.stats.Incr(MetricMessagesPublished)
	ci.respond(NoErrAccepted())

	msg := stored.ToType(r.externalId)
	r.broadcast(&events.MessageCreated{Scope: events.In(r.externalId), Message: msg}, nil)
	r.notifyAbsent(msg)
}

// answerDuplicate replies to a resent message with the stored original, or
// with 202 while the original is still being stored.
func (r *Room) answerDuplicate(ctx context.Context, ci *clientIntent, clientId string) {
	r.cs.stats.Incr(MetricDuplicateSends)

	msgId, err := r.cs.dedupe.Lookup(ctx, r.externalId, clientId)
	if err != nil {
		r.log.Warn("lookup client id", zap.Error(err))
	}

	var stored database.Message
	if msgId != "" {
		stored, err = r.cs.db.GetMessage(ctx, msgId)
	} else {
		stored, err = r.cs.db.GetMessageByClientId(ctx, r.id, clientId)
	}
	if errors.Is(err, database.ErrNotFound) {
		ci.respond(NoErrAccepted())
		return
	}
	if err != nil {
		r.log.Error("load duplicate message", zap.Error(err))
		ci.respond(ErrInternalError())
		return
	}

	ci.respond(NoErrMessage(stored.ToType(r.externalId)))
}

// notifyAbsent publishes msg for subscribers who have no session in the
// room. Publishing happens off the room goroutine.
func (r *Room) notifyAbsent(msg types.Message) {
	absent := make(map[int]struct{})
	for id := range r.members {
		if r.userMap[id] == nil && id != msg.SenderId {
			absent[id] = struct{}{}
		}
	}
	if len(absent) == 0 {
		return
	}

	roomId, roomName := r.id, r.info.Name
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()

		subs, err := r.cs.db.GetSubscribersByRoomId(ctx, roomId)
		if err != nil {
			r.log.Warn("load subscribers for notification", zap.Error(err))
			r.cs.stats.Incr(MetricNotifyFailures)
			return
		}

		ev := notify.MessageCreated{
			RoomId:     msg.RoomId,
			RoomName:   roomName,
			MessageId:  msg.Id,
			SenderId:   msg.SenderId,
			SenderName: msg.SenderName,
			Preview:    notify.Preview(msg.Content),
			CreatedAt:  msg.CreatedAt,
		}
		for _, s := range subs {
			if _, ok := absent[s.Id]; ok {
				ev.Recipients = append(ev.Recipients, notify.Recipient{UserId: s.Id, Username: s.Username, Email: s.EmailAddress})
			}
		}
		if len(ev.Recipients) == 0 {
			return
		}

		if err := r.cs.notify.MessageCreated(ctx, ev); err != nil {
			r.log.Warn("publish message notification", zap.String("message_id", msg.Id), zap.Error(err))
			r.cs.stats.Incr(MetricNotifyFailures)
		}
	}()
}

// respondDbError maps a repository error to a response.
func (r *Room) respondDbError(ci *clientIntent, op string, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		ci.respond(ErrMessageNotFound())
	case errors.Is(err, database.ErrForbidden):
		ci.respond(ErrForbidden("only the sender may change this"))
	default:
		r.log.Error(op, zap.Error(err))
		ci.respond(ErrInternalError())
	}
}

// liveMessage loads a message and checks it belongs to this room and has not
// been deleted.
func (r *Room) liveMessage(ctx context.Context, id string) (database.Message, error) {
	msg, err := r.cs.db.GetMessage(ctx, id)
	if err != nil {
		return database.Message{}, err
	}
	if msg.RoomId != r.id || msg.Deleted {
		return database.Message{}, database.ErrNotFound
	}
	return msg, nil
}

func (r *Room) handleEdit(ci *clientIntent, in *events.EditMessage) {
	if strings.TrimSpace(in.Content) == "" {
		ci.respond(ErrInvalidMessage("message is empty"))
		return
	}
	if len(in.Content) > maxContentLength {
		ci.respond(ErrInvalidMessage("message is too long"))
		return
	}

	ctx, cancel := r.dbContext()
	defer cancel()

	if _, err := r.liveMessage(ctx, in.MessageId); err != nil {
		r.respondDbError(ci, "load message", err)
		return
	}

	edited, err := r.cs.db.EditMessage(ctx, in.MessageId, ci.client.user.Id, in.Content, ci.at)
	if err != nil {
		r.respondDbError(ci, "edit message", err)
		return
	}

	ci.respond(NoErrOK())

	editedAt := ci.at
	if edited.EditedAt != nil {
		editedAt = *edited.EditedAt
	}
	r.broadcast(&events.MessageUpdated{
		Scope:     events.In(r.externalId),
		MessageId: edited.Id,
		Content:   edited.Content,
		EditedAt:  editedAt,
	}, nil)
}

func (r *Room) handleDelete(ci *clientIntent, in *events.DeleteMessage) {
	ctx, cancel := r.dbContext()
	defer cancel()

	if _, err := r.liveMessage(ctx, in.MessageId); err != nil {
		r.respondDbError(ci, "load message", err)
		return
	}

	if _, err := r.cs.db.DeleteMessage(ctx, in.MessageId, ci.client.user.Id); err != nil {
		r.respondDbError(ci, "delete message", err)
		return
	}

	ci.respond(NoErrOK())
	r.broadcast(&events.MessageDeleted{Scope: events.In(r.externalId), MessageId: in.MessageId}, nil)
}

func (r *Room) handleAddReaction(ci *clientIntent, in *events.AddReaction) {
	if strings.TrimSpace(in.Type) == "" {
		ci.respond(ErrInvalidMessage("reaction type is empty"))
		return
	}

	ctx, cancel := r.dbContext()
	defer cancel()

	if _, err := r.liveMessage(ctx, in.MessageId); err != nil {
		r.respondDbError(ci, "load message", err)
		return
	}

	res, err := r.cs.db.UpsertReaction(ctx, database.Reaction{
		Id:        uuid.NewString(),
		MessageId: in.MessageId,
		UserId:    ci.client.user.Id,
		Username:  ci.client.user.Username,
		Type:      in.Type,
		CreatedAt: ci.at,
	})
	if err != nil {
		r.respondDbError(ci, "upsert reaction", err)
		return
	}

	ci.respond(NoErrOK())
	if !res.Changed {
		return
	}

	// a user holds one reaction per message, so a new type first retracts
	// the old one
	if res.Replaced != nil {
		r.broadcast(&events.ReactionRemoved{
			Scope:      events.In(r.externalId),
			MessageId:  res.Replaced.MessageId,
			ReactionId: res.Replaced.Id,
		}, nil)
	}
	r.broadcast(&events.ReactionAdded{Scope: events.In(r.externalId), Reaction: res.Reaction.ToType()}, nil)
}

func (r *Room) handleRemoveReaction(ci *clientIntent, in *events.RemoveReaction) {
	ctx, cancel := r.dbContext()
	defer cancel()

	if _, err := r.liveMessage(ctx, in.MessageId); err != nil {
		r.respondDbError(ci, "load message", err)
		return
	}

	removed, err := r.cs.db.DeleteReaction(ctx, in.ReactionId, ci.client.user.Id)
	if err != nil {
		r.respondDbError(ci, "delete reaction", err)
		return
	}
	if removed.MessageId != in.MessageId {
		ci.respond(ErrMessageNotFound())
		return
	}

	ci.respond(NoErrOK())
	r.broadcast(&events.ReactionRemoved{
		Scope:      events.In(r.externalId),
		MessageId:  removed.MessageId,
		ReactionId: removed.Id,
	}, nil)
}

func (r *Room) resetIdle() {
	if len(r.clients) == 0 {
		r.killTimer.Reset(r.idleTimeout)
	}
}

func (r *Room) hasClient(c *Client) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	_, ok := r.clients[c]
	return ok
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		r.log.Debug("client not found in room", zap.String("client_id", c.id))
		return false
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Debug("no clients left, starting kill timer")
		r.killTimer.Reset(r.idleTimeout)
	}
	return true
}

func (r *Room) removeAllClientsForUser(userId int) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if userClients, ok := r.userMap[userId]; ok {
		for client := range userClients {
			delete(r.clients, client)
			client.delRoom(r.externalId)
		}
		delete(r.userMap, userId)
	}

	if len(r.clients) == 0 {
		r.killTimer.Reset(r.idleTimeout)
	}
}

// broadcast queues ev for every client in the room except skip.
func (r *Room) broadcast(ev events.Event, skip *Client) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	r.log.Debug("broadcast", zap.String("event", ev.EventName()), zap.Int("clients", len(r.clients)))
	for client := range r.clients {
		if client == skip {
			continue
		}
		client.queueMessage(ev)
	}
}
