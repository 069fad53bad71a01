// Package server runs the websocket side of the chat service: one goroutine
// per loaded room owns its membership and serialises everything said in it.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/npezzotti/go-teamchat/internal/database"
	"github.com/npezzotti/go-teamchat/internal/dedupe"
	"github.com/npezzotti/go-teamchat/internal/notify"
	"github.com/npezzotti/go-teamchat/internal/stats"
	"go.uber.org/zap"
)

const (
	MetricActiveClients     = "active_clients"
	MetricActiveRooms       = "active_rooms"
	MetricMessagesPublished = "messages_published_total"
	MetricDuplicateSends    = "duplicate_sends_total"
	MetricNotifyFailures    = "notify_failures_total"

	DefaultIdleRoomTimeout = 5 * time.Second

	dbTimeout = 5 * time.Second
)

type Options struct {
	Dedupe          dedupe.Store
	Notify          notify.Publisher
	IdleRoomTimeout time.Duration
}

type exitReason int

const (
	exitShutdown exitReason = iota
	exitUnload
	exitDeleted
)

type exitReq struct {
	reason exitReason
	done   chan struct{}
}

type unloadRoomRequest struct {
	roomId string
	room   *Room
}

type deleteRoomRequest struct {
	roomId string
	done   chan struct{}
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log            *zap.Logger
	db             database.ChatRepository
	stats          stats.StatsProvider
	dedupe         dedupe.Store
	notify         notify.Publisher
	idleTimeout    time.Duration
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *clientIntent
	registerChan   chan *Client
	deregisterChan chan *Client
	unloadRoomChan chan unloadRoomRequest
	deleteRoomChan chan deleteRoomRequest
	rooms          map[string]*Room
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *zap.Logger, db database.ChatRepository, sp stats.StatsProvider, opts Options) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("chat server needs a repository")
	}
	if opts.Dedupe == nil {
		opts.Dedupe = dedupe.NewMemory(dedupe.DefaultTTL, nil)
	}
	if opts.Notify == nil {
		opts.Notify = notify.Nop{}
	}
	if opts.IdleRoomTimeout <= 0 {
		opts.IdleRoomTimeout = DefaultIdleRoomTimeout
	}

	sp.RegisterMetric(MetricActiveClients, "Connected websocket clients.")
	sp.RegisterMetric(MetricActiveRooms, "Rooms loaded in memory.")
	sp.RegisterCounter(MetricMessagesPublished, "Messages stored and broadcast.")
	sp.RegisterCounter(MetricDuplicateSends, "Resent messages answered from the dedupe store.")
	sp.RegisterCounter(MetricNotifyFailures, "Message notifications that could not be published.")

	return &ChatServer{
		log:            logger,
		db:             db,
		stats:          sp,
		dedupe:         opts.Dedupe,
		notify:         opts.Notify,
		idleTimeout:    opts.IdleRoomTimeout,
		clients:        make(map[*Client]struct{}),
		joinChan:       make(chan *clientIntent, 256),
		registerChan:   make(chan *Client, 64),
		deregisterChan: make(chan *Client, 64),
		unloadRoomChan: make(chan unloadRoomRequest, 64),
		deleteRoomChan: make(chan deleteRoomRequest),
		rooms:          make(map[string]*Room),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	cs.log.Info("chat server started")
	for {
		select {
		case join := <-cs.joinChan:
			cs.handleJoin(join)
		case client := <-cs.registerChan:
			cs.log.Debug("adding connection", zap.String("user", client.user.Username), zap.String("client_id", client.id))
			cs.addClient(client)
		case client := <-cs.deregisterChan:
			cs.log.Debug("removing connection", zap.String("user", client.user.Username), zap.String("client_id", client.id))
			cs.removeClient(client)
		case req := <-cs.unloadRoomChan:
			if r, ok := cs.rooms[req.roomId]; ok && r == req.room {
				cs.exitRoom(r, exitUnload)
			}
		case req := <-cs.deleteRoomChan:
			if r, ok := cs.rooms[req.roomId]; ok {
				cs.exitRoom(r, exitDeleted)
			}
			close(req.done)
		case req := <-cs.stop:
			cs.log.Info("shutting down rooms", zap.Int("rooms", len(cs.rooms)))
			for _, r := range cs.rooms {
				cs.exitRoom(r, exitShutdown)
			}

			close(cs.done)
			close(req.done)
			return
		}
	}
}

// handleJoin forwards a join to its room, loading the room first when it
// is not in memory.
func (cs *ChatServer) handleJoin(join *clientIntent) {
	roomId := join.roomId()
	if room, ok := cs.rooms[roomId]; ok {
		select {
		case room.joinChan <- join:
		default:
			cs.log.Warn("join channel full", zap.String("room_id", roomId))
			join.respond(ErrServiceUnavailable())
		}
		return
	}

	room, err := cs.loadRoom(roomId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			join.respond(ErrRoomNotFound())
			return
		}
		cs.log.Error("load room", zap.String("room_id", roomId), zap.Error(err))
		join.respond(ErrInternalError())
		return
	}

	cs.rooms[roomId] = room
	cs.stats.Incr(MetricActiveRooms)
	room.joinChan <- join

	go room.start()
}

func (cs *ChatServer) loadRoom(externalId string) (*Room, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	dbRoom, err := cs.db.GetRoomByExternalId(ctx, externalId)
	if err != nil {
		return nil, err
	}

	withSubs, err := cs.db.GetRoomWithSubscribers(ctx, dbRoom.Id)
	if err != nil {
		return nil, err
	}

	return newRoom(cs, *withSubs), nil
}

// exitRoom stops r and waits for it to finish.
func (cs *ChatServer) exitRoom(r *Room, reason exitReason) {
	cs.unloadRoom(r.externalId)
	done := make(chan struct{})
	r.exit <- exitReq{reason: reason, done: done}
	<-done
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; ok {
		return
	}
	cs.clients[c] = struct{}{}
	cs.stats.Incr(MetricActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.stats.Decr(MetricActiveClients)
}

func (cs *ChatServer) unloadRoom(roomId string) {
	if _, ok := cs.rooms[roomId]; ok {
		cs.log.Debug("unloading room", zap.String("room_id", roomId))
		delete(cs.rooms, roomId)
		cs.stats.Decr(MetricActiveRooms)
	}
}

// RegisterClient adds c to the set of connected clients.
func (cs *ChatServer) RegisterClient(c *Client) {
	select {
	case cs.registerChan <- c:
	case <-cs.done:
	}
}

// DeleteRoom tells everyone in a loaded room that it was deleted and
// unloads it. The caller removes the room from the database.
func (cs *ChatServer) DeleteRoom(ctx context.Context, roomId string) error {
	req := deleteRoomRequest{roomId: roomId, done: make(chan struct{})}
	select {
	case cs.deleteRoomChan <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown disconnects every client and waits for the rooms to exit.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")
	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
