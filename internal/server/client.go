package server

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-teamchat/internal/events"
	"github.com/npezzotti/go-teamchat/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024

	intentRate  = 20
	intentBurst = 40
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zap.Logger
	user       types.User
	send       chan events.Event
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	limiter    *rate.Limiter
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With(zap.Int("user_id", user.Id), zap.String("client_id", id)),
		user:       user,
		send:       make(chan events.Event, 256),
		rooms:      make(map[string]*Room),
		limiter:    rate.NewLimiter(intentRate, intentBurst),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case ev := <-c.send:
			bytes, err := c.serializeMessage(ev)
			if err != nil {
				c.log.Error("failed to serialize event", zap.String("event", ev.EventName()), zap.Error(err))
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("ws read", zap.Error(err))
			}
			return
		}

		c.handleFrame(raw)
	}
}

// handleFrame decodes one client frame and routes the intent it carries.
func (c *Client) handleFrame(raw []byte) {
	id, in, err := events.DecodeIntent(raw)
	if err != nil {
		c.log.Warn("dropping client frame", zap.String("reason", "malformed"), zap.Error(err))
		resp := ErrInvalidMessage("")
		if errors.Is(err, events.ErrUnknownIntent) {
			resp = ErrInvalidMessage("unknown intent")
		}
		resp.RequestId = id
		c.queueMessage(resp)
		return
	}

	ci := &clientIntent{id: id, intent: in, client: c, at: events.Now()}
	if !c.limiter.Allow() {
		ci.respond(ErrTooManyRequests())
		return
	}

	switch in.(type) {
	case *events.JoinRoom:
		c.joinRoom(ci)
	case *events.LeaveRoom:
		c.leaveRoom(ci)
	default:
		r := c.getRoom(ci.roomId())
		if r == nil {
			ci.respond(ErrNotJoined())
			return
		}
		select {
		case r.intentChan <- ci:
		default:
			c.log.Warn("intent channel full", zap.String("room_id", r.externalId))
			ci.respond(ErrServiceUnavailable())
		}
	}
}

// queueMessage hands ev to the write pump without blocking. A client that
// cannot keep up misses events and catches up from history.
func (c *Client) queueMessage(ev events.Event) bool {
	select {
	case c.send <- ev:
	default:
		c.log.Warn("send channel full, dropping event", zap.String("event", ev.EventName()))
		return false
	}

	return true
}

func (c *Client) serializeMessage(ev events.Event) ([]byte, error) {
	return events.EncodeEvent(ev)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	select {
	case c.chatServer.deregisterChan <- c:
	case <-c.chatServer.done:
	}
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsLock.RUnlock()

	for _, room := range rooms {
		leave := &clientIntent{
			intent: &events.LeaveRoom{Scope: events.In(room.externalId)},
			client: c,
			at:     events.Now(),
		}
		select {
		case room.leaveChan <- leave:
		case <-room.done:
		}
	}
}

func (c *Client) joinRoom(ci *clientIntent) {
	select {
	case c.chatServer.joinChan <- ci:
	default:
		c.log.Warn("join channel full")
		ci.respond(ErrServiceUnavailable())
	}
}

func (c *Client) leaveRoom(ci *clientIntent) {
	r := c.getRoom(ci.roomId())
	if r == nil {
		ci.respond(ErrNotJoined())
		return
	}

	select {
	case r.leaveChan <- ci:
	default:
		c.log.Warn("leave channel full", zap.String("room_id", r.externalId))
		ci.respond(ErrServiceUnavailable())
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	c.rooms[r.externalId] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	return c.rooms[id]
}
