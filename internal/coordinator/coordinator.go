// Package coordinator keeps a client's view of its rooms in sync with the
// server. All room state is owned by a single serialized queue; transport
// callbacks, page fetch results and UI operations are all turned into jobs
// on that queue, and the UI reads immutable snapshots.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-teamchat/internal/config"
	"github.com/npezzotti/go-teamchat/internal/events"
	"github.com/npezzotti/go-teamchat/internal/presence"
	"github.com/npezzotti/go-teamchat/internal/reactions"
	"github.com/npezzotti/go-teamchat/internal/registry"
	"github.com/npezzotti/go-teamchat/internal/stats"
	"github.com/npezzotti/go-teamchat/internal/store"
	"github.com/npezzotti/go-teamchat/internal/transport"
	"github.com/npezzotti/go-teamchat/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected  = transport.ErrNotConnected
	ErrRoomNotActive = errors.New("room not active")
	ErrStopped       = errors.New("coordinator stopped")
	ErrEmptyMessage  = errors.New("message has no content")
	ErrNotRetryable  = errors.New("send cannot be retried")
	ErrUnknownSend   = errors.New("unknown send")
)

const (
	MetricReconnects           = "reconnects_total"
	MetricDroppedNotifications = "dropped_notifications_total"

	notificationBuffer = 256
)

// API is the REST surface the coordinator needs.
type API interface {
	store.Fetcher
	ListRooms(ctx context.Context) ([]types.Subscription, error)
}

type Options struct {
	Auth       transport.AuthContext
	JoinPolicy string
	PageSize   int

	FetchTimeout time.Duration
	TypingTTL    time.Duration
	// TypingInterval is the minimum spacing between typing:start intents
	// sent for one room.
	TypingInterval time.Duration
	SweepInterval  time.Duration
	PreviewSize    int

	Transport transport.Options
	Now       func() time.Time
}

func (o *Options) setDefaults() {
	if o.JoinPolicy == "" {
		o.JoinPolicy = config.JoinPolicyKnown
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = presence.DefaultTypingTTL
	}
	if o.TypingInterval <= 0 {
		o.TypingInterval = o.TypingTTL / 2
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// fetch is one outstanding page request. Live events for the room are held
// in deferred until the page is merged.
type fetch struct {
	req      store.PageRequest
	cancel   context.CancelFunc
	deferred []events.Event
	catchUp  bool
}

type Coordinator struct {
	log     *zap.Logger
	stats   stats.StatsProvider
	api     API
	session *transport.Session
	q       *queue
	notes   chan Notification
	done    chan struct{}

	authMu sync.Mutex
	opts   Options

	// owned by the queue
	runCtx        context.Context
	store         *store.Store
	reactions     *reactions.Aggregator
	presence      *presence.Tracker
	registry      *registry.Registry
	rooms         map[string]*types.Room
	inflight      map[string]*fetch
	pending       map[string]*PendingSend
	requests      map[int]events.Intent
	typing        map[string]*rate.Limiter
	nextRequestId int
	state         transport.State
	connectedOnce bool
}

// New builds a coordinator and its transport session. cache may be nil.
func New(log *zap.Logger, sp stats.StatsProvider, dialer transport.Dialer, api API, cache store.Cache, opts Options) *Coordinator {
	opts.setDefaults()

	sp.RegisterCounter(MetricReconnects, "Successful reconnects after a drop or disconnect.")
	sp.RegisterCounter(MetricDroppedNotifications, "Notifications dropped because the consumer fell behind.")

	c := &Coordinator{
		log:      log,
		stats:    sp,
		api:      api,
		q:        newQueue(),
		notes:    make(chan Notification, notificationBuffer),
		done:     make(chan struct{}),
		opts:     opts,
		runCtx:   context.Background(),
		rooms:    make(map[string]*types.Room),
		inflight: make(map[string]*fetch),
		pending:  make(map[string]*PendingSend),
		requests: make(map[int]events.Intent),
		typing:   make(map[string]*rate.Limiter),
		state:    transport.Disconnected,
	}

	c.store = store.New(log, cache, opts.PageSize)
	c.reactions = reactions.NewAggregator(log, sp, opts.PreviewSize)
	c.presence = presence.NewTracker(opts.TypingTTL, opts.Now)
	c.registry = registry.New(log, sp, c, c.store, c.reactions, c.presence)
	c.session = transport.NewSession(log, dialer, c, opts.Transport)
	return c
}

// Notifications is the single outward event stream. Slow consumers lose
// notifications rather than stall the queue.
func (c *Coordinator) Notifications() <-chan Notification {
	return c.notes
}

// Run processes jobs until ctx is done. Operations block until Run is
// started.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)

	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-c.q.wake:
			for _, job := range c.q.drain() {
				job()
			}
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Coordinator) shutdown() {
	for roomId := range c.inflight {
		c.cancelFetch(roomId)
	}
	c.session.Disconnect()
	c.log.Info("coordinator stopped")
}

// do runs f on the queue and waits for its result.
func (c *Coordinator) do(ctx context.Context, f func() error) error {
	errc := make(chan error, 1)
	c.q.push(func() { errc <- f() })

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) publish(n Notification) {
	select {
	case c.notes <- n:
	default:
		c.stats.Incr(MetricDroppedNotifications)
		c.log.Warn("notification dropped", zap.Stringer("kind", n.Kind), zap.String("room_id", n.RoomId))
	}
}

// HandleFrame is called by the transport for every inbound frame.
func (c *Coordinator) HandleFrame(raw []byte) {
	c.q.push(func() { c.onFrame(raw) })
}

// HandleState is called by the transport on every state change.
func (c *Coordinator) HandleState(change transport.StateChange) {
	c.q.push(func() { c.onState(change) })
}

// Send encodes in under a fresh request id and writes it to the session.
// It must run on the queue.
func (c *Coordinator) Send(in events.Intent) (int, error) {
	c.nextRequestId++
	id := c.nextRequestId

	b, err := events.EncodeIntent(id, in)
	if err != nil {
		return 0, err
	}
	if err := c.session.Send(b); err != nil {
		return 0, err
	}
	c.requests[id] = in
	return id, nil
}

func (c *Coordinator) onState(change transport.StateChange) {
	prev := c.state
	c.state = change.To
	c.publish(Notification{
		Kind:           ConnectionChanged,
		State:          change.To,
		Reauthenticate: change.Reauthenticate,
		Err:            change.Err,
	})

	if change.To == transport.Connected {
		c.onConnected()
		return
	}

	if prev == transport.Connected {
		c.onConnectionLost()
	}
	if change.To == transport.Disconnected {
		for roomId := range c.inflight {
			c.cancelFetch(roomId)
		}
	}
}

func (c *Coordinator) onConnected() {
	reconnect := c.connectedOnce
	c.connectedOnce = true
	if reconnect {
		c.stats.Incr(MetricReconnects)
	}

	rooms := c.registry.Rejoin()
	if reconnect {
		for _, roomId := range rooms {
			c.startFetch(roomId, c.store.LatestPageRequest(), true)
		}
	}

	if c.opts.JoinPolicy == config.JoinPolicyKnown {
		c.joinKnownRooms()
	}
}

// onConnectionLost clears what only a live connection can vouch for:
// presence, typing, and unanswered requests.
func (c *Coordinator) onConnectionLost() {
	for _, roomId := range c.presence.Reset() {
		c.publish(Notification{Kind: PresenceChanged, RoomId: roomId})
		c.publish(Notification{Kind: TypingChanged, RoomId: roomId})
	}

	clear(c.requests)
	for _, p := range c.pending {
		if p.State == SendSending {
			p.State = SendUnconfirmed
			c.publishSend(p)
		}
	}
}

func (c *Coordinator) joinKnownRooms() {
	ctx, cancel := context.WithTimeout(c.runCtx, c.opts.FetchTimeout)
	go func() {
		defer cancel()
		subs, err := c.api.ListRooms(ctx)
		c.q.push(func() {
			if err != nil {
				c.log.Warn("listing rooms failed", zap.Error(err))
				c.publish(Notification{Kind: RoomChanged, Err: err})
				return
			}
			for _, sub := range subs {
				room := sub.Room
				roomId := room.ExternalId
				if roomId == "" {
					continue
				}
				if _, ok := c.rooms[roomId]; !ok {
					c.rooms[roomId] = &room
				}
				c.openRoom(roomId)
			}
		})
	}()
}

func (c *Coordinator) onFrame(raw []byte) {
	ev, err := events.DecodeEvent(raw)
	if err != nil {
		c.log.Warn("dropping frame", zap.String("reason", "malformed"), zap.Error(err))
		c.stats.Incr(reactions.MetricAnomalies)
		return
	}

	if resp, ok := ev.(*events.Response); ok {
		c.handleResponse(resp)
		return
	}
	c.route(ev)
}

// route applies ev now, or holds it while a page fetch for its room is
// outstanding.
func (c *Coordinator) route(ev events.Event) {
	if f, ok := c.inflight[ev.Room()]; ok {
		f.deferred = append(f.deferred, ev)
		return
	}
	c.apply(ev)
}

func (c *Coordinator) apply(ev events.Event) {
	if mc, ok := ev.(*events.MessageCreated); ok && mc.Message.ClientId != "" && c.registry.IsActive(mc.Room()) {
		c.delivered(mc.Message.ClientId, mc.Message.Id)
	}

	for _, ch := range c.registry.Dispatch(ev) {
		n := Notification{RoomId: ch.RoomId, MessageId: ch.MessageId, Removed: ch.Removed}
		switch ch.Kind {
		case registry.ChangeMessages:
			n.Kind = MessagesChanged
		case registry.ChangePresence:
			n.Kind = PresenceChanged
		case registry.ChangeTyping:
			n.Kind = TypingChanged
		case registry.ChangeRoom:
			n.Kind = RoomChanged
			if ch.Removed {
				c.releaseRoom(ch.RoomId)
			}
		}
		c.publish(n)
	}
}

func (c *Coordinator) handleResponse(resp *events.Response) {
	in, ok := c.requests[resp.RequestId]
	if !ok {
		c.log.Debug("response for unknown request", zap.Int("request_id", resp.RequestId))
		return
	}
	delete(c.requests, resp.RequestId)
	roomId := in.Room()

	switch in := in.(type) {
	case *events.SendMessage:
		p, ok := c.pending[in.ClientId]
		if !ok || p.RequestId != resp.RequestId {
			return
		}
		if !resp.Succeeded() {
			p.State = SendRejected
			p.Err = resp.Error
			c.publishSend(p)
			return
		}
		if resp.Message != nil {
			msg := *resp.Message
			if msg.ClientId == "" {
				msg.ClientId = in.ClientId
			}
			c.route(&events.MessageCreated{Scope: events.In(roomId), Message: msg})
			return
		}
		if p.State == SendSending {
			p.State = SendAccepted
			c.publishSend(p)
		}

	case *events.JoinRoom:
		if resp.Succeeded() {
			if resp.RoomInfo != nil {
				c.setRoomInfo(roomId, resp.RoomInfo)
			}
			return
		}
		err := &RequestError{Intent: in.IntentName(), Code: resp.Code, Message: resp.Error}
		c.log.Warn("join rejected", zap.String("room_id", roomId), zap.Error(err))
		if resp.Code == 403 || resp.Code == 404 {
			c.registry.Forget(roomId)
			c.releaseRoom(roomId)
			c.publish(Notification{Kind: RoomChanged, RoomId: roomId, Removed: true, Err: err})
		}

	default:
		if !resp.Succeeded() {
			err := &RequestError{Intent: in.IntentName(), Code: resp.Code, Message: resp.Error}
			c.log.Debug("intent rejected", zap.String("room_id", roomId), zap.Error(err))
			c.publish(Notification{Kind: MessagesChanged, RoomId: roomId, Err: err})
		}
	}
}

func (c *Coordinator) setRoomInfo(roomId string, info *types.Room) {
	c.rooms[roomId] = info
	c.publish(Notification{Kind: RoomChanged, RoomId: roomId})

	changed := false
	for _, m := range info.Members {
		if !m.IsPresent {
			continue
		}
		if c.presence.SetOnline(types.PresenceEntry{RoomId: roomId, UserId: m.UserId, DisplayName: m.Username}) {
			changed = true
		}
	}
	if changed {
		c.publish(Notification{Kind: PresenceChanged, RoomId: roomId})
	}
}

func (c *Coordinator) publishSend(p *PendingSend) {
	cp := *p
	c.publish(Notification{Kind: MessagesChanged, RoomId: p.RoomId, MessageId: p.MessageId, Send: &cp})
}

func (c *Coordinator) delivered(clientId, messageId string) {
	p, ok := c.pending[clientId]
	if !ok {
		return
	}
	delete(c.pending, clientId)
	p.State = SendDelivered
	p.MessageId = messageId
	c.publishSend(p)
}

// releaseRoom drops coordinator-side state for a room the registry has
// already deactivated.
func (c *Coordinator) releaseRoom(roomId string) {
	c.cancelFetch(roomId)
	delete(c.rooms, roomId)
	delete(c.typing, roomId)
	for id, p := range c.pending {
		if p.RoomId == roomId {
			delete(c.pending, id)
		}
	}
}

// startFetch requests req for roomId unless a fetch is already running, in
// which case a catch-up request is remembered for when it completes.
func (c *Coordinator) startFetch(roomId string, req store.PageRequest, catchUp bool) {
	if f, ok := c.inflight[roomId]; ok {
		f.catchUp = f.catchUp || catchUp
		return
	}

	parent := c.registry.RoomContext(roomId)
	if parent == nil {
		return
	}

	ctx, cancel := context.WithTimeout(parent, c.opts.FetchTimeout)
	f := &fetch{req: req, cancel: cancel}
	c.inflight[roomId] = f

	go func() {
		defer cancel()
		page, err := c.api.FetchPage(ctx, roomId, req)
		c.q.push(func() { c.finishFetch(roomId, f, page, err) })
	}()
}

// cancelFetch abandons the room's outstanding fetch. Events it held are
// applied since they arrived over the live connection.
func (c *Coordinator) cancelFetch(roomId string) {
	f, ok := c.inflight[roomId]
	if !ok {
		return
	}
	delete(c.inflight, roomId)
	f.cancel()

	if c.registry.IsActive(roomId) {
		for _, ev := range f.deferred {
			c.apply(ev)
		}
	}
}

func (c *Coordinator) finishFetch(roomId string, f *fetch, page store.Page, err error) {
	if c.inflight[roomId] != f {
		c.log.Debug("discarding stale page", zap.String("room_id", roomId))
		return
	}
	delete(c.inflight, roomId)

	if err != nil {
		c.log.Warn("page fetch failed", zap.String("room_id", roomId), zap.Error(err))
		c.publish(Notification{Kind: MessagesChanged, RoomId: roomId, Err: fmt.Errorf("%w: %w", store.ErrFetchFailed, err)})
	} else {
		c.mergePage(roomId, f.req, page)
	}

	for _, ev := range f.deferred {
		c.apply(ev)
	}
	if f.catchUp {
		c.startFetch(roomId, c.store.LatestPageRequest(), false)
	}
}

func (c *Coordinator) mergePage(roomId string, req store.PageRequest, page store.Page) {
	c.store.MergePage(roomId, req, page)
	for _, msg := range page.Messages {
		if msg.Deleted {
			c.reactions.ReleaseMessage(roomId, msg.Id)
			continue
		}
		c.reactions.Replace(roomId, msg.Id, msg.Reactions)
		if msg.ClientId != "" {
			c.delivered(msg.ClientId, msg.Id)
		}
	}
	c.publish(Notification{Kind: MessagesChanged, RoomId: roomId})
}

func (c *Coordinator) sweep() {
	for _, roomId := range c.presence.Sweep() {
		c.publish(Notification{Kind: TypingChanged, RoomId: roomId})
	}
}

// openRoom joins roomId and, on first join, seeds it from the cache and
// requests its newest page.
func (c *Coordinator) openRoom(roomId string) {
	joined, err := c.registry.Join(c.runCtx, roomId)
	if err != nil {
		c.log.Debug("join deferred until connected", zap.String("room_id", roomId), zap.Error(err))
	}

	if joined {
		if n := c.store.Warm(roomId); n > 0 {
			c.log.Debug("room warmed from cache", zap.String("room_id", roomId), zap.Int("messages", n))
		}
		c.publish(Notification{Kind: RoomChanged, RoomId: roomId})
		c.publish(Notification{Kind: MessagesChanged, RoomId: roomId})
	}
	if !c.store.Loaded(roomId) {
		c.startFetch(roomId, c.store.LatestPageRequest(), false)
	}
}
