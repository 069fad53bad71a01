package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrSendQueueFull  = errors.New("send queue full")
	ErrAuthRejected   = errors.New("authentication rejected")
	ErrReauthenticate = errors.New("reauthentication required")
	ErrClosed         = errors.New("session closed")
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultSendBuffer     = 256
)

// AuthContext is presented on every handshake.
type AuthContext struct {
	Token     string
	Workspace string
}

type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	WritePing() error
	Close() error
}

// Dialer opens a connection. Implementations wrap ErrAuthRejected when the
// server refuses the credentials.
type Dialer interface {
	Dial(ctx context.Context, auth AuthContext) (Conn, error)
}

type StateChange struct {
	From           State
	To             State
	Attempt        int
	Delay          time.Duration
	Reauthenticate bool
	Err            error
}

type Handler interface {
	HandleFrame(raw []byte)
	HandleState(change StateChange)
}

type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Options struct {
	Backoff        Backoff
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	AfterFunc      AfterFunc
}

// Session owns one logical connection to the chat server and keeps it alive
// across drops until Disconnect is called or reconnects are exhausted.
type Session struct {
	id      string
	log     *zap.Logger
	dialer  Dialer
	handler Handler
	opts    Options

	// transitionMu orders state changes with their notifications.
	transitionMu sync.Mutex

	mu            sync.Mutex
	state         State
	auth          AuthContext
	attempts      int
	gen           uint64
	conn          Conn
	send          chan []byte
	stop          chan struct{}
	retry         Timer
	ctx           context.Context
	cancel        context.CancelFunc
	lastConnected time.Time
}

func NewSession(log *zap.Logger, dialer Dialer, handler Handler, opts Options) *Session {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}

	id := uuid.NewString()
	return &Session{
		id:      id,
		log:     log.With(zap.String("session_id", id)),
		dialer:  dialer,
		handler: handler,
		opts:    opts,
		state:   Disconnected,
	}
}

func (s *Session) Id() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) LastConnected() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConnected
}

// transition must be called with s.mu held.
func (s *Session) transition(t Trigger) (StateChange, error) {
	from := s.state
	to, err := Transition(from, t)
	if err != nil {
		return StateChange{}, err
	}
	s.state = to
	return StateChange{From: from, To: to, Attempt: s.attempts}, nil
}

func (s *Session) emit(change StateChange) {
	s.log.Info("connection state changed",
		zap.Stringer("from", change.From),
		zap.Stringer("to", change.To),
		zap.Int("attempt", change.Attempt),
		zap.Duration("delay", change.Delay),
		zap.Error(change.Err),
	)
	if s.handler != nil {
		s.handler.HandleState(change)
	}
}

// Connect authenticates and opens the connection. It performs the first
// attempt synchronously; when that attempt fails with a transient error a
// reconnect is scheduled and the error is returned. Calling Connect on a
// session that is already connected or reconnecting is a no-op.
func (s *Session) Connect(ctx context.Context, auth AuthContext) error {
	s.transitionMu.Lock()
	s.mu.Lock()
	if s.state != Disconnected && s.state != Failed {
		s.mu.Unlock()
		s.transitionMu.Unlock()
		return nil
	}

	change, err := s.transition(TriggerConnect)
	if err != nil {
		s.mu.Unlock()
		s.transitionMu.Unlock()
		return err
	}
	s.auth = auth
	s.attempts = 0
	s.gen++
	gen := s.gen
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.emit(change)
	s.transitionMu.Unlock()

	return s.attempt(ctx, gen)
}

func (s *Session) attempt(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	auth := s.auth
	lifetime := s.ctx
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	stopLifetime := context.AfterFunc(lifetime, cancel)
	conn, dialErr := s.dialer.Dial(dialCtx, auth)
	stopLifetime()
	cancel()

	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	if gen != s.gen || s.state != Connecting {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}

	if dialErr == nil {
		change, _ := s.transition(TriggerEstablished)
		s.attempts = 0
		s.lastConnected = time.Now()
		s.conn = conn
		s.send = make(chan []byte, s.opts.SendBuffer)
		s.stop = make(chan struct{})
		go s.writeLoop(gen, conn, s.send, s.stop)
		go s.readLoop(gen, conn)
		s.mu.Unlock()

		s.emit(change)
		return nil
	}

	if errors.Is(dialErr, ErrAuthRejected) {
		change, _ := s.transition(TriggerAuthRejected)
		s.mu.Unlock()

		change.Reauthenticate = true
		change.Err = dialErr
		s.emit(change)
		return fmt.Errorf("%w: %w", ErrReauthenticate, dialErr)
	}

	change := s.scheduleRetryLocked(TriggerConnectFailed, dialErr)
	s.mu.Unlock()

	s.emit(change)
	return dialErr
}

// scheduleRetryLocked moves the session to Reconnecting and arms the retry
// timer, or to Failed once the attempt budget is spent. s.mu must be held.
func (s *Session) scheduleRetryLocked(t Trigger, cause error) StateChange {
	if s.opts.Backoff.Exhausted(s.attempts) {
		if t == TriggerDropped {
			// a dropped connection passes through Reconnecting first
			s.transition(TriggerDropped)
		}
		change, _ := s.transition(TriggerGiveUp)
		change.Err = cause
		return change
	}

	delay := s.opts.Backoff.Delay(s.attempts)
	s.attempts++
	change, _ := s.transition(t)
	change.Attempt = s.attempts
	change.Delay = delay
	change.Err = cause

	gen := s.gen
	s.retry = s.opts.AfterFunc(delay, func() { s.retryNow(gen) })
	return change
}

func (s *Session) retryNow(gen uint64) {
	s.transitionMu.Lock()
	s.mu.Lock()
	if gen != s.gen || s.state != Reconnecting {
		s.mu.Unlock()
		s.transitionMu.Unlock()
		return
	}
	change, _ := s.transition(TriggerRetry)
	s.retry = nil
	ctx := s.ctx
	s.mu.Unlock()
	s.emit(change)
	s.transitionMu.Unlock()

	if err := s.attempt(ctx, gen); err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warn("reconnect attempt failed", zap.Error(err))
	}
}

// Retry restarts a session that gave up. It is the manual retry required
// after Failed.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	auth := s.auth
	state := s.state
	s.mu.Unlock()

	if state != Failed {
		return nil
	}
	return s.Connect(ctx, auth)
}

// Disconnect closes the connection and cancels any pending reconnect and
// in-flight dial. It is safe to call more than once.
func (s *Session) Disconnect() {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	s.gen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConnLocked()
	s.attempts = 0

	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	change, _ := s.transition(TriggerDisconnect)
	s.mu.Unlock()

	s.emit(change)
}

func (s *Session) closeConnLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.send = nil
}

// Send queues b for the current connection. It never buffers across
// connections: when the session is not connected the frame is rejected.
func (s *Session) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connected || s.send == nil {
		return ErrNotConnected
	}

	select {
	case s.send <- b:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *Session) drop(gen uint64, cause error) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	if gen != s.gen || s.state != Connected {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.closeConnLocked()
	change := s.scheduleRetryLocked(TriggerDropped, cause)
	s.mu.Unlock()

	s.emit(change)
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			s.drop(gen, err)
			return
		}
		if s.handler != nil {
			s.handler.HandleFrame(raw)
		}
	}
}

func (s *Session) writeLoop(gen uint64, conn Conn, send <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case b := <-send:
			if err := conn.WriteMessage(b); err != nil {
				s.drop(gen, err)
				return
			}
		case <-ticker.C:
			if err := conn.WritePing(); err != nil {
				s.drop(gen, err)
				return
			}
		case <-stop:
			return
		}
	}
}
