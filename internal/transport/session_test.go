package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-teamchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, b)
	return nil
}

func (c *fakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) WritePing() error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	results []error
	calls   int
	conns   []*fakeConn
	auths   []AuthContext
}

func (d *fakeDialer) Dial(_ context.Context, auth AuthContext) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.calls
	d.calls++
	d.auths = append(d.auths, auth)
	if i < len(d.results) && d.results[i] != nil {
		return nil, d.results[i]
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) Last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[len(s.timers)-1]
}

type recordingHandler struct {
	mu      sync.Mutex
	changes []StateChange
	frames  chan []byte
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{frames: make(chan []byte, 16)}
}

func (h *recordingHandler) HandleFrame(raw []byte) { h.frames <- raw }

func (h *recordingHandler) HandleState(c StateChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, c)
}

func (h *recordingHandler) Changes() []StateChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]StateChange(nil), h.changes...)
}

func (h *recordingHandler) Last() StateChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changes[len(h.changes)-1]
}

func newTestSession(t *testing.T, d Dialer, h Handler, sched *fakeScheduler, maxAttempts int) *Session {
	s := NewSession(testutil.TestLogger(t), d, h, Options{
		Backoff:   Backoff{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: maxAttempts},
		AfterFunc: sched.AfterFunc,
	})
	t.Cleanup(s.Disconnect)
	return s
}

var auth = AuthContext{Token: "tok", Workspace: "acme"}

func TestSessionBackoffScenario(t *testing.T) {
	d := &fakeDialer{results: []error{errRefused, errRefused, errRefused, nil}}
	h := newRecordingHandler()
	sched := &fakeScheduler{}
	s := newTestSession(t, d, h, sched, 5)

	err := s.Connect(context.Background(), auth)
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, Reconnecting, s.State())

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		timer := sched.Last()
		delays = append(delays, timer.d)
		timer.f()
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
	assert.Equal(t, Connected, s.State())
	assert.Equal(t, 0, s.Attempts(), "successful connect resets the attempt counter")
	assert.Equal(t, 4, d.Calls())
	assert.Equal(t, auth, d.auths[3], "every attempt presents the same credentials")
	assert.False(t, s.LastConnected().IsZero())
}

func TestSessionGivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{results: []error{errRefused, errRefused, errRefused, nil}}
	h := newRecordingHandler()
	sched := &fakeScheduler{}
	s := newTestSession(t, d, h, sched, 2)

	s.Connect(context.Background(), auth)
	sched.Last().f()
	sched.Last().f()

	assert.Equal(t, Failed, s.State())
	assert.Equal(t, 2, sched.Len(), "no retry is scheduled after giving up")
	assert.False(t, h.Last().Reauthenticate)

	require.NoError(t, s.Retry(context.Background()))
	assert.Equal(t, Connected, s.State(), "manual retry reconnects")
}

func TestSessionAuthRejected(t *testing.T) {
	d := &fakeDialer{results: []error{fmt.Errorf("%w: 401 Unauthorized", ErrAuthRejected)}}
	h := newRecordingHandler()
	sched := &fakeScheduler{}
	s := newTestSession(t, d, h, sched, 5)

	err := s.Connect(context.Background(), auth)
	assert.ErrorIs(t, err, ErrReauthenticate)
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, Failed, s.State())
	assert.Equal(t, 0, sched.Len(), "auth failures are never retried")
	assert.True(t, h.Last().Reauthenticate)
	assert.Equal(t, 1, d.Calls())

	s.mu.Lock()
	failed := s.ctx
	s.mu.Unlock()

	require.NoError(t, s.Connect(context.Background(), AuthContext{Token: "fresh", Workspace: "acme"}))
	assert.Equal(t, Connected, s.State())
	assert.ErrorIs(t, failed.Err(), context.Canceled, "reconnecting ends the previous connection lifetime")
}

func TestSessionSend(t *testing.T) {
	d := &fakeDialer{}
	h := newRecordingHandler()
	s := newTestSession(t, d, h, &fakeScheduler{}, 5)

	assert.ErrorIs(t, s.Send([]byte("early")), ErrNotConnected)

	require.NoError(t, s.Connect(context.Background(), auth))
	require.NoError(t, s.Send([]byte("hello")))

	conn := d.Conn(0)
	assert.Eventually(t, func() bool {
		w := conn.Written()
		return len(w) == 1 && string(w[0]) == "hello"
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, conn.Written(), 1, "frames sent before connecting are never replayed")
}

func TestSessionDeliversFrames(t *testing.T) {
	d := &fakeDialer{}
	h := newRecordingHandler()
	s := newTestSession(t, d, h, &fakeScheduler{}, 5)
	require.NoError(t, s.Connect(context.Background(), auth))

	d.Conn(0).in <- []byte(`{"event":"typing:start"}`)
	select {
	case raw := <-h.frames:
		assert.Equal(t, `{"event":"typing:start"}`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestSessionDropReconnects(t *testing.T) {
	d := &fakeDialer{}
	h := newRecordingHandler()
	sched := &fakeScheduler{}
	s := newTestSession(t, d, h, sched, 5)
	require.NoError(t, s.Connect(context.Background(), auth))

	d.Conn(0).Close()
	assert.Eventually(t, func() bool { return s.State() == Reconnecting }, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Second, sched.Last().d, "first delay after a drop starts from base")
	assert.ErrorIs(t, s.Send([]byte("x")), ErrNotConnected)

	sched.Last().f()
	assert.Equal(t, Connected, s.State())
	assert.Equal(t, 2, d.Calls())
	changes := h.Changes()
	assert.Equal(t, Reconnecting, changes[len(changes)-2].From, "reconnect passes through connecting")
}

func TestSessionDisconnectCancelsRetry(t *testing.T) {
	d := &fakeDialer{results: []error{errRefused}}
	h := newRecordingHandler()
	sched := &fakeScheduler{}
	s := newTestSession(t, d, h, sched, 5)

	s.Connect(context.Background(), auth)
	timer := sched.Last()

	s.Disconnect()
	assert.True(t, timer.stopped)
	assert.Equal(t, Disconnected, s.State())

	// a timer that already fired must not resurrect the session
	timer.f()
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, d.Calls())

	s.Disconnect()
	assert.Equal(t, Disconnected, h.Last().To)
}

func TestSessionConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(t, d, newRecordingHandler(), &fakeScheduler{}, 5)

	require.NoError(t, s.Connect(context.Background(), auth))
	require.NoError(t, s.Connect(context.Background(), auth))
	assert.Equal(t, 1, d.Calls())
}
