package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-teamchat/internal/database"
	"github.com/npezzotti/go-teamchat/internal/events"
	"github.com/npezzotti/go-teamchat/internal/stats"
	"github.com/npezzotti/go-teamchat/internal/testutil"
	"github.com/npezzotti/go-teamchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewChatServer(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything, mock.Anything).Return().Times(2)
	su.On("RegisterCounter", mock.Anything, mock.Anything).Return().Times(3)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su, Options{})
	require.NoError(t, err)
	assert.Equal(t, logger, cs.log)
	assert.Equal(t, DefaultIdleRoomTimeout, cs.idleTimeout)
	assert.NotNil(t, cs.dedupe, "expected an in-memory dedupe store by default")
	assert.NotNil(t, cs.notify)
	assert.NotNil(t, cs.joinChan)
	assert.NotNil(t, cs.unloadRoomChan)
	assert.NotNil(t, cs.rooms)

	_, err = NewChatServer(logger, nil, su, Options{})
	assert.Error(t, err)
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, nil)
		go cs.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, cs.Shutdown(ctx))
		assert.NoError(t, cs.Shutdown(ctx), "a second shutdown is a no-op")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestHandleJoinRoomNotFound(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	db.On("GetRoomByExternalId", "missing").Return(database.Room{}, database.ErrNotFound).Once()

	cs := newTestChatServer(t, db, nil)
	c := newTestClient(t, cs, 1, "alice")

	cs.handleJoin(&clientIntent{id: 1, intent: &events.JoinRoom{Scope: events.In("missing")}, client: c, at: testNow})

	resp := onlyResponse(t, c)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Empty(t, cs.rooms)
}

func mockLoadRoom(db *database.MockChatRepository) {
	room := database.Room{Id: 1, ExternalId: testRoom, Name: "general", Kind: types.RoomKindGeneral, Workspace: "acme"}
	db.On("GetRoomByExternalId", testRoom).Return(room, nil)
	withSubs := room
	withSubs.Subscriptions = []database.Subscription{member(1, "alice", types.RoleOwner)}
	db.On("GetRoomWithSubscribers", 1).Return(&withSubs, nil)
}

func receive(t *testing.T, c *Client) events.Event {
	t.Helper()
	select {
	case ev := <-c.send:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func TestChatServerLoadsRoomAndDeletesIt(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	mockLoadRoom(db)

	cs := newTestChatServer(t, db, nil)
	go cs.Run()
	defer cs.Shutdown(context.Background())

	c := newTestClient(t, cs, 1, "alice")
	cs.joinChan <- &clientIntent{id: 7, intent: &events.JoinRoom{Scope: events.In(testRoom)}, client: c, at: testNow}

	resp, ok := receive(t, c).(*events.Response)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 7, resp.RequestId)
	require.NotNil(t, resp.RoomInfo)
	assert.Equal(t, "general", resp.RoomInfo.Name)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.DeleteRoom(ctx, testRoom))

	assert.IsType(t, &events.RoomDeleted{}, receive(t, c))
	assert.Nil(t, c.getRoom(testRoom))
}

func TestChatServerUnloadsIdleRoom(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	mockLoadRoom(db)

	cs, err := NewChatServer(testutil.TestLogger(t), db, stats.Nop{}, Options{IdleRoomTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	go cs.Run()
	defer cs.Shutdown(context.Background())

	c := newTestClient(t, cs, 1, "alice")
	cs.joinChan <- &clientIntent{id: 1, intent: &events.JoinRoom{Scope: events.In(testRoom)}, client: c, at: testNow}
	receive(t, c)

	room := c.getRoom(testRoom)
	require.NotNil(t, room)
	c.leaveRoom(&clientIntent{id: 2, intent: &events.LeaveRoom{Scope: events.In(testRoom)}, client: c, at: testNow})
	receive(t, c)

	select {
	case <-room.done:
	case <-time.After(time.Second):
		t.Fatal("expected the idle room to be unloaded")
	}
}

// serveWs upgrades a test connection for user and runs its pumps.
func serveWs(cs *ChatServer, user types.User) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(user, conn, cs, cs.log)
		cs.RegisterClient(client)
		go client.Write()
		go client.Read()
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := events.DecodeEvent(raw)
	require.NoError(t, err)
	return ev
}

func writeIntent(t *testing.T, conn *websocket.Conn, id int, in events.Intent) {
	t.Helper()
	raw, err := events.EncodeIntent(id, in)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestChatServer_Integration(t *testing.T) {
	db := &database.MockChatRepository{}
	mockLoadRoom(db)
	db.On("CreateMessage", mock.Anything).Return(storedMessage("m1", "c-1", 1, "hello"), nil).Once()

	cs := newTestChatServer(t, db, nil)
	go cs.Run()

	srv := httptest.NewServer(serveWs(cs, types.User{Id: 1, Username: "alice", Workspace: "acme"}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	writeIntent(t, conn, 1, &events.JoinRoom{Scope: events.In(testRoom)})
	resp, ok := readEvent(t, conn).(*events.Response)
	require.True(t, ok)
	assert.Equal(t, 1, resp.RequestId)
	assert.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, resp.RoomInfo)

	writeIntent(t, conn, 2, &events.SendMessage{Scope: events.In(testRoom), ClientId: "c-1", Content: "hello"})
	resp, ok = readEvent(t, conn).(*events.Response)
	require.True(t, ok)
	assert.Equal(t, 2, resp.RequestId)
	assert.Equal(t, http.StatusAccepted, resp.Code)

	created, ok := readEvent(t, conn).(*events.MessageCreated)
	require.True(t, ok)
	assert.Equal(t, testRoom, created.Room())
	assert.Equal(t, "m1", created.Message.Id)
	assert.Equal(t, "c-1", created.Message.ClientId)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"nope","room_id":"x","id":3}`)))
	resp, ok = readEvent(t, conn).(*events.Response)
	require.True(t, ok)
	assert.Equal(t, 3, resp.RequestId)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))
	db.AssertExpectations(t)
}
