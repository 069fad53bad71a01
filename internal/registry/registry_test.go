package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-teamchat/internal/events"
	"github.com/npezzotti/go-teamchat/internal/presence"
	"github.com/npezzotti/go-teamchat/internal/reactions"
	"github.com/npezzotti/go-teamchat/internal/stats"
	"github.com/npezzotti/go-teamchat/internal/store"
	"github.com/npezzotti/go-teamchat/internal/testutil"
	"github.com/npezzotti/go-teamchat/internal/types"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []events.Intent
	err  error
}

func (s *fakeSender) Send(in events.Intent) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.sent = append(s.sent, in)
	return len(s.sent), nil
}

func (s *fakeSender) names() []string {
	out := make([]string, len(s.sent))
	for i, in := range s.sent {
		out[i] = in.IntentName() + " " + in.Room()
	}
	return out
}

type fixture struct {
	reg      *Registry
	sender   *fakeSender
	store    *store.Store
	agg      *reactions.Aggregator
	presence *presence.Tracker
	stats    *stats.StatsUpdater
}

func newFixture(t *testing.T) *fixture {
	log := testutil.TestLogger(t)
	su := stats.NewStatsUpdater(nil, "test")
	f := &fixture{
		sender:   &fakeSender{},
		store:    store.New(log, nil, 50),
		agg:      reactions.NewAggregator(log, su, 3),
		presence: presence.NewTracker(5*time.Second, nil),
		stats:    su,
	}
	f.reg = New(log, su, f.sender, f.store, f.agg, f.presence)
	return f
}

func (f *fixture) dropped() float64 {
	return promtestutil.ToFloat64(f.stats.Counter(MetricDroppedEvents))
}

func message(id string) types.Message {
	return types.Message{Id: id, SenderId: 1, Content: id, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newFixture(t)

	joined, err := f.reg.Join(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, joined)

	joined, err = f.reg.Join(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, joined)

	assert.Equal(t, []string{"room:join r1"}, f.sender.names())
	assert.True(t, f.reg.IsActive("r1"))
}

func TestJoinWhileDisconnectedStaysActive(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("not connected")

	joined, err := f.reg.Join(context.Background(), "r1")
	assert.Error(t, err)
	assert.True(t, joined)
	assert.True(t, f.reg.IsActive("r1"))

	f.sender.err = nil
	assert.Equal(t, []string{"r1"}, f.reg.Rejoin())
	assert.Equal(t, []string{"room:join r1"}, f.sender.names())
}

func TestLeaveReleasesState(t *testing.T) {
	f := newFixture(t)
	f.reg.Join(context.Background(), "r1")
	ctx := f.reg.RoomContext("r1")
	require.NotNil(t, ctx)

	f.reg.Dispatch(&events.MessageCreated{Scope: events.In("r1"), Message: message("a")})
	f.reg.Dispatch(&events.UserOnline{Scope: events.In("r1"), UserId: 2, DisplayName: "bob"})
	require.Len(t, f.store.Messages("r1"), 1)

	left, err := f.reg.Leave("r1", false)
	require.NoError(t, err)
	assert.True(t, left)

	assert.ErrorIs(t, ctx.Err(), context.Canceled, "in-flight work for the room is cancelled")
	assert.Empty(t, f.store.Messages("r1"))
	assert.Empty(t, f.presence.Online("r1"))
	assert.Nil(t, f.reg.RoomContext("r1"))
	assert.Equal(t, []string{"room:join r1", "room:leave r1"}, f.sender.names())

	left, _ = f.reg.Leave("r1", false)
	assert.False(t, left)
}

func TestRejoinReplaysActiveRooms(t *testing.T) {
	f := newFixture(t)
	f.reg.Join(context.Background(), "r2")
	f.reg.Join(context.Background(), "r1")
	f.sender.sent = nil

	assert.Equal(t, []string{"r1", "r2"}, f.reg.Rejoin())
	assert.Equal(t, []string{"room:join r1", "room:join r2"}, f.sender.names())
}

func TestDispatch(t *testing.T) {
	edited := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)

	tcases := []struct {
		name  string
		setup []events.Event
		ev    events.Event
		want  []Change
	}{
		{
			name: "new message",
			ev:   &events.MessageCreated{Scope: events.In("r1"), Message: message("a")},
			want: []Change{{Kind: ChangeMessages, RoomId: "r1", MessageId: "a"}},
		},
		{
			name:  "redelivered message",
			setup: []events.Event{&events.MessageCreated{Scope: events.In("r1"), Message: message("a")}},
			ev:    &events.MessageCreated{Scope: events.In("r1"), Message: message("a")},
		},
		{
			name:  "edit",
			setup: []events.Event{&events.MessageCreated{Scope: events.In("r1"), Message: message("a")}},
			ev:    &events.MessageUpdated{Scope: events.In("r1"), MessageId: "a", Content: "v2", EditedAt: edited},
			want:  []Change{{Kind: ChangeMessages, RoomId: "r1", MessageId: "a"}},
		},
		{
			name:  "delete",
			setup: []events.Event{&events.MessageCreated{Scope: events.In("r1"), Message: message("a")}},
			ev:    &events.MessageDeleted{Scope: events.In("r1"), MessageId: "a"},
			want:  []Change{{Kind: ChangeMessages, RoomId: "r1", MessageId: "a", Removed: true}},
		},
		{
			name: "reaction",
			ev: &events.ReactionAdded{Scope: events.In("r1"), Reaction: types.Reaction{
				Id: "x", MessageId: "a", UserId: 2, Type: "👍",
			}},
			want: []Change{{Kind: ChangeMessages, RoomId: "r1", MessageId: "a"}},
		},
		{
			name: "remove unknown reaction",
			ev:   &events.ReactionRemoved{Scope: events.In("r1"), MessageId: "a", ReactionId: "nope"},
		},
		{
			name: "typing",
			ev:   &events.TypingStarted{Scope: events.In("r1"), UserId: 2, DisplayName: "bob"},
			want: []Change{{Kind: ChangeTyping, RoomId: "r1"}},
		},
		{
			name: "online",
			ev:   &events.UserOnline{Scope: events.In("r1"), UserId: 2, DisplayName: "bob"},
			want: []Change{{Kind: ChangePresence, RoomId: "r1"}},
		},
		{
			name: "offline while typing",
			setup: []events.Event{
				&events.UserOnline{Scope: events.In("r1"), UserId: 2, DisplayName: "bob"},
				&events.TypingStarted{Scope: events.In("r1"), UserId: 2, DisplayName: "bob"},
			},
			ev:   &events.UserOffline{Scope: events.In("r1"), UserId: 2},
			want: []Change{{Kind: ChangePresence, RoomId: "r1"}, {Kind: ChangeTyping, RoomId: "r1"}},
		},
		{
			name: "room deleted",
			ev:   &events.RoomDeleted{Scope: events.In("r1")},
			want: []Change{{Kind: ChangeRoom, RoomId: "r1", Removed: true}},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.reg.Join(context.Background(), "r1")
			for _, ev := range tc.setup {
				f.reg.Dispatch(ev)
			}

			assert.Equal(t, tc.want, f.reg.Dispatch(tc.ev))
			assert.Zero(t, f.dropped())
		})
	}
}

func TestDispatchDrops(t *testing.T) {
	f := newFixture(t)
	f.reg.Join(context.Background(), "r1")

	assert.Nil(t, f.reg.Dispatch(&events.Unknown{Scope: events.In("r1"), Event: "poll:created"}))
	assert.Nil(t, f.reg.Dispatch(&events.MessageCreated{Scope: events.In("r2"), Message: message("a")}))
	assert.Nil(t, f.reg.Dispatch(&events.TypingStarted{Scope: events.In("r1")}))

	assert.Equal(t, float64(3), f.dropped())
	assert.Empty(t, f.store.Messages("r2"), "events for other rooms never touch their state")
}

func TestRoomDeletedDeactivatesWithoutLeaveIntent(t *testing.T) {
	f := newFixture(t)
	f.reg.Join(context.Background(), "r1")
	f.sender.sent = nil

	f.reg.Dispatch(&events.RoomDeleted{Scope: events.In("r1")})

	assert.False(t, f.reg.IsActive("r1"))
	assert.Empty(t, f.sender.sent)
}
