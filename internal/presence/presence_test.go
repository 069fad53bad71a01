package presence

import (
	"testing"
	"time"

	"github.com/npezzotti/go-teamchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewTracker(5*time.Second, clock.Now), clock
}

func typerNames(typers []types.TypingState) []string {
	out := make([]string, len(typers))
	for i, ts := range typers {
		out[i] = ts.DisplayName
	}
	return out
}

func TestTypingExpiry(t *testing.T) {
	tr, clock := newTestTracker()

	assert.True(t, tr.MarkTyping("r1", 1, "alice"))
	clock.Advance(3 * time.Second)
	assert.False(t, tr.MarkTyping("r1", 1, "alice"), "refresh does not change the typer set")

	clock.Advance(3 * time.Second)
	assert.Equal(t, []string{"alice"}, typerNames(tr.CurrentTypers("r1")), "refresh extended the expiry")

	clock.Advance(2 * time.Second)
	assert.Empty(t, tr.CurrentTypers("r1"), "expired typers are dropped on read")
}

func TestSweep(t *testing.T) {
	tr, clock := newTestTracker()
	tr.MarkTyping("r2", 1, "alice")
	clock.Advance(2 * time.Second)
	tr.MarkTyping("r1", 2, "bob")

	assert.Empty(t, tr.Sweep())

	clock.Advance(4 * time.Second)
	assert.Equal(t, []string{"r2"}, tr.Sweep())
	assert.Equal(t, []string{"bob"}, typerNames(tr.CurrentTypers("r1")))

	clock.Advance(time.Second)
	assert.Equal(t, []string{"r1"}, tr.Sweep())
	assert.Empty(t, tr.Sweep())
}

func TestClearTyping(t *testing.T) {
	tr, _ := newTestTracker()
	tr.MarkTyping("r1", 1, "alice")

	assert.True(t, tr.ClearTyping("r1", 1))
	assert.False(t, tr.ClearTyping("r1", 1))
	assert.False(t, tr.ClearTyping("r9", 1))
	assert.Empty(t, tr.CurrentTypers("r1"))
}

func TestPresence(t *testing.T) {
	tr, _ := newTestTracker()
	alice := types.PresenceEntry{RoomId: "r1", UserId: 1, DisplayName: "alice"}
	bob := types.PresenceEntry{RoomId: "r1", UserId: 2, DisplayName: "bob"}

	assert.True(t, tr.SetOnline(bob))
	assert.True(t, tr.SetOnline(alice))
	assert.False(t, tr.SetOnline(alice))
	assert.Equal(t, []types.PresenceEntry{alice, bob}, tr.Online("r1"))
	assert.True(t, tr.IsOnline("r1", 1))

	tr.MarkTyping("r1", 2, "bob")
	assert.True(t, tr.SetOffline("r1", 2))
	assert.False(t, tr.SetOffline("r1", 2))
	assert.Empty(t, tr.CurrentTypers("r1"), "going offline clears typing")
	assert.Equal(t, []types.PresenceEntry{alice}, tr.Online("r1"))
}

func TestResetAndRelease(t *testing.T) {
	tr, _ := newTestTracker()
	tr.SetOnline(types.PresenceEntry{RoomId: "r1", UserId: 1, DisplayName: "alice"})
	tr.MarkTyping("r2", 2, "bob")
	tr.SetOnline(types.PresenceEntry{RoomId: "r3", UserId: 3, DisplayName: "carol"})

	tr.Release("r3")
	assert.Empty(t, tr.Online("r3"))

	assert.Equal(t, []string{"r1", "r2"}, tr.Reset())
	assert.Empty(t, tr.Online("r1"))
	assert.Empty(t, tr.CurrentTypers("r2"))
	assert.Empty(t, tr.Reset())
}

func TestTypingSummary(t *testing.T) {
	ts := func(names ...string) []types.TypingState {
		out := make([]types.TypingState, len(names))
		for i, n := range names {
			out[i] = types.TypingState{DisplayName: n}
		}
		return out
	}

	tcases := []struct {
		name   string
		typers []types.TypingState
		want   string
	}{
		{"none", nil, ""},
		{"one", ts("alice"), "alice is typing"},
		{"two", ts("alice", "bob"), "alice and bob are typing"},
		{"three", ts("alice", "bob", "carol"), "3 people are typing"},
		{"many", ts("a", "b", "c", "d", "e"), "5 people are typing"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TypingSummary(tc.typers))
		})
	}
}

func TestDefaults(t *testing.T) {
	tr := NewTracker(0, nil)
	require.NotNil(t, tr.now)
	assert.Equal(t, DefaultTypingTTL, tr.ttl)
}
