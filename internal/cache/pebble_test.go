package cache

import (
	"testing"
	"time"

	"github.com/npezzotti/go-teamchat/internal/testutil"
	"github.com/npezzotti/go-teamchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *PebbleCache {
	c, err := Open(testutil.TestLogger(t), "")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func cached(id string, sec int) types.Message {
	return types.Message{
		Id:        id,
		RoomId:    "r1",
		Content:   id,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC),
	}
}

func loadIds(t *testing.T, c *PebbleCache, room string, limit int) []string {
	msgs, err := c.LoadRoom(room, limit)
	require.NoError(t, err)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Id
	}
	return out
}

func TestSaveAndLoad(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.SaveMessages("r1", []types.Message{cached("c", 3), cached("a", 1), cached("b", 2)}))
	require.NoError(t, c.SaveMessages("r10", []types.Message{cached("z", 9)}))

	assert.Equal(t, []string{"a", "b", "c"}, loadIds(t, c, "r1", 0))
	assert.Equal(t, []string{"b", "c"}, loadIds(t, c, "r1", 2), "limit keeps the newest messages")
	assert.Equal(t, []string{"z"}, loadIds(t, c, "r10", 0), "rooms sharing a prefix stay separate")
	assert.Empty(t, loadIds(t, c, "r2", 0))
}

func TestSaveReplacesExisting(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SaveMessages("r1", []types.Message{cached("a", 1)}))

	edited := cached("a", 1)
	edited.Content = "edited"
	require.NoError(t, c.SaveMessages("r1", []types.Message{edited}))

	msgs, err := c.LoadRoom("r1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "edited", msgs[0].Content)
}

func TestDeleteMessage(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SaveMessages("r1", []types.Message{cached("a", 1), cached("b", 2)}))

	require.NoError(t, c.DeleteMessage("r1", cached("a", 1)))
	require.NoError(t, c.DeleteMessage("r1", cached("a", 1)), "deleting twice is fine")
	assert.Equal(t, []string{"b"}, loadIds(t, c, "r1", 0))
}

func TestHiddenMessages(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SaveMessages("r1", []types.Message{cached("a", 1), cached("b", 2)}))

	require.NoError(t, c.HideMessage("r1", "b"))
	require.NoError(t, c.HideMessage("r1", "b"))
	require.NoError(t, c.HideMessage("r10", "z"))

	hidden, err := c.HiddenMessages("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, hidden)
	assert.Equal(t, []string{"a", "b"}, loadIds(t, c, "r1", 0), "hidden messages stay cached")

	hidden, err = c.HiddenMessages("r2")
	require.NoError(t, err)
	assert.Empty(t, hidden)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("room:r1:msg;"), prefixUpperBound([]byte("room:r1:msg:")))
	assert.Equal(t, []byte{0x01}, prefixUpperBound([]byte{0x00, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
