// Package cache persists recent room windows on the client so a restarted
// client can render a room before its first history fetch completes.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/npezzotti/go-teamchat/internal/types"
	"go.uber.org/zap"
)

// PebbleCache stores messages under
// room:<roomId>:msg:<unix_nano_padded>:<messageId> so a prefix scan yields a
// room's messages in order. A second key, room:<roomId>:id:<messageId>,
// remembers where a message lives so it can be replaced or removed.
// room:<roomId>:hidden:<messageId> marks a message this viewer deleted
// locally.
type PebbleCache struct {
	log *zap.Logger
	db  *pebble.DB
}

// Open opens (or creates) the cache at path. An empty path keeps the cache
// in memory.
func Open(log *zap.Logger, path string) (*PebbleCache, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		log.Error("pebble open failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open cache: %w", err)
	}
	log.Info("cache opened", zap.String("path", path))
	return &PebbleCache{log: log, db: db}, nil
}

func (c *PebbleCache) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func roomPrefix(roomId string) string {
	return "room:" + roomId + ":msg:"
}

func msgKey(roomId string, m types.Message) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", roomPrefix(roomId), m.CreatedAt.UnixNano(), m.Id))
}

func idKey(roomId, msgId string) []byte {
	return []byte("room:" + roomId + ":id:" + msgId)
}

func hiddenPrefix(roomId string) string {
	return "room:" + roomId + ":hidden:"
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (c *PebbleCache) SaveMessages(roomId string, msgs []types.Message) error {
	b := c.db.NewBatch()
	defer b.Close()

	for _, m := range msgs {
		if err := c.unindex(b, roomId, m.Id); err != nil {
			return err
		}

		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", m.Id, err)
		}
		key := msgKey(roomId, m)
		if err := b.Set(key, data, nil); err != nil {
			return err
		}
		if err := b.Set(idKey(roomId, m.Id), key, nil); err != nil {
			return err
		}
	}

	return b.Commit(pebble.NoSync)
}

// unindex removes the entry currently stored for msgId, if any.
func (c *PebbleCache) unindex(b *pebble.Batch, roomId, msgId string) error {
	old, closer, err := c.db.Get(idKey(roomId, msgId))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup %s: %w", msgId, err)
	}
	key := append([]byte(nil), old...)
	closer.Close()

	return b.Delete(key, nil)
}

func (c *PebbleCache) DeleteMessage(roomId string, m types.Message) error {
	b := c.db.NewBatch()
	defer b.Close()

	if err := c.unindex(b, roomId, m.Id); err != nil {
		return err
	}
	if err := b.Delete(idKey(roomId, m.Id), nil); err != nil {
		return err
	}
	return b.Commit(pebble.NoSync)
}

// LoadRoom returns up to limit of the newest cached messages in ascending
// order.
func (c *PebbleCache) LoadRoom(roomId string, limit int) ([]types.Message, error) {
	prefix := []byte(roomPrefix(roomId))
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("new iter: %w", err)
	}
	defer iter.Close()

	var out []types.Message
	for valid := iter.Last(); valid && (limit <= 0 || len(out) < limit); valid = iter.Prev() {
		var m types.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			c.log.Warn("skipping corrupt cache entry", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *PebbleCache) HideMessage(roomId, msgId string) error {
	return c.db.Set([]byte(hiddenPrefix(roomId)+msgId), nil, pebble.NoSync)
}

// HiddenMessages returns the ids of every message hidden in roomId.
func (c *PebbleCache) HiddenMessages(roomId string) ([]string, error) {
	prefix := []byte(hiddenPrefix(roomId))
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("new iter: %w", err)
	}
	defer iter.Close()

	var ids []string
	for valid := iter.First(); valid; valid = iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	return ids, iter.Error()
}
