// Package dedupe remembers the client ids of sent messages so a resent
// message:send is answered with the original message instead of a copy.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 24 * time.Hour

	keyPrefix = "teamchat:send:"
	pending   = "-"
)

// Store claims client ids. A claim is pending until it is completed with the
// id of the stored message or released after a failed store.
type Store interface {
	// Claim reports whether clientId was unclaimed in roomId.
	Claim(ctx context.Context, roomId, clientId string) (bool, error)
	Complete(ctx context.Context, roomId, clientId, messageId string) error
	Release(ctx context.Context, roomId, clientId string) error
	// Lookup returns the message id recorded for clientId, or "" while the
	// claim is still pending or after it expired.
	Lookup(ctx context.Context, roomId, clientId string) (string, error)
}

func key(roomId, clientId string) string {
	return keyPrefix + roomId + ":" + clientId
}

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// NewRedisClient connects to addr and checks it answers.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}

func (r *Redis) Claim(ctx context.Context, roomId, clientId string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key(roomId, clientId), pending, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim client id: %w", err)
	}
	return ok, nil
}

func (r *Redis) Complete(ctx context.Context, roomId, clientId, messageId string) error {
	return r.client.Set(ctx, key(roomId, clientId), messageId, r.ttl).Err()
}

func (r *Redis) Release(ctx context.Context, roomId, clientId string) error {
	return r.client.Del(ctx, key(roomId, clientId)).Err()
}

func (r *Redis) Lookup(ctx context.Context, roomId, clientId string) (string, error) {
	v, err := r.client.Get(ctx, key(roomId, clientId)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup client id: %w", err)
	}
	if v == pending {
		return "", nil
	}
	return v, nil
}

type entry struct {
	messageId string
	expires   time.Time
}

// Memory is an in-process Store for single-node servers.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

func NewMemory(ttl time.Duration, now func() time.Time) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{ttl: ttl, now: now, entries: make(map[string]entry)}
}

func (m *Memory) get(k string) (entry, bool) {
	e, ok := m.entries[k]
	if ok && !m.now().Before(e.expires) {
		delete(m.entries, k)
		return entry{}, false
	}
	return e, ok
}

func (m *Memory) Claim(_ context.Context, roomId, clientId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(roomId, clientId)
	if _, ok := m.get(k); ok {
		return false, nil
	}
	m.entries[k] = entry{messageId: pending, expires: m.now().Add(m.ttl)}
	return true, nil
}

func (m *Memory) Complete(_ context.Context, roomId, clientId, messageId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key(roomId, clientId)] = entry{messageId: messageId, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Release(_ context.Context, roomId, clientId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(roomId, clientId))
	return nil
}

func (m *Memory) Lookup(_ context.Context, roomId, clientId string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key(roomId, clientId))
	if !ok || e.messageId == pending {
		return "", nil
	}
	return e.messageId, nil
}
