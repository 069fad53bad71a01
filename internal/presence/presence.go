// Package presence tracks who is online and who is typing in each room.
// Neither is persisted; both are rebuilt from live events after a reconnect.
package presence

import (
	"fmt"
	"sort"
	"time"

	"github.com/npezzotti/go-teamchat/internal/types"
)

const DefaultTypingTTL = 5 * time.Second

// Tracker is owned by the coordinator's queue and is not safe for
// concurrent use.
type Tracker struct {
	ttl    time.Duration
	now    func() time.Time
	typing map[string]map[int]types.TypingState
	online map[string]map[int]types.PresenceEntry
}

func NewTracker(ttl time.Duration, now func() time.Time) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		ttl:    ttl,
		now:    now,
		typing: make(map[string]map[int]types.TypingState),
		online: make(map[string]map[int]types.PresenceEntry),
	}
}

// MarkTyping inserts or refreshes a typing indicator. It reports whether the
// set of typers changed.
func (t *Tracker) MarkTyping(roomId string, userId int, displayName string) bool {
	room, ok := t.typing[roomId]
	if !ok {
		room = make(map[int]types.TypingState)
		t.typing[roomId] = room
	}

	prev, existed := room[userId]
	now := t.now()
	room[userId] = types.TypingState{
		RoomId:      roomId,
		UserId:      userId,
		DisplayName: displayName,
		ExpiresAt:   now.Add(t.ttl),
	}
	return !existed || !prev.ExpiresAt.After(now) || prev.DisplayName != displayName
}

func (t *Tracker) ClearTyping(roomId string, userId int) bool {
	room := t.typing[roomId]
	if _, ok := room[userId]; !ok {
		return false
	}
	delete(room, userId)
	return true
}

// CurrentTypers returns unexpired typers ordered by display name. Expired
// entries are dropped as a side effect.
func (t *Tracker) CurrentTypers(roomId string) []types.TypingState {
	t.expire(roomId, t.now())

	room := t.typing[roomId]
	out := make([]types.TypingState, 0, len(room))
	for _, ts := range room {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserId < out[j].UserId
	})
	return out
}

func (t *Tracker) expire(roomId string, now time.Time) bool {
	changed := false
	for user, ts := range t.typing[roomId] {
		if !ts.ExpiresAt.After(now) {
			delete(t.typing[roomId], user)
			changed = true
		}
	}
	return changed
}

// Sweep drops every expired typing indicator and returns the rooms whose
// typers changed, sorted.
func (t *Tracker) Sweep() []string {
	now := t.now()
	var changed []string
	for roomId := range t.typing {
		if t.expire(roomId, now) {
			changed = append(changed, roomId)
		}
	}
	sort.Strings(changed)
	return changed
}

func (t *Tracker) SetOnline(e types.PresenceEntry) bool {
	room, ok := t.online[e.RoomId]
	if !ok {
		room = make(map[int]types.PresenceEntry)
		t.online[e.RoomId] = room
	}
	if prev, ok := room[e.UserId]; ok && prev == e {
		return false
	}
	room[e.UserId] = e
	return true
}

// SetOffline removes the user from the room's online set. A user who goes
// offline is no longer typing either.
func (t *Tracker) SetOffline(roomId string, userId int) bool {
	t.ClearTyping(roomId, userId)

	room := t.online[roomId]
	if _, ok := room[userId]; !ok {
		return false
	}
	delete(room, userId)
	return true
}

func (t *Tracker) IsOnline(roomId string, userId int) bool {
	_, ok := t.online[roomId][userId]
	return ok
}

// Online returns the room's online users ordered by display name.
func (t *Tracker) Online(roomId string) []types.PresenceEntry {
	room := t.online[roomId]
	out := make([]types.PresenceEntry, 0, len(room))
	for _, e := range room {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserId < out[j].UserId
	})
	return out
}

// Reset clears all presence and typing state, returning the rooms that had
// any. Used when the transport drops.
func (t *Tracker) Reset() []string {
	seen := make(map[string]struct{})
	for roomId, room := range t.online {
		if len(room) > 0 {
			seen[roomId] = struct{}{}
		}
	}
	for roomId, room := range t.typing {
		if len(room) > 0 {
			seen[roomId] = struct{}{}
		}
	}

	t.online = make(map[string]map[int]types.PresenceEntry)
	t.typing = make(map[string]map[int]types.TypingState)

	rooms := make([]string, 0, len(seen))
	for roomId := range seen {
		rooms = append(rooms, roomId)
	}
	sort.Strings(rooms)
	return rooms
}

func (t *Tracker) Release(roomId string) {
	delete(t.online, roomId)
	delete(t.typing, roomId)
}

// TypingSummary renders typers for display: nothing for none, names for one
// or two, and only a count from three on.
func TypingSummary(typers []types.TypingState) string {
	switch len(typers) {
	case 0:
		return ""
	case 1:
		return typers[0].DisplayName + " is typing"
	case 2:
		return typers[0].DisplayName + " and " + typers[1].DisplayName + " are typing"
	default:
		return fmt.Sprintf("%d people are typing", len(typers))
	}
}
