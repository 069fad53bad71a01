// Package store keeps the per-room ordered message log on the client and
// merges history pages with live events into it.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/npezzotti/go-teamchat/internal/types"
	"go.uber.org/zap"
)

type DeleteMode int

const (
	// DeleteLocal hides a message for this viewer only.
	DeleteLocal DeleteMode = iota
	// DeleteGlobal strikes a message from the room's canonical sequence.
	DeleteGlobal
)

// PageRequest asks for up to Limit messages strictly older than the message
// encoded in Before. An empty Before requests the newest page.
type PageRequest struct {
	Before string
	Limit  int
}

type Page struct {
	Messages   []types.Message
	HasMore    bool
	NextCursor string
}

// Fetcher retrieves one page of a room's history.
type Fetcher interface {
	FetchPage(ctx context.Context, roomId string, req PageRequest) (Page, error)
}

// Cache is the durable backing of room windows. Store writes through to it
// and warms rooms from it.
type Cache interface {
	SaveMessages(roomId string, msgs []types.Message) error
	DeleteMessage(roomId string, msg types.Message) error
	LoadRoom(roomId string, limit int) ([]types.Message, error)
	// HideMessage and HiddenMessages record local-only deletes so they
	// outlive the room's working set.
	HideMessage(roomId, msgId string) error
	HiddenMessages(roomId string) ([]string, error)
}

// ErrFetchFailed wraps page fetch failures. State is left untouched when it
// is returned and the load may be retried.
var ErrFetchFailed = errors.New("history fetch failed")

type room struct {
	msgs       []types.Message
	index      map[string]int
	hidden     map[string]struct{}
	tombstones map[string]struct{}
	hasMore    bool
	loaded     bool
}

func newRoom() *room {
	return &room{
		index:      make(map[string]int),
		hidden:     make(map[string]struct{}),
		tombstones: make(map[string]struct{}),
		hasMore:    true,
	}
}

func (r *room) reindex(from int) {
	for i := from; i < len(r.msgs); i++ {
		r.index[r.msgs[i].Id] = i
	}
}

func (r *room) insert(msg types.Message) {
	i, _ := slices.BinarySearchFunc(r.msgs, msg, compare)
	r.msgs = slices.Insert(r.msgs, i, msg)
	r.reindex(i)
}

func (r *room) remove(id string) (types.Message, bool) {
	i, ok := r.index[id]
	if !ok {
		return types.Message{}, false
	}
	msg := r.msgs[i]
	r.msgs = slices.Delete(r.msgs, i, i+1)
	delete(r.index, id)
	r.reindex(i)
	return msg, true
}

func compare(a, b types.Message) int {
	switch {
	case a.Before(b):
		return -1
	case b.Before(a):
		return 1
	}
	return 0
}

// Store holds every joined room's working set. It is not safe for
// concurrent use; the coordinator's queue owns it.
type Store struct {
	log      *zap.Logger
	cache    Cache
	pageSize int
	rooms    map[string]*room
}

func New(log *zap.Logger, cache Cache, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Store{
		log:      log,
		cache:    cache,
		pageSize: pageSize,
		rooms:    make(map[string]*room),
	}
}

func (s *Store) room(roomId string) *room {
	r, ok := s.rooms[roomId]
	if !ok {
		r = newRoom()
		s.loadHidden(roomId, r)
		s.rooms[roomId] = r
	}
	return r
}

func (s *Store) loadHidden(roomId string, r *room) {
	if s.cache == nil {
		return
	}
	hidden, err := s.cache.HiddenMessages(roomId)
	if err != nil {
		s.log.Warn("cache hidden load failed", zap.String("room_id", roomId), zap.Error(err))
		return
	}
	for _, id := range hidden {
		r.hidden[id] = struct{}{}
	}
}

// NextPageRequest returns the request for the page just older than the
// oldest held message, or for the newest page when the room is empty.
func (s *Store) NextPageRequest(roomId string) PageRequest {
	req := PageRequest{Limit: s.pageSize}
	if r, ok := s.rooms[roomId]; ok && len(r.msgs) > 0 {
		req.Before = types.EncodeCursor(r.msgs[0])
	}
	return req
}

// LatestPageRequest asks for the newest page regardless of what is held.
func (s *Store) LatestPageRequest() PageRequest {
	return PageRequest{Limit: s.pageSize}
}

// LoadPage fetches the page older than everything held and merges it. It
// reports whether older pages remain.
func (s *Store) LoadPage(ctx context.Context, roomId string, f Fetcher) (bool, error) {
	req := s.NextPageRequest(roomId)
	page, err := f.FetchPage(ctx, roomId, req)
	if err != nil {
		return s.HasMore(roomId), fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return s.MergePage(roomId, req, page), nil
}

// MergePage merges a fetched page. Merging the same page twice leaves the
// room unchanged. The room's has-more flag follows the page only when the
// page was requested as the next older page.
func (s *Store) MergePage(roomId string, req PageRequest, page Page) bool {
	r := s.room(roomId)

	if req.Before == "" && page.HasMore && detached(r, page.Messages) {
		// Everything between the held window and this page is unknown.
		// Paging must continue from the page, so the window is dropped
		// here and in the cache.
		s.log.Debug("dropping window older than newest page",
			zap.String("room_id", roomId), zap.Int("messages", len(r.msgs)))
		s.evict(roomId, r.msgs)
		r.msgs = nil
		clear(r.index)
	}

	olderPage := req.Before != "" || len(r.msgs) == 0
	changed := make([]types.Message, 0, len(page.Messages))
	for _, msg := range page.Messages {
		if msg.Id == "" {
			s.log.Warn("dropping message without id", zap.String("room_id", roomId))
			continue
		}
		if msg.Deleted {
			s.strike(roomId, r, msg.Id)
			continue
		}
		if s.upsert(r, msg) {
			changed = append(changed, msg)
		}
	}

	if olderPage || !r.loaded {
		r.hasMore = page.HasMore
	}
	r.loaded = true

	s.persist(roomId, changed)
	return r.hasMore
}

// detached reports whether every held message is older than the oldest
// message of page.
func detached(r *room, page []types.Message) bool {
	if len(r.msgs) == 0 {
		return false
	}
	var oldest *types.Message
	for i := range page {
		if page[i].Id == "" {
			continue
		}
		if oldest == nil || page[i].Before(*oldest) {
			oldest = &page[i]
		}
	}
	return oldest != nil && r.msgs[len(r.msgs)-1].Before(*oldest)
}

// upsert applies the merge rule for msg and reports whether the stored copy
// changed. An existing entry wins unless msg carries a newer edit.
func (s *Store) upsert(r *room, msg types.Message) bool {
	if _, dead := r.tombstones[msg.Id]; dead {
		return false
	}

	i, ok := r.index[msg.Id]
	if !ok {
		r.insert(msg)
		return true
	}

	cur := r.msgs[i]
	if !msg.EditedAfter(cur) {
		return false
	}

	if msg.Reactions == nil {
		msg.Reactions = cur.Reactions
	}
	if compare(cur, msg) == 0 {
		r.msgs[i] = msg
		return true
	}
	r.remove(msg.Id)
	r.insert(msg)
	return true
}

// ApplyLive merges a pushed message. It reports whether the room changed.
func (s *Store) ApplyLive(roomId string, msg types.Message) bool {
	r := s.room(roomId)
	if msg.Deleted {
		return s.strike(roomId, r, msg.Id)
	}
	if !s.upsert(r, msg) {
		return false
	}
	s.persist(roomId, []types.Message{msg})
	return true
}

// ApplyEdit replaces content when editedAt is newer than any edit already
// recorded for the message.
func (s *Store) ApplyEdit(roomId, messageId, content string, editedAt time.Time) bool {
	r, ok := s.rooms[roomId]
	if !ok {
		return false
	}
	i, ok := r.index[messageId]
	if !ok {
		return false
	}

	cur := r.msgs[i]
	if cur.EditedAt != nil && !editedAt.After(*cur.EditedAt) {
		return false
	}

	cur.Content = content
	cur.EditedAt = &editedAt
	r.msgs[i] = cur
	s.persist(roomId, []types.Message{cur})
	return true
}

// ApplyDelete removes a message for this viewer (DeleteLocal) or from the
// room (DeleteGlobal). Repeating a delete has no further effect.
func (s *Store) ApplyDelete(roomId, messageId string, mode DeleteMode) bool {
	r := s.room(roomId)
	if mode == DeleteGlobal {
		return s.strike(roomId, r, messageId)
	}

	if _, ok := r.hidden[messageId]; ok {
		return false
	}
	r.hidden[messageId] = struct{}{}
	if s.cache != nil {
		if err := s.cache.HideMessage(roomId, messageId); err != nil {
			s.log.Warn("cache hide failed", zap.String("room_id", roomId), zap.Error(err))
		}
	}
	_, held := r.index[messageId]
	return held
}

func (s *Store) strike(roomId string, r *room, id string) bool {
	if _, dead := r.tombstones[id]; dead {
		return false
	}
	r.tombstones[id] = struct{}{}

	msg, ok := r.remove(id)
	if ok && s.cache != nil {
		if err := s.cache.DeleteMessage(roomId, msg); err != nil {
			s.log.Warn("cache delete failed", zap.String("room_id", roomId), zap.Error(err))
		}
	}
	return ok
}

// SetReactions stores the authoritative reaction list on a held message.
func (s *Store) SetReactions(roomId, messageId string, reactions []types.Reaction) {
	r, ok := s.rooms[roomId]
	if !ok {
		return
	}
	if i, ok := r.index[messageId]; ok {
		r.msgs[i].Reactions = reactions
	}
}

// Messages returns a snapshot of the visible messages in order.
func (s *Store) Messages(roomId string) []types.Message {
	r, ok := s.rooms[roomId]
	if !ok {
		return nil
	}

	out := make([]types.Message, 0, len(r.msgs))
	for _, m := range r.msgs {
		if _, hidden := r.hidden[m.Id]; hidden {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Store) Message(roomId, messageId string) (types.Message, bool) {
	r, ok := s.rooms[roomId]
	if !ok {
		return types.Message{}, false
	}
	i, ok := r.index[messageId]
	if !ok {
		return types.Message{}, false
	}
	return r.msgs[i], true
}

func (s *Store) HasMore(roomId string) bool {
	r, ok := s.rooms[roomId]
	if !ok {
		return true
	}
	return r.hasMore
}

// Loaded reports whether any page has been merged into the room. A room
// seeded only from the cache or live events is not loaded.
func (s *Store) Loaded(roomId string) bool {
	r, ok := s.rooms[roomId]
	return ok && r.loaded
}

// Warm seeds an empty room from the durable cache.
func (s *Store) Warm(roomId string) int {
	if s.cache == nil {
		return 0
	}
	if r, ok := s.rooms[roomId]; ok && len(r.msgs) > 0 {
		return 0
	}

	msgs, err := s.cache.LoadRoom(roomId, s.pageSize)
	if err != nil {
		s.log.Warn("cache load failed", zap.String("room_id", roomId), zap.Error(err))
		return 0
	}

	r := s.room(roomId)
	n := 0
	for _, m := range msgs {
		if s.upsert(r, m) {
			n++
		}
	}
	return n
}

// Release drops the room's working set. The durable cache, local-only
// deletes included, is kept.
func (s *Store) Release(roomId string) {
	delete(s.rooms, roomId)
}

func (s *Store) evict(roomId string, msgs []types.Message) {
	if s.cache == nil {
		return
	}
	for _, m := range msgs {
		if err := s.cache.DeleteMessage(roomId, m); err != nil {
			s.log.Warn("cache evict failed", zap.String("room_id", roomId), zap.Error(err))
			return
		}
	}
}

func (s *Store) persist(roomId string, msgs []types.Message) {
	if s.cache == nil || len(msgs) == 0 {
		return
	}
	if err := s.cache.SaveMessages(roomId, msgs); err != nil {
		s.log.Warn("cache write failed", zap.String("room_id", roomId), zap.Error(err))
	}
}
