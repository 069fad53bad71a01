// Package reactions enforces one reaction per user per message and projects
// reactions into per-emoji groups.
//
// Events are applied in arrival order with no causal reordering: a removal
// that arrives before the addition it refers to is a no-op, and the later
// addition then stands.
package reactions

import (
	"fmt"
	"sort"

	"github.com/npezzotti/go-teamchat/internal/stats"
	"github.com/npezzotti/go-teamchat/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultPreviewSize = 3

	MetricAnomalies = "protocol_anomalies_total"
)

type Group struct {
	Type     string   `json:"type"`
	Count    int      `json:"count"`
	Users    []string `json:"users"`
	Overflow int      `json:"overflow"`
}

type messageReactions map[int]types.Reaction

// Aggregator is owned by the coordinator's queue and is not safe for
// concurrent use.
type Aggregator struct {
	log         *zap.Logger
	stats       stats.StatsProvider
	previewSize int
	rooms       map[string]map[string]messageReactions
}

func NewAggregator(log *zap.Logger, sp stats.StatsProvider, previewSize int) *Aggregator {
	if previewSize <= 0 {
		previewSize = DefaultPreviewSize
	}
	sp.RegisterCounter(MetricAnomalies, "Inbound events dropped because they violated the protocol.")
	return &Aggregator{
		log:         log,
		stats:       sp,
		previewSize: previewSize,
		rooms:       make(map[string]map[string]messageReactions),
	}
}

func (a *Aggregator) message(roomId, messageId string, create bool) messageReactions {
	msgs, ok := a.rooms[roomId]
	if !ok {
		if !create {
			return nil
		}
		msgs = make(map[string]messageReactions)
		a.rooms[roomId] = msgs
	}

	mr, ok := msgs[messageId]
	if !ok && create {
		mr = make(messageReactions)
		msgs[messageId] = mr
	}
	return mr
}

func (a *Aggregator) valid(roomId string, r types.Reaction) bool {
	if r.UserId != 0 && r.MessageId != "" && r.Type != "" {
		return true
	}
	a.log.Warn("dropping reaction with missing fields",
		zap.String("room_id", roomId),
		zap.String("message_id", r.MessageId),
		zap.String("reaction_id", r.Id),
		zap.Int("user_id", r.UserId),
	)
	a.stats.Incr(MetricAnomalies)
	return false
}

// Add records r. A reaction of a different type by the same user on the
// same message is replaced; the replaced reaction is returned. Adding the
// type the user already has changes nothing.
func (a *Aggregator) Add(roomId string, r types.Reaction) (replaced *types.Reaction, changed bool) {
	if !a.valid(roomId, r) {
		return nil, false
	}

	mr := a.message(roomId, r.MessageId, true)
	prev, ok := mr[r.UserId]
	if ok && prev.Type == r.Type {
		return nil, false
	}

	mr[r.UserId] = r
	if ok {
		return &prev, true
	}
	return nil, true
}

// Remove deletes the reaction with reactionId. Unknown ids are ignored.
func (a *Aggregator) Remove(roomId, messageId, reactionId string) bool {
	mr := a.message(roomId, messageId, false)
	for user, r := range mr {
		if r.Id == reactionId {
			delete(mr, user)
			return true
		}
	}
	return false
}

// Replace installs the authoritative reaction list for a message, such as
// one carried by a history page. Later entries win for the same user.
func (a *Aggregator) Replace(roomId, messageId string, list []types.Reaction) {
	mr := make(messageReactions, len(list))
	for _, r := range list {
		if r.MessageId == "" {
			r.MessageId = messageId
		}
		if a.valid(roomId, r) {
			mr[r.UserId] = r
		}
	}
	a.message(roomId, messageId, true)
	a.rooms[roomId][messageId] = mr
}

// SeedIfAbsent installs list only when nothing is known yet about the
// message, so a redelivered message does not undo later reaction events.
func (a *Aggregator) SeedIfAbsent(roomId, messageId string, list []types.Reaction) {
	if msgs, ok := a.rooms[roomId]; ok {
		if _, ok := msgs[messageId]; ok {
			return
		}
	}
	a.Replace(roomId, messageId, list)
}

// Reactions returns the message's reactions ordered by id.
func (a *Aggregator) Reactions(roomId, messageId string) []types.Reaction {
	mr := a.message(roomId, messageId, false)
	out := make([]types.Reaction, 0, len(mr))
	for _, r := range mr {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// UserReaction returns the reaction userId currently holds on the message.
func (a *Aggregator) UserReaction(roomId, messageId string, userId int) (types.Reaction, bool) {
	r, ok := a.message(roomId, messageId, false)[userId]
	return r, ok
}

// GroupedCounts groups a message's reactions by type, largest group first.
func (a *Aggregator) GroupedCounts(roomId, messageId string) []Group {
	mr := a.message(roomId, messageId, false)
	byType := make(map[string][]string)
	for _, r := range mr {
		name := r.UserName
		if name == "" {
			name = fmt.Sprintf("user %d", r.UserId)
		}
		byType[r.Type] = append(byType[r.Type], name)
	}

	groups := make([]Group, 0, len(byType))
	for typ, users := range byType {
		sort.Strings(users)
		g := Group{Type: typ, Count: len(users)}
		if len(users) > a.previewSize {
			g.Users = users[:a.previewSize]
			g.Overflow = len(users) - a.previewSize
		} else {
			g.Users = users
		}
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Type < groups[j].Type
	})
	return groups
}

func (a *Aggregator) ReleaseMessage(roomId, messageId string) {
	if msgs, ok := a.rooms[roomId]; ok {
		delete(msgs, messageId)
	}
}

func (a *Aggregator) Release(roomId string) {
	delete(a.rooms, roomId)
}
