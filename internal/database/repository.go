package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ReactionUpsert reports the outcome of setting a user's reaction on a
// message. Replaced holds the user's previous reaction of another type.
type ReactionUpsert struct {
	Reaction Reaction
	Replaced *Reaction
	Changed  bool
}

type ChatRepository interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error)
	GetAccountById(ctx context.Context, accountId int) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
	GetRoomWithSubscribers(ctx context.Context, roomId int) (*Room, error)
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	DeleteRoom(ctx context.Context, id int) error
	CreateSubscription(ctx context.Context, accountId, roomId int, role string) (Subscription, error)
	SubscriptionExists(ctx context.Context, accountId, roomId int) bool
	ListSubscriptions(ctx context.Context, accountId int) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, accountId, roomId int) error
	GetSubscribersByRoomId(ctx context.Context, roomId int) ([]User, error)
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	GetMessageByClientId(ctx context.Context, roomId int, clientId string) (Message, error)
	GetMessages(ctx context.Context, params MessagePageParams) ([]Message, bool, error)
	EditMessage(ctx context.Context, id string, userId int, content string, editedAt time.Time) (Message, error)
	DeleteMessage(ctx context.Context, id string, userId int) (Message, error)
	UpsertReaction(ctx context.Context, r Reaction) (ReactionUpsert, error)
	DeleteReaction(ctx context.Context, id string, userId int) (Reaction, error)
}
