package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(ctx context.Context, userId int) (User, error) {
	args := m.Called(userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomWithSubscribers(ctx context.Context, roomId int) (*Room, error) {
	args := m.Called(roomId)
	if room, ok := args.Get(0).(*Room); ok {
		return room, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) DeleteRoom(ctx context.Context, id int) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockChatRepository) CreateSubscription(ctx context.Context, userId, roomId int, role string) (Subscription, error) {
	args := m.Called(userId, roomId, role)
	return args.Get(0).(Subscription), args.Error(1)
}
func (m *MockChatRepository) SubscriptionExists(ctx context.Context, accountId, roomId int) bool {
	args := m.Called(accountId, roomId)
	return args.Bool(0)
}
func (m *MockChatRepository) ListSubscriptions(ctx context.Context, accountId int) ([]Subscription, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Subscription), args.Error(1)
}
func (m *MockChatRepository) DeleteSubscription(ctx context.Context, accountId, roomId int) error {
	args := m.Called(accountId, roomId)
	return args.Error(0)
}
func (m *MockChatRepository) GetSubscribersByRoomId(ctx context.Context, roomId int) ([]User, error) {
	args := m.Called(roomId)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	args := m.Called(msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessageByClientId(ctx context.Context, roomId int, clientId string) (Message, error) {
	args := m.Called(roomId, clientId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, params MessagePageParams) ([]Message, bool, error) {
	args := m.Called(params)
	return args.Get(0).([]Message), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) EditMessage(ctx context.Context, id string, userId int, content string, editedAt time.Time) (Message, error) {
	args := m.Called(id, userId, content, editedAt)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) DeleteMessage(ctx context.Context, id string, userId int) (Message, error) {
	args := m.Called(id, userId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) UpsertReaction(ctx context.Context, r Reaction) (ReactionUpsert, error) {
	args := m.Called(r)
	return args.Get(0).(ReactionUpsert), args.Error(1)
}
func (m *MockChatRepository) DeleteReaction(ctx context.Context, id string, userId int) (Reaction, error) {
	args := m.Called(id, userId)
	return args.Get(0).(Reaction), args.Error(1)
}
