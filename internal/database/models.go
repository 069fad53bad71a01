package database

import (
	"time"

	"github.com/npezzotti/go-teamchat/internal/types"
)

type Room struct {
	Id              int
	Name            string
	ExternalId      string
	Description     string
	Kind            types.RoomKind
	Encrypted       bool
	EncryptionKeyId string
	Workspace       string
	OwnerId         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Subscriptions   []Subscription
}

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	Workspace    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Subscription struct {
	Id        int
	Role      types.Role
	Room      Room
	AccountId int
	Username  string
	RoomId    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a stored chat message. Deleted messages are kept with their
// content blanked so history readers learn about the delete.
type Message struct {
	Id          string
	ClientId    string
	RoomId      int
	UserId      int
	Username    string
	Content     string
	Type        types.MessageType
	ReplyTo     string
	Attachments []types.Attachment
	EditedAt    *time.Time
	Deleted     bool
	CreatedAt   time.Time
	Reactions   []Reaction
}

type Reaction struct {
	Id        string
	MessageId string
	UserId    int
	Username  string
	Type      string
	CreatedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
	Workspace    string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
}

type CreateRoomParams struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Kind            types.RoomKind `json:"kind"`
	Encrypted       bool           `json:"encrypted"`
	EncryptionKeyId string         `json:"encryption_key_id"`
	OwnerId         int            `json:"-"`
	ExternalId      string         `json:"-"`
	Workspace       string         `json:"-"`
}

// MessagePageParams selects up to Limit messages of a room strictly older
// than (BeforeTime, BeforeId). A zero BeforeTime selects the newest page.
type MessagePageParams struct {
	RoomId     int
	BeforeTime time.Time
	BeforeId   string
	Limit      int
}

// ToType converts m to the wire projection for room externalId.
func (m Message) ToType(externalId string) types.Message {
	out := types.Message{
		Id:          m.Id,
		ClientId:    m.ClientId,
		RoomId:      externalId,
		SenderId:    m.UserId,
		SenderName:  m.Username,
		Content:     m.Content,
		Type:        m.Type,
		ReplyTo:     m.ReplyTo,
		Attachments: m.Attachments,
		EditedAt:    m.EditedAt,
		Deleted:     m.Deleted,
		CreatedAt:   m.CreatedAt,
	}
	for _, r := range m.Reactions {
		out.Reactions = append(out.Reactions, r.ToType())
	}
	return out
}

func (r Reaction) ToType() types.Reaction {
	return types.Reaction{
		Id:        r.Id,
		MessageId: r.MessageId,
		UserId:    r.UserId,
		UserName:  r.Username,
		Type:      r.Type,
	}
}

// ToType converts r to the wire projection. Members are filled from the
// loaded subscriptions.
func (r Room) ToType() types.Room {
	out := types.Room{
		Id:              r.Id,
		ExternalId:      r.ExternalId,
		Name:            r.Name,
		Description:     r.Description,
		Kind:            r.Kind,
		Encrypted:       r.Encrypted,
		EncryptionKeyId: r.EncryptionKeyId,
		OwnerId:         r.OwnerId,
		Workspace:       r.Workspace,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	for _, s := range r.Subscriptions {
		out.Members = append(out.Members, types.Member{
			UserId:   s.AccountId,
			Username: s.Username,
			Role:     s.Role,
		})
	}
	return out
}
