package types

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Workspace    string    `json:"workspace,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type RoomKind string

const (
	RoomKindGeneral RoomKind = "general"
	RoomKindPrivate RoomKind = "private"
)

func (k RoomKind) Valid() bool {
	return k == RoomKindGeneral || k == RoomKindPrivate
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

type Member struct {
	UserId    int    `json:"user_id"`
	Username  string `json:"username"`
	Role      Role   `json:"role"`
	IsPresent bool   `json:"is_present"`
}

// Room is the client-side projection of a chat room. The server holds the
// authoritative copy.
type Room struct {
	Id              int       `json:"id"`
	ExternalId      string    `json:"external_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Kind            RoomKind  `json:"kind"`
	Encrypted       bool      `json:"encrypted"`
	EncryptionKeyId string    `json:"encryption_key_id,omitempty"`
	OwnerId         int       `json:"owner_id"`
	Workspace       string    `json:"workspace"`
	Members         []Member  `json:"members,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

type Subscription struct {
	Id        int       `json:"id"`
	Role      Role      `json:"role"`
	Room      Room      `json:"room"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeSystem MessageType = "system"
)

type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type Message struct {
	Id          string       `json:"id"`
	ClientId    string       `json:"client_id,omitempty"`
	RoomId      string       `json:"room_id"`
	SenderId    int          `json:"sender_id"`
	SenderName  string       `json:"sender_name,omitempty"`
	Content     string       `json:"content"`
	Type        MessageType  `json:"type"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	EditedAt    *time.Time   `json:"edited_at,omitempty"`
	Deleted     bool         `json:"deleted,omitempty"`
	Reactions   []Reaction   `json:"reactions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Before reports whether m sorts before o in a room's total order of
// (CreatedAt, Id).
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Id < o.Id
}

// EditedAfter reports whether m carries an edit timestamp newer than o's.
func (m Message) EditedAfter(o Message) bool {
	if m.EditedAt == nil {
		return false
	}
	return o.EditedAt == nil || m.EditedAt.After(*o.EditedAt)
}

type Reaction struct {
	Id        string `json:"id"`
	MessageId string `json:"message_id"`
	UserId    int    `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
	Type      string `json:"type"`
}

type TypingState struct {
	RoomId      string
	UserId      int
	DisplayName string
	ExpiresAt   time.Time
}

type PresenceEntry struct {
	RoomId      string `json:"room_id"`
	UserId      int    `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

var ErrInvalidCursor = errors.New("invalid cursor")

// EncodeCursor returns an opaque history cursor pointing at msg. A page
// requested with this cursor holds messages strictly older than msg.
func EncodeCursor(msg Message) string {
	raw := strconv.FormatInt(msg.CreatedAt.UnixNano(), 10) + "|" + msg.Id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return time.Time{}, "", ErrInvalidCursor
	}

	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	return time.Unix(0, nanos).UTC(), id, nil
}

// MessagePage is one page of room history, oldest message first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"has_more"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}
