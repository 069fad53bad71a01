// Package events defines the frames exchanged over a chat connection: the
// closed set of server events, the closed set of client intents, and the
// codec between them and the wire.
package events

import (
	"time"

	"github.com/npezzotti/go-teamchat/internal/types"
)

const (
	EventMessageNew      = "message:new"
	EventMessageUpdated  = "message:updated"
	EventMessageDeleted  = "message:deleted"
	EventReactionAdded   = "reaction:added"
	EventReactionRemoved = "reaction:removed"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventUserOnline      = "user:online"
	EventUserOffline     = "user:offline"
	EventRoomDeleted     = "room:deleted"
	EventResponse        = "response"
)

const (
	IntentJoinRoom       = "room:join"
	IntentLeaveRoom      = "room:leave"
	IntentSendMessage    = "message:send"
	IntentEditMessage    = "message:edit"
	IntentDeleteMessage  = "message:delete"
	IntentAddReaction    = "reaction:add"
	IntentRemoveReaction = "reaction:remove"
	IntentStartTyping    = "typing:start"
	IntentStopTyping     = "typing:stop"
)

// Scope carries the room a frame belongs to. It travels in the frame header,
// not in the payload.
type Scope struct {
	RoomId string `json:"-"`
}

func (s Scope) Room() string { return s.RoomId }

func (s *Scope) scope() *Scope { return s }

// Event is a server-to-client event. The set of implementations is closed;
// anything the decoder does not recognise becomes *Unknown.
type Event interface {
	EventName() string
	Room() string
	scope() *Scope
}

type MessageCreated struct {
	Scope
	Message types.Message `json:"message"`
}

type MessageUpdated struct {
	Scope
	MessageId string    `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

type MessageDeleted struct {
	Scope
	MessageId string `json:"message_id"`
}

type ReactionAdded struct {
	Scope
	Reaction types.Reaction `json:"reaction"`
}

type ReactionRemoved struct {
	Scope
	MessageId  string `json:"message_id"`
	ReactionId string `json:"reaction_id"`
}

type TypingStarted struct {
	Scope
	UserId      int    `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type TypingStopped struct {
	Scope
	UserId int `json:"user_id"`
}

type UserOnline struct {
	Scope
	UserId      int    `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

type UserOffline struct {
	Scope
	UserId int `json:"user_id"`
}

type RoomDeleted struct {
	Scope
}

// Response answers the client intent whose frame carried RequestId.
type Response struct {
	Scope
	RequestId int            `json:"-"`
	Code      int            `json:"code"`
	Error     string         `json:"error,omitempty"`
	RoomInfo  *types.Room    `json:"room,omitempty"`
	Message   *types.Message `json:"message,omitempty"`
}

// Unknown is any frame whose event name is not part of the protocol.
type Unknown struct {
	Scope
	Event string `json:"-"`
}

func (MessageCreated) EventName() string  { return EventMessageNew }
func (MessageUpdated) EventName() string  { return EventMessageUpdated }
func (MessageDeleted) EventName() string  { return EventMessageDeleted }
func (ReactionAdded) EventName() string   { return EventReactionAdded }
func (ReactionRemoved) EventName() string { return EventReactionRemoved }
func (TypingStarted) EventName() string   { return EventTypingStart }
func (TypingStopped) EventName() string   { return EventTypingStop }
func (UserOnline) EventName() string      { return EventUserOnline }
func (UserOffline) EventName() string     { return EventUserOffline }
func (RoomDeleted) EventName() string     { return EventRoomDeleted }
func (Response) EventName() string        { return EventResponse }
func (u Unknown) EventName() string       { return u.Event }

// Succeeded reports whether the server accepted the request.
func (r Response) Succeeded() bool {
	return r.Code >= 200 && r.Code < 300
}

// Intent is a client-to-server request.
type Intent interface {
	IntentName() string
	Room() string
	scope() *Scope
}

type JoinRoom struct {
	Scope
}

type LeaveRoom struct {
	Scope
	Unsubscribe bool `json:"unsubscribe,omitempty"`
}

type SendMessage struct {
	Scope
	ClientId    string             `json:"client_id"`
	Content     string             `json:"content"`
	Type        types.MessageType  `json:"type,omitempty"`
	ReplyTo     string             `json:"reply_to,omitempty"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

type EditMessage struct {
	Scope
	MessageId string `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessage struct {
	Scope
	MessageId string `json:"message_id"`
}

type AddReaction struct {
	Scope
	MessageId string `json:"message_id"`
	Type      string `json:"type"`
}

type RemoveReaction struct {
	Scope
	MessageId  string `json:"message_id"`
	ReactionId string `json:"reaction_id"`
}

type StartTyping struct {
	Scope
}

type StopTyping struct {
	Scope
}

func (JoinRoom) IntentName() string       { return IntentJoinRoom }
func (LeaveRoom) IntentName() string      { return IntentLeaveRoom }
func (SendMessage) IntentName() string    { return IntentSendMessage }
func (EditMessage) IntentName() string    { return IntentEditMessage }
func (DeleteMessage) IntentName() string  { return IntentDeleteMessage }
func (AddReaction) IntentName() string    { return IntentAddReaction }
func (RemoveReaction) IntentName() string { return IntentRemoveReaction }
func (StartTyping) IntentName() string    { return IntentStartTyping }
func (StopTyping) IntentName() string     { return IntentStopTyping }

// In returns a Scope for roomId, for use in composite literals.
func In(roomId string) Scope {
	return Scope{RoomId: roomId}
}
