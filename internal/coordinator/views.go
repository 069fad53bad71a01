package coordinator

import (
	"fmt"
	"time"

	"github.com/npezzotti/go-teamchat/internal/reactions"
	"github.com/npezzotti/go-teamchat/internal/transport"
	"github.com/npezzotti/go-teamchat/internal/types"
)

type NotificationKind int

const (
	RoomChanged NotificationKind = iota
	MessagesChanged
	PresenceChanged
	TypingChanged
	ConnectionChanged
)

func (k NotificationKind) String() string {
	switch k {
	case RoomChanged:
		return "room"
	case MessagesChanged:
		return "messages"
	case PresenceChanged:
		return "presence"
	case TypingChanged:
		return "typing"
	case ConnectionChanged:
		return "connection"
	}
	return "unknown"
}

// Notification tells the UI which projection to re-read. It carries no
// state of its own beyond what identifies the change.
type Notification struct {
	Kind      NotificationKind
	RoomId    string
	MessageId string
	Removed   bool

	// Send is a copy of the pending send whose state changed.
	Send *PendingSend

	State          transport.State
	Reauthenticate bool

	Err error
}

type SendState int

const (
	SendSending SendState = iota
	SendAccepted
	SendDelivered
	SendRejected
	SendUnconfirmed
)

func (s SendState) String() string {
	switch s {
	case SendSending:
		return "sending"
	case SendAccepted:
		return "accepted"
	case SendDelivered:
		return "delivered"
	case SendRejected:
		return "rejected"
	case SendUnconfirmed:
		return "unconfirmed"
	}
	return "unknown"
}

// PendingSend is a message the user sent that has not yet shown up in the
// room. Sending means the frame was written but not answered; Unconfirmed
// means the connection dropped before an answer arrived.
type PendingSend struct {
	ClientId    string
	RoomId      string
	Content     string
	Type        types.MessageType
	ReplyTo     string
	Attachments []types.Attachment
	State       SendState
	RequestId   int
	MessageId   string
	Err         string
	CreatedAt   time.Time
}

type SendOptions struct {
	Type        types.MessageType
	ReplyTo     string
	Attachments []types.Attachment
}

// RequestError is a server rejection of an intent.
type RequestError struct {
	Intent  string
	Code    int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s rejected (%d): %s", e.Intent, e.Code, e.Message)
}

type MessageView struct {
	types.Message
	Groups []reactions.Group `json:"groups,omitempty"`
}

// RoomView is an immutable snapshot of one active room.
type RoomView struct {
	RoomId   string
	Info     *types.Room
	Messages []MessageView
	HasMore  bool
	Loading  bool
	Online   []types.PresenceEntry
	Typers   []types.TypingState
	Typing   string
	Pending  []PendingSend
}
