package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownIntent  = errors.New("unknown intent")
)

// Frame is the JSON envelope of every websocket message in either direction.
type Frame struct {
	Id        int             `json:"id,omitempty"`
	Event     string          `json:"event"`
	RoomId    string          `json:"room_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

func encode(id int, name, roomId string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}

	return json.Marshal(Frame{
		Id:        id,
		Event:     name,
		RoomId:    roomId,
		Data:      data,
		Timestamp: Now(),
	})
}

// EncodeEvent serializes a server event into a frame.
func EncodeEvent(ev Event) ([]byte, error) {
	var id int
	if r, ok := ev.(*Response); ok {
		id = r.RequestId
	}
	return encode(id, ev.EventName(), ev.Room(), ev)
}

// DecodeEvent parses a server frame. Frames with an unrecognised event name
// decode to *Unknown without error.
func DecodeEvent(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var ev Event
	switch f.Event {
	case EventMessageNew:
		ev = &MessageCreated{}
	case EventMessageUpdated:
		ev = &MessageUpdated{}
	case EventMessageDeleted:
		ev = &MessageDeleted{}
	case EventReactionAdded:
		ev = &ReactionAdded{}
	case EventReactionRemoved:
		ev = &ReactionRemoved{}
	case EventTypingStart:
		ev = &TypingStarted{}
	case EventTypingStop:
		ev = &TypingStopped{}
	case EventUserOnline:
		ev = &UserOnline{}
	case EventUserOffline:
		ev = &UserOffline{}
	case EventRoomDeleted:
		ev = &RoomDeleted{}
	case EventResponse:
		ev = &Response{RequestId: f.Id}
	default:
		return &Unknown{Scope: Scope{RoomId: f.RoomId}, Event: f.Event}, nil
	}

	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, f.Event, err)
		}
	}

	if f.RoomId == "" && f.Event != EventResponse {
		return nil, fmt.Errorf("%w: %s without room id", ErrMalformedFrame, f.Event)
	}

	ev.scope().RoomId = f.RoomId
	return ev, nil
}

// EncodeIntent serializes a client intent with request id id. A zero id
// means the client does not expect a response.
func EncodeIntent(id int, in Intent) ([]byte, error) {
	return encode(id, in.IntentName(), in.Room(), in)
}

// DecodeIntent parses a client frame and returns its request id with the
// intent it carries.
func DecodeIntent(raw []byte) (int, Intent, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var in Intent
	switch f.Event {
	case IntentJoinRoom:
		in = &JoinRoom{}
	case IntentLeaveRoom:
		in = &LeaveRoom{}
	case IntentSendMessage:
		in = &SendMessage{}
	case IntentEditMessage:
		in = &EditMessage{}
	case IntentDeleteMessage:
		in = &DeleteMessage{}
	case IntentAddReaction:
		in = &AddReaction{}
	case IntentRemoveReaction:
		in = &RemoveReaction{}
	case IntentStartTyping:
		in = &StartTyping{}
	case IntentStopTyping:
		in = &StopTyping{}
	default:
		return f.Id, nil, fmt.Errorf("%w: %q", ErrUnknownIntent, f.Event)
	}

	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, in); err != nil {
			return f.Id, nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, f.Event, err)
		}
	}

	if f.RoomId == "" {
		return f.Id, nil, fmt.Errorf("%w: %s without room id", ErrMalformedFrame, f.Event)
	}

	in.scope().RoomId = f.RoomId
	return f.Id, in, nil
}
