package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-teamchat/internal/events"
	"github.com/npezzotti/go-teamchat/internal/types"
)

// clientIntent is an intent read from a client connection. A zero id means
// the client expects no response.
type clientIntent struct {
	id     int
	intent events.Intent
	client *Client
	at     time.Time
}

func (ci *clientIntent) roomId() string {
	return ci.intent.Room()
}

// respond queues resp for the client that sent ci, when one is expected.
func (ci *clientIntent) respond(resp *events.Response) {
	if ci.id == 0 || ci.client == nil {
		return
	}
	resp.RequestId = ci.id
	resp.RoomId = ci.roomId()
	ci.client.queueMessage(resp)
}

func NoErrOK() *events.Response {
	return &events.Response{Code: http.StatusOK}
}

func NoErrRoomInfo(room types.Room) *events.Response {
	return &events.Response{Code: http.StatusOK, RoomInfo: &room}
}

func NoErrMessage(msg types.Message) *events.Response {
	return &events.Response{Code: http.StatusOK, Message: &msg}
}

func NoErrAccepted() *events.Response {
	return &events.Response{Code: http.StatusAccepted}
}

func ErrRoomNotFound() *events.Response {
	return &events.Response{Code: http.StatusNotFound, Error: "room not found"}
}

func ErrNotJoined() *events.Response {
	return &events.Response{Code: http.StatusNotFound, Error: "room not joined"}
}

func ErrMessageNotFound() *events.Response {
	return &events.Response{Code: http.StatusNotFound, Error: "message not found"}
}

func ErrForbidden(reason string) *events.Response {
	return &events.Response{Code: http.StatusForbidden, Error: reason}
}

func ErrInternalError() *events.Response {
	return &events.Response{Code: http.StatusInternalServerError, Error: "internal server error"}
}

func ErrServiceUnavailable() *events.Response {
	return &events.Response{Code: http.StatusServiceUnavailable, Error: "service unavailable"}
}

func ErrTooManyRequests() *events.Response {
	return &events.Response{Code: http.StatusTooManyRequests, Error: "too many requests"}
}

func ErrInvalidMessage(reason string) *events.Response {
	if reason == "" {
		reason = "invalid message format"
	}
	return &events.Response{Code: http.StatusBadRequest, Error: reason}
}
