package events

import (
	"testing"
	"time"

	"github.com/npezzotti/go-teamchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tcases := []struct {
		name    string
		raw     string
		want    Event
		wantErr error
	}{
		{
			name: "message created",
			raw:  `{"event":"message:new","room_id":"r1","data":{"message":{"id":"m1","room_id":"r1","sender_id":3,"content":"hi","type":"text","created_at":"2024-01-01T00:00:00Z"}}}`,
			want: &MessageCreated{
				Scope: In("r1"),
				Message: types.Message{
					Id: "m1", RoomId: "r1", SenderId: 3, Content: "hi", Type: types.MessageTypeText,
					CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				},
			},
		},
		{
			name: "reaction removed",
			raw:  `{"event":"reaction:removed","room_id":"r1","data":{"message_id":"m1","reaction_id":"x"}}`,
			want: &ReactionRemoved{Scope: In("r1"), MessageId: "m1", ReactionId: "x"},
		},
		{
			name: "typing start",
			raw:  `{"event":"typing:start","room_id":"r2","data":{"user_id":7,"display_name":"ann"}}`,
			want: &TypingStarted{Scope: In("r2"), UserId: 7, DisplayName: "ann"},
		},
		{
			name: "room deleted without payload",
			raw:  `{"event":"room:deleted","room_id":"r2"}`,
			want: &RoomDeleted{Scope: In("r2")},
		},
		{
			name: "response keeps request id",
			raw:  `{"id":12,"event":"response","data":{"code":404,"error":"room not found"}}`,
			want: &Response{RequestId: 12, Code: 404, Error: "room not found"},
		},
		{
			name: "unknown event",
			raw:  `{"event":"poll:created","room_id":"r1","data":{"x":1}}`,
			want: &Unknown{Scope: In("r1"), Event: "poll:created"},
		},
		{
			name:    "not json",
			raw:     `{"event":`,
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "payload of wrong shape",
			raw:     `{"event":"user:online","room_id":"r1","data":{"user_id":"seven"}}`,
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "room scoped event without room",
			raw:     `{"event":"user:offline","data":{"user_id":1}}`,
			wantErr: ErrMalformedFrame,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tc.raw))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev)
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	raw, err := EncodeEvent(&Response{RequestId: 4, Code: 202})
	require.NoError(t, err)

	ev, err := DecodeEvent(raw)
	require.NoError(t, err)
	resp, ok := ev.(*Response)
	require.True(t, ok, "expected *Response, got %T", ev)
	assert.Equal(t, 4, resp.RequestId)
	assert.True(t, resp.Succeeded())

	raw, err = EncodeEvent(&MessageDeleted{Scope: In("r9"), MessageId: "m"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"room_id":"r9"`)
	assert.Contains(t, string(raw), `"event":"message:deleted"`)
}

func TestDecodeIntent(t *testing.T) {
	raw, err := EncodeIntent(5, &SendMessage{Scope: In("r1"), ClientId: "c1", Content: "hello", ReplyTo: "m0"})
	require.NoError(t, err)

	id, in, err := DecodeIntent(raw)
	require.NoError(t, err)
	assert.Equal(t, 5, id)
	assert.Equal(t, &SendMessage{Scope: In("r1"), ClientId: "c1", Content: "hello", ReplyTo: "m0"}, in)

	_, _, err = DecodeIntent([]byte(`{"id":1,"event":"room:explode","room_id":"r1"}`))
	assert.ErrorIs(t, err, ErrUnknownIntent)

	_, _, err = DecodeIntent([]byte(`{"id":1,"event":"room:join"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, _, err = DecodeIntent([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
