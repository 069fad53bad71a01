package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("workspace") != "acme" {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, raw); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebsocketDialer(t *testing.T) {
	srv := newEchoServer(t)
	d, err := NewWebsocketDialer(srv.URL)
	require.NoError(t, err)

	tcases := []struct {
		name     string
		auth     AuthContext
		rejected bool
	}{
		{"accepted", AuthContext{Token: "good", Workspace: "acme"}, false},
		{"bad token", AuthContext{Token: "bad", Workspace: "acme"}, true},
		{"wrong workspace", AuthContext{Token: "good", Workspace: "other"}, true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			conn, err := d.Dial(ctx, tc.auth)
			if tc.rejected {
				assert.ErrorIs(t, err, ErrAuthRejected)
				return
			}
			require.NoError(t, err)
			defer conn.Close()

			require.NoError(t, conn.WriteMessage([]byte(`{"event":"room:join","room_id":"r1"}`)))
			require.NoError(t, conn.WritePing())
			raw, err := conn.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, `{"event":"room:join","room_id":"r1"}`, string(raw))
		})
	}
}

func TestNewWebsocketDialer(t *testing.T) {
	d, err := NewWebsocketDialer("https://chat.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/base/ws", d.endpoint)

	_, err = NewWebsocketDialer("ftp://chat.example.com")
	assert.Error(t, err)
}

func TestWebsocketDialerUnreachable(t *testing.T) {
	d, err := NewWebsocketDialer("http://127.0.0.1:1")
	require.NoError(t, err)

	_, err = d.Dial(context.Background(), AuthContext{Token: "good", Workspace: "acme"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthRejected, "network errors are transient")
}
