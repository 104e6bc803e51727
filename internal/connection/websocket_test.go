package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/rentrt/internal/wire"
)

func TestEndpointURL(t *testing.T) {
	d := NewWebSocketDialer("https://rent.example.com/app/")
	u, err := d.EndpointURL("user-status", "a.b.c")
	require.NoError(t, err)
	assert.Equal(t, "wss://rent.example.com/app/realtime/user-status?token=a.b.c", u)

	d = NewWebSocketDialer("http://localhost:8080")
	u, err = d.EndpointURL("messaging", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/realtime/messaging", u)

	_, err = NewWebSocketDialer("ftp://x").EndpointURL("messaging", "")
	assert.Error(t, err)
}

// echoServer upgrades /realtime/{endpoint}, greets the client and echoes
// every frame back.
func echoServer(t *testing.T) (*httptest.Server, chan *http.Request) {
	t.Helper()
	reqs := make(chan *http.Request, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/realtime/") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		reqs <- r
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_online","data":{"user_id":"u1"}}`))
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			ws.WriteMessage(kind, data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func TestWebSocketDialerRoundTrip(t *testing.T) {
	srv, reqs := echoServer(t)
	d := NewWebSocketDialer(srv.URL)

	conn, err := d.Dial(context.Background(), "user-status", "secret")
	require.NoError(t, err)
	defer conn.Close()

	r := <-reqs
	assert.Equal(t, "/realtime/user-status", r.URL.Path)
	assert.Equal(t, "secret", r.URL.Query().Get("token"))

	greeting, err := conn.Read()
	require.NoError(t, err)
	assert.Contains(t, string(greeting), "user_online")

	require.True(t, conn.Send([]byte(`{"type":"ping"}`)))
	echo, err := conn.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(echo))

	require.NoError(t, conn.Close())
	assert.False(t, conn.Send([]byte(`{}`)))
}

func TestWebSocketDialerUnauthorized(t *testing.T) {
	srv, _ := echoServer(t)
	_, err := NewWebSocketDialer(srv.URL).Dial(context.Background(), "messaging", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestManagerOverWebSocket(t *testing.T) {
	srv, _ := echoServer(t)
	received := make(chan wire.Message, 4)
	m := NewManager(NewWebSocketDialer(srv.URL), fastConfig(0), func(endpoint string, msg wire.Message) {
		received <- msg
	}, nil)
	defer m.Close()

	require.NoError(t, m.ConnectToEndpoints(context.Background(), []string{"user-status"}, "secret"))

	select {
	case msg := <-received:
		ev, ok := msg.Event.(*wire.UserOnline)
		require.True(t, ok)
		assert.Equal(t, "u1", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}

	env, err := wire.NewEnvelope(wire.TypeUserOffline, wire.UserOffline{UserID: "u1"})
	require.NoError(t, err)
	require.True(t, m.Send("user-status", env))

	select {
	case msg := <-received:
		assert.Equal(t, wire.TypeUserOffline, msg.Type())
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}
