package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(frame, &msg))
	return msg
}

func TestServeWSRoundTrip(t *testing.T) {
	m := NewManager(nil, nil, Options{})
	upgrader := Upgrader("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		m.ServeWS(w, r, upgrader, "sit_1", user, strings.ToUpper(user))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	alice, _, err := websocket.DefaultDialer.Dial(wsURL+"?user=alice", nil)
	require.NoError(t, err)
	defer alice.Close()
	assert.Equal(t, TypeRoomState, readMessage(t, alice).Type)

	bob, _, err := websocket.DefaultDialer.Dial(wsURL+"?user=bob", nil)
	require.NoError(t, err)
	assert.Equal(t, TypeRoomState, readMessage(t, bob).Type)
	joined := readMessage(t, alice)
	require.Equal(t, TypeUserJoined, joined.Type)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, TypePong, readMessage(t, alice).Type)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"lock_request","payload":{"componentId":"cmp_1"}}`)))
	assert.Equal(t, TypeLockAcquired, readMessage(t, alice).Type)
	assert.Equal(t, TypeLockAcquired, readMessage(t, bob).Type)

	// Alice disconnects; Bob is told and the lock is released.
	require.NoError(t, alice.Close())
	assert.Equal(t, TypeUserLeft, readMessage(t, bob).Type)
	released := readMessage(t, bob)
	require.Equal(t, TypeLockReleased, released.Type)
	var lock Lock
	require.NoError(t, json.Unmarshal(released.Payload, &lock))
	assert.Equal(t, "cmp_1", lock.ComponentID)
	require.NoError(t, bob.Close())
}

func TestUpgraderOriginCheck(t *testing.T) {
	upgrader := Upgrader("https://app.sitecraft.test")
	req := httptest.NewRequest(http.MethodGet, "/api/collab/ws", nil)
	req.Header.Set("Origin", "https://evil.test")
	assert.False(t, upgrader.CheckOrigin(req))
	req.Header.Set("Origin", "https://app.sitecraft.test")
	assert.True(t, upgrader.CheckOrigin(req))
}

func TestPongsKeepIdleConnectionPresent(t *testing.T) {
	m := NewManager(nil, nil, Options{PresenceTimeout: 300 * time.Millisecond})
	require.Less(t, m.opts.PingInterval, m.opts.PresenceTimeout)
	upgrader := Upgrader("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.ServeWS(w, r, upgrader, "sit_1", "usr_a", "Ada")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, TypeRoomState, readMessage(t, conn).Type)

	// The default ping handler answers pongs while the client keeps reading.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		time.Sleep(250 * time.Millisecond)
		m.Sweep(ctx)
	}

	state, err := m.Snapshot(ctx, "sit_1")
	require.NoError(t, err)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "usr_a", state.Users[0].UserID)
	select {
	case <-closed:
		t.Fatal("idle but responsive connection was closed")
	default:
	}
}
