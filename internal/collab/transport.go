package collab

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Upgrader builds the websocket upgrader. An empty origin allows any origin.
func Upgrader(allowedOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
		},
	}
}

// ServeWS upgrades the request and runs the connection until either side closes it.
// The caller has already authenticated the user and authorised access to the room.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, roomID, userID, userName string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("collab: upgrade failed: %v", err)
		return
	}

	client := NewClient(userID, userName)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Join(ctx, roomID, client); err != nil {
		log.Printf("collab: join %s: %v", roomID, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "join failed"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go m.writePump(conn, client)
	m.readPump(ctx, conn, roomID, client)
}

func (m *Manager) readPump(ctx context.Context, conn *websocket.Conn, roomID string, client *Client) {
	defer func() {
		m.Leave(context.Background(), roomID, client)
		_ = conn.Close()
	}()

	// A peer that misses pongs for a whole presence timeout is gone.
	readWait := m.opts.PresenceTimeout + m.opts.PingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		m.Touch(roomID, client.UserID)
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("collab: read from %s: %v", client.UserID, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case <-client.Done():
			return
		default:
		}
		m.Handle(ctx, roomID, client, frame)
	}
}

func (m *Manager) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-client.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				client.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		case <-client.Done():
			// Flush what is already queued, then say goodbye.
			for {
				select {
				case frame := <-client.Outbound():
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}
