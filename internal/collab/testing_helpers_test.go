package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"sitecraft/api/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryChats struct {
	mu       sync.Mutex
	rooms    map[string]store.CollaborationRoom
	messages []store.ChatMessage
}

func newMemoryChats() *memoryChats {
	return &memoryChats{rooms: map[string]store.CollaborationRoom{}}
}

func (c *memoryChats) UpsertRoom(_ context.Context, room store.CollaborationRoom) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room.ID] = room
	return nil
}

func (c *memoryChats) InsertChatMessage(_ context.Context, message store.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	return nil
}

func (c *memoryChats) ListChatMessages(_ context.Context, roomID string, limit int) ([]store.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]store.ChatMessage, 0)
	for _, msg := range c.messages {
		if msg.RoomID == roomID {
			items = append(items, msg)
		}
	}
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

// drain returns every frame queued for the client, decoded.
func drain(t *testing.T, client *Client) []Message {
	t.Helper()
	out := make([]Message, 0)
	for {
		select {
		case frame := <-client.Outbound():
			var msg Message
			if err := json.Unmarshal(frame, &msg); err != nil {
				t.Fatalf("decode frame %s: %v", frame, err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func types(messages []Message) []string {
	out := make([]string, len(messages))
	for i, msg := range messages {
		out[i] = msg.Type
	}
	return out
}

func frame(t *testing.T, msgType string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(Message{Type: msgType, Payload: raw})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func decodePayload[T any](t *testing.T, msg Message) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", msg.Type, err)
	}
	return out
}
