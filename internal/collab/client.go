package collab

import (
	"hash/fnv"
	"sync"

	"sitecraft/api/internal/util"
)

const clientBuffer = 64

var palette = []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080", "#9a6324"}

// Client is one connection of a user to a room. Outbound frames go through a bounded
// buffer; a client that falls behind is closed.
type Client struct {
	ID       string
	UserID   string
	UserName string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(userID, userName string) *Client {
	return &Client{
		ID:       util.NewID("conn"),
		UserID:   userID,
		UserName: userName,
		send:     make(chan []byte, clientBuffer),
		done:     make(chan struct{}),
	}
}

// Outbound yields frames to write to the socket.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the client is shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.Close()
		return false
	}
}

func colorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
