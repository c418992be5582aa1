// Package collab implements the real-time editing rooms behind the site builder: presence,
// component locks, the operation relay and room chat.
package collab

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	TypePresence    = "presence"
	TypeLockRequest = "lock_request"
	TypeLockRelease = "lock_release"
	TypeLockRenew   = "lock_renew"
	TypeOperation   = "operation"
	TypeChat        = "chat"
	TypePing        = "ping"
)

// Outbound message types.
const (
	TypeRoomState         = "room_state"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeLockAcquired      = "lock_acquired"
	TypeLockDenied        = "lock_denied"
	TypeLockReleased      = "lock_released"
	TypeLockExpired       = "lock_expired"
	TypeOperationAck      = "operation_ack"
	TypeOperationRejected = "operation_rejected"
	TypeError             = "error"
	TypePong              = "pong"
)

const (
	maxChatLength  = 2000
	chatBufferSize = 50
)

// Message is the envelope of every frame on the socket.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Presence struct {
	UserID            string          `json:"userId"`
	UserName          string          `json:"userName"`
	Color             string          `json:"color"`
	Cursor            json.RawMessage `json:"cursor,omitempty"`
	SelectedComponent string          `json:"selectedComponent,omitempty"`
	LastSeen          time.Time       `json:"lastSeen"`
}

type Lock struct {
	ComponentID string    `json:"componentId"`
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type ChatEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomState is sent to a client when it joins and served by the REST snapshot endpoint.
type RoomState struct {
	RoomID string      `json:"roomId"`
	Users  []Presence  `json:"users"`
	Locks  []Lock      `json:"locks"`
	Chat   []ChatEntry `json:"chat"`
	Seq    int64       `json:"seq"`
}

type presencePayload struct {
	Cursor            json.RawMessage `json:"cursor,omitempty"`
	SelectedComponent string          `json:"selectedComponent,omitempty"`
}

type lockPayload struct {
	ComponentID string `json:"componentId"`
}

type lockDeniedPayload struct {
	ComponentID string    `json:"componentId"`
	HolderID    string    `json:"holderId"`
	HolderName  string    `json:"holderName"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type operationPayload struct {
	ComponentID string          `json:"componentId"`
	ClientOpID  string          `json:"clientOpId,omitempty"`
	Op          json.RawMessage `json:"op"`
}

type operationBroadcast struct {
	Seq         int64           `json:"seq"`
	UserID      string          `json:"userId"`
	ComponentID string          `json:"componentId"`
	Op          json.RawMessage `json:"op"`
}

type operationAck struct {
	Seq        int64  `json:"seq"`
	ClientOpID string `json:"clientOpId,omitempty"`
}

type operationRejected struct {
	ComponentID string `json:"componentId"`
	ClientOpID  string `json:"clientOpId,omitempty"`
	Reason      string `json:"reason"`
	HolderID    string `json:"holderId,omitempty"`
}

type chatPayload struct {
	Body string `json:"body"`
}

type userLeftPayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encode(msgType string, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			raw = b
		}
	}
	b, _ := json.Marshal(Message{Type: msgType, Payload: raw})
	return b
}
