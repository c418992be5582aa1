package collab

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"sitecraft/api/internal/store"
	"sitecraft/api/internal/util"
)

// ChatStore persists rooms and chat history.
type ChatStore interface {
	UpsertRoom(ctx context.Context, room store.CollaborationRoom) error
	InsertChatMessage(ctx context.Context, message store.ChatMessage) error
	ListChatMessages(ctx context.Context, roomID string, limit int) ([]store.ChatMessage, error)
}

type Options struct {
	LockTTL         time.Duration
	PresenceTimeout time.Duration
	SweepInterval   time.Duration
	// PingInterval is how often connections are pinged; each pong refreshes
	// presence, so it must stay well under PresenceTimeout.
	PingInterval time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Minute
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = 30 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PresenceTimeout {
		o.PingInterval = o.PresenceTimeout / 3
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type room struct {
	mu           sync.Mutex
	id           string
	siteID       string
	page         string
	clients      map[string]*Client
	presence     map[string]*Presence
	chat         []ChatEntry
	seq          int64
	lastActivity time.Time
	removed      bool
}

// Manager owns every room of this process.
type Manager struct {
	locks LockStore
	chats ChatStore
	opts  Options

	mu    sync.Mutex
	rooms map[string]*room
}

func NewManager(locks LockStore, chats ChatStore, opts Options) *Manager {
	opts = opts.withDefaults()
	if locks == nil {
		locks = NewMemoryLockStore(opts.Now)
	}
	return &Manager{
		locks: locks,
		chats: chats,
		opts:  opts,
		rooms: make(map[string]*room),
	}
}

// RoomID names the room of a site, or of one page of a site.
func RoomID(siteID, page string) string {
	if page == "" {
		return siteID
	}
	return siteID + ":" + page
}

func splitRoomID(roomID string) (string, string) {
	siteID, page, _ := strings.Cut(roomID, ":")
	return siteID, page
}

func (m *Manager) room(roomID string, create bool) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok && create {
		siteID, page := splitRoomID(roomID)
		r = &room{
			id:           roomID,
			siteID:       siteID,
			page:         page,
			clients:      make(map[string]*Client),
			presence:     make(map[string]*Presence),
			lastActivity: m.opts.Now(),
		}
		m.rooms[roomID] = r
	}
	return r
}

func (r *room) broadcast(frame []byte, except *Client) {
	for _, client := range r.clients {
		if client == except {
			continue
		}
		client.enqueue(frame)
	}
}

func (r *room) userConnected(userID string) bool {
	for _, client := range r.clients {
		if client.UserID == userID {
			return true
		}
	}
	return false
}

func (r *room) users() []Presence {
	items := make([]Presence, 0, len(r.presence))
	for _, p := range r.presence {
		items = append(items, *p)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items
}

// Join registers client in roomID, sends it the room state and announces it to the others.
func (m *Manager) Join(ctx context.Context, roomID string, client *Client) error {
	if m.chats != nil {
		siteID, page := splitRoomID(roomID)
		if err := m.chats.UpsertRoom(ctx, store.CollaborationRoom{ID: roomID, SiteID: siteID, Page: page}); err != nil {
			return err
		}
	}

	var r *room
	for {
		r = m.room(roomID, true)
		r.mu.Lock()
		if !r.removed {
			break
		}
		// Swept between lookup and lock; take the fresh room.
		r.mu.Unlock()
	}
	defer r.mu.Unlock()

	now := m.opts.Now()
	known := r.userConnected(client.UserID)
	r.clients[client.ID] = client
	r.lastActivity = now

	p, ok := r.presence[client.UserID]
	if !ok {
		p = &Presence{UserID: client.UserID, UserName: client.UserName, Color: colorFor(client.UserID)}
		r.presence[client.UserID] = p
	}
	p.LastSeen = now

	if len(r.chat) == 0 && m.chats != nil {
		r.chat = m.loadChat(ctx, roomID)
	}

	locks, err := m.locks.List(ctx, roomID)
	if err != nil {
		log.Printf("collab: list locks for %s: %v", roomID, err)
		locks = []Lock{}
	}
	client.enqueue(encode(TypeRoomState, RoomState{
		RoomID: roomID,
		Users:  r.users(),
		Locks:  locks,
		Chat:   append([]ChatEntry{}, r.chat...),
		Seq:    r.seq,
	}))
	if !known {
		r.broadcast(encode(TypeUserJoined, *p), client)
	}
	log.Printf("collab: %s joined %s (%d connections)", client.UserID, roomID, len(r.clients))
	return nil
}

func (m *Manager) loadChat(ctx context.Context, roomID string) []ChatEntry {
	messages, err := m.chats.ListChatMessages(ctx, roomID, chatBufferSize)
	if err != nil {
		log.Printf("collab: load chat for %s: %v", roomID, err)
		return nil
	}
	entries := make([]ChatEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, chatEntry(msg))
	}
	return entries
}

func chatEntry(msg store.ChatMessage) ChatEntry {
	return ChatEntry{ID: msg.ID, UserID: msg.UserID, UserName: msg.UserName, Body: msg.Body, CreatedAt: msg.CreatedAt}
}

// Leave removes client. When it was the user's last connection in the room, the user's
// presence and locks go with it.
func (m *Manager) Leave(ctx context.Context, roomID string, client *Client) {
	client.Close()
	r := m.room(roomID, false)
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[client.ID]; !ok {
		return
	}
	delete(r.clients, client.ID)
	r.lastActivity = m.opts.Now()
	if r.userConnected(client.UserID) {
		return
	}
	m.dropUserLocked(ctx, r, client.UserID, "disconnected")
	log.Printf("collab: %s left %s", client.UserID, roomID)
}

// dropUserLocked removes a user's presence and locks. r.mu must be held.
func (m *Manager) dropUserLocked(ctx context.Context, r *room, userID, reason string) {
	delete(r.presence, userID)
	released, err := m.locks.ReleaseAll(ctx, r.id, userID)
	if err != nil {
		log.Printf("collab: release locks of %s in %s: %v", userID, r.id, err)
	}
	r.broadcast(encode(TypeUserLeft, userLeftPayload{UserID: userID, Reason: reason}), nil)
	for _, lock := range released {
		r.broadcast(encode(TypeLockReleased, lock), nil)
	}
}

// Touch marks the user as alive, e.g. on a websocket pong.
func (m *Manager) Touch(roomID, userID string) {
	r := m.room(roomID, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.presence[userID]; ok {
		p.LastSeen = m.opts.Now()
	}
}

// Handle processes one inbound frame from client.
func (m *Manager) Handle(ctx context.Context, roomID string, client *Client, frame []byte) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type == "" {
		client.enqueue(encode(TypeError, errorPayload{Code: "BAD_MESSAGE", Message: "message must be a JSON object with a type"}))
		return
	}

	r := m.room(roomID, false)
	if r == nil {
		client.enqueue(encode(TypeError, errorPayload{Code: "NOT_JOINED", Message: "join the room first"}))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[client.ID]; !ok {
		client.enqueue(encode(TypeError, errorPayload{Code: "NOT_JOINED", Message: "join the room first"}))
		return
	}
	now := m.opts.Now()
	r.lastActivity = now
	p := r.presence[client.UserID]
	if p == nil {
		p = &Presence{UserID: client.UserID, UserName: client.UserName, Color: colorFor(client.UserID)}
		r.presence[client.UserID] = p
	}
	p.LastSeen = now

	switch msg.Type {
	case TypePing:
		client.enqueue(encode(TypePong, nil))
	case TypePresence:
		m.handlePresence(r, client, p, msg.Payload)
	case TypeLockRequest:
		m.handleLockRequest(ctx, r, client, msg.Payload)
	case TypeLockRenew:
		m.handleLockRenew(ctx, r, client, msg.Payload)
	case TypeLockRelease:
		m.handleLockRelease(ctx, r, client, msg.Payload)
	case TypeOperation:
		m.handleOperation(ctx, r, client, msg.Payload)
	case TypeChat:
		m.handleChat(ctx, r, client, msg.Payload)
	default:
		client.enqueue(encode(TypeError, errorPayload{Code: "UNKNOWN_TYPE", Message: "unknown message type " + msg.Type}))
	}
}

func badPayload(client *Client, what string) {
	client.enqueue(encode(TypeError, errorPayload{Code: "BAD_PAYLOAD", Message: what}))
}

// Presence is last-write-wins per user.
func (m *Manager) handlePresence(r *room, client *Client, p *Presence, raw json.RawMessage) {
	var payload presencePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		badPayload(client, "presence payload is invalid")
		return
	}
	p.Cursor = payload.Cursor
	p.SelectedComponent = payload.SelectedComponent
	r.broadcast(encode(TypePresence, *p), client)
}

func decodeLockPayload(client *Client, raw json.RawMessage) (string, bool) {
	var payload lockPayload
	if err := json.Unmarshal(raw, &payload); err != nil || strings.TrimSpace(payload.ComponentID) == "" {
		badPayload(client, "componentId is required")
		return "", false
	}
	return payload.ComponentID, true
}

func (m *Manager) handleLockRequest(ctx context.Context, r *room, client *Client, raw json.RawMessage) {
	componentID, ok := decodeLockPayload(client, raw)
	if !ok {
		return
	}
	lock, acquired, err := m.locks.Acquire(ctx, r.id, componentID, Holder{UserID: client.UserID, UserName: client.UserName}, m.opts.LockTTL)
	if err != nil {
		log.Printf("collab: acquire %s in %s: %v", componentID, r.id, err)
		client.enqueue(encode(TypeError, errorPayload{Code: "LOCK_UNAVAILABLE", Message: "lock store unavailable"}))
		return
	}
	if !acquired {
		client.enqueue(encode(TypeLockDenied, lockDeniedPayload{
			ComponentID: componentID,
			HolderID:    lock.UserID,
			HolderName:  lock.UserName,
			ExpiresAt:   lock.ExpiresAt,
		}))
		return
	}
	r.broadcast(encode(TypeLockAcquired, lock), nil)
}

func (m *Manager) handleLockRenew(ctx context.Context, r *room, client *Client, raw json.RawMessage) {
	componentID, ok := decodeLockPayload(client, raw)
	if !ok {
		return
	}
	lock, renewed, err := m.locks.Renew(ctx, r.id, componentID, client.UserID, m.opts.LockTTL)
	if err != nil {
		log.Printf("collab: renew %s in %s: %v", componentID, r.id, err)
		client.enqueue(encode(TypeError, errorPayload{Code: "LOCK_UNAVAILABLE", Message: "lock store unavailable"}))
		return
	}
	if !renewed {
		client.enqueue(encode(TypeLockDenied, lockDeniedPayload{
			ComponentID: componentID,
			HolderID:    lock.UserID,
			HolderName:  lock.UserName,
			ExpiresAt:   lock.ExpiresAt,
		}))
		return
	}
	r.broadcast(encode(TypeLockAcquired, lock), nil)
}

func (m *Manager) handleLockRelease(ctx context.Context, r *room, client *Client, raw json.RawMessage) {
	componentID, ok := decodeLockPayload(client, raw)
	if !ok {
		return
	}
	released, err := m.locks.Release(ctx, r.id, componentID, client.UserID)
	if err != nil {
		log.Printf("collab: release %s in %s: %v", componentID, r.id, err)
		client.enqueue(encode(TypeError, errorPayload{Code: "LOCK_UNAVAILABLE", Message: "lock store unavailable"}))
		return
	}
	if !released {
		client.enqueue(encode(TypeError, errorPayload{Code: "NOT_LOCK_HOLDER", Message: "you do not hold this lock"}))
		return
	}
	r.broadcast(encode(TypeLockReleased, Lock{ComponentID: componentID, UserID: client.UserID, UserName: client.UserName}), nil)
}

// handleOperation relays an edit. There is no transform: an operation on a component locked
// by someone else is rejected, anything else is sequenced and broadcast.
func (m *Manager) handleOperation(ctx context.Context, r *room, client *Client, raw json.RawMessage) {
	var payload operationPayload
	if err := json.Unmarshal(raw, &payload); err != nil || strings.TrimSpace(payload.ComponentID) == "" || len(payload.Op) == 0 {
		badPayload(client, "operation needs componentId and op")
		return
	}
	lock, locked, err := m.locks.Get(ctx, r.id, payload.ComponentID)
	if err != nil {
		log.Printf("collab: check lock %s in %s: %v", payload.ComponentID, r.id, err)
		client.enqueue(encode(TypeOperationRejected, operationRejected{
			ComponentID: payload.ComponentID, ClientOpID: payload.ClientOpID, Reason: "lock store unavailable",
		}))
		return
	}
	if locked && lock.UserID != client.UserID {
		client.enqueue(encode(TypeOperationRejected, operationRejected{
			ComponentID: payload.ComponentID, ClientOpID: payload.ClientOpID, Reason: "component is locked", HolderID: lock.UserID,
		}))
		return
	}

	r.seq++
	r.broadcast(encode(TypeOperation, operationBroadcast{
		Seq: r.seq, UserID: client.UserID, ComponentID: payload.ComponentID, Op: payload.Op,
	}), client)
	client.enqueue(encode(TypeOperationAck, operationAck{Seq: r.seq, ClientOpID: payload.ClientOpID}))
}

func (m *Manager) handleChat(ctx context.Context, r *room, client *Client, raw json.RawMessage) {
	var payload chatPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		badPayload(client, "chat payload is invalid")
		return
	}
	body := strings.TrimSpace(payload.Body)
	if body == "" || len([]rune(body)) > maxChatLength {
		badPayload(client, "chat body must be 1-2000 characters")
		return
	}
	entry := ChatEntry{
		ID:        util.NewID("msg"),
		UserID:    client.UserID,
		UserName:  client.UserName,
		Body:      body,
		CreatedAt: m.opts.Now().UTC(),
	}
	if m.chats != nil {
		if err := m.chats.InsertChatMessage(ctx, store.ChatMessage{
			ID: entry.ID, RoomID: r.id, UserID: entry.UserID, UserName: entry.UserName, Body: entry.Body, CreatedAt: entry.CreatedAt,
		}); err != nil {
			log.Printf("collab: persist chat in %s: %v", r.id, err)
			client.enqueue(encode(TypeError, errorPayload{Code: "CHAT_FAILED", Message: "message could not be saved"}))
			return
		}
	}
	r.chat = append(r.chat, entry)
	if len(r.chat) > chatBufferSize {
		r.chat = append([]ChatEntry(nil), r.chat[len(r.chat)-chatBufferSize:]...)
	}
	r.broadcast(encode(TypeChat, entry), nil)
}

// Sweep expires locks, drops users whose presence timed out and forgets empty rooms.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	now := m.opts.Now()
	for _, r := range rooms {
		r.mu.Lock()
		expired, err := m.locks.Expire(ctx, r.id)
		if err != nil {
			log.Printf("collab: expire locks in %s: %v", r.id, err)
		}
		for _, lock := range expired {
			r.broadcast(encode(TypeLockExpired, lock), nil)
		}

		for userID, p := range r.presence {
			if now.Sub(p.LastSeen) <= m.opts.PresenceTimeout {
				continue
			}
			for id, client := range r.clients {
				if client.UserID == userID {
					client.Close()
					delete(r.clients, id)
				}
			}
			m.dropUserLocked(ctx, r, userID, "timeout")
			log.Printf("collab: %s timed out in %s", userID, r.id)
		}

		empty := len(r.clients) == 0 && now.Sub(r.lastActivity) > m.opts.PresenceTimeout
		r.mu.Unlock()

		if empty {
			m.mu.Lock()
			if current, ok := m.rooms[r.id]; ok && current == r {
				r.mu.Lock()
				if len(r.clients) == 0 {
					r.removed = true
					delete(m.rooms, r.id)
				}
				r.mu.Unlock()
			}
			m.mu.Unlock()
		}
	}
}

// Run sweeps on every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Snapshot returns the current users and locks of a room.
func (m *Manager) Snapshot(ctx context.Context, roomID string) (RoomState, error) {
	locks, err := m.locks.List(ctx, roomID)
	if err != nil {
		return RoomState{}, err
	}
	state := RoomState{RoomID: roomID, Users: []Presence{}, Locks: locks, Chat: []ChatEntry{}}
	r := m.room(roomID, false)
	if r == nil {
		return state, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state.Users = r.users()
	state.Chat = append(state.Chat, r.chat...)
	state.Seq = r.seq
	return state, nil
}

// ChatHistory reads persisted chat, falling back to the in-memory buffer.
func (m *Manager) ChatHistory(ctx context.Context, roomID string, limit int) ([]ChatEntry, error) {
	if m.chats != nil {
		messages, err := m.chats.ListChatMessages(ctx, roomID, limit)
		if err != nil {
			return nil, err
		}
		entries := make([]ChatEntry, 0, len(messages))
		for _, msg := range messages {
			entries = append(entries, chatEntry(msg))
		}
		return entries, nil
	}
	r := m.room(roomID, false)
	if r == nil {
		return []ChatEntry{}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := append([]ChatEntry{}, r.chat...)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// LockHolder reports who holds a component lock in the site room or its page room.
func (m *Manager) LockHolder(ctx context.Context, siteID, page, componentID string) (Lock, bool, error) {
	roomIDs := []string{RoomID(siteID, "")}
	if page != "" {
		roomIDs = append(roomIDs, RoomID(siteID, page))
	}
	for _, roomID := range roomIDs {
		lock, ok, err := m.locks.Get(ctx, roomID, componentID)
		if err != nil || ok {
			return lock, ok, err
		}
	}
	return Lock{}, false, nil
}

// Shutdown closes every client; transports then leave their rooms.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		r.mu.Lock()
		for _, client := range r.clients {
			client.Close()
		}
		r.mu.Unlock()
	}
}
