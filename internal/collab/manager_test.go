package collab

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(clock *fakeClock, chats ChatStore) *Manager {
	return NewManager(NewMemoryLockStore(clock.Now), chats, Options{
		LockTTL:         5 * time.Minute,
		PresenceTimeout: 30 * time.Second,
		Now:             clock.Now,
	})
}

func TestJoinSendsRoomStateAndAnnouncesNewcomer(t *testing.T) {
	clock := newFakeClock()
	chats := newMemoryChats()
	m := newTestManager(clock, chats)
	ctx := context.Background()

	alice := NewClient("usr_alice", "Alice")
	bob := NewClient("usr_bob", "Bob")
	require.NoError(t, m.Join(ctx, "sit_1", alice))
	drain(t, alice)
	require.NoError(t, m.Join(ctx, "sit_1", bob))

	bobMsgs := drain(t, bob)
	require.Equal(t, []string{TypeRoomState}, types(bobMsgs))
	state := decodePayload[RoomState](t, bobMsgs[0])
	assert.Equal(t, "sit_1", state.RoomID)
	require.Len(t, state.Users, 2)
	assert.Equal(t, "usr_alice", state.Users[0].UserID)

	aliceMsgs := drain(t, alice)
	require.Equal(t, []string{TypeUserJoined}, types(aliceMsgs))
	assert.Equal(t, "usr_bob", decodePayload[Presence](t, aliceMsgs[0]).UserID)

	assert.Contains(t, chats.rooms, "sit_1")
}

func TestSecondConnectionOfSameUserIsNotAnnounced(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, nil)
	ctx := context.Background()

	alice := NewClient("usr_alice", "Alice")
	bob := NewClient("usr_bob", "Bob")
	bobTab := NewClient("usr_bob", "Bob")
	require.NoError(t, m.Join(ctx, "sit_1", alice))
	require.NoError(t, m.Join(ctx, "sit_1", bob))
	drain(t, alice)
	require.NoError(t, m.Join(ctx, "sit_1", bobTab))
	assert.Empty(t, drain(t, alice))

	// Closing one tab keeps Bob present.
	m.Leave(ctx, "sit_1", bob)
	assert.Empty(t, drain(t, alice))
	m.Leave(ctx, "sit_1", bobTab)
	assert.Equal(t, []string{TypeUserLeft}, types(drain(t, alice)))
}

func TestLockLifecycle(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, nil)
	ctx := context.Background()

	alice := NewClient("usr_alice", "Alice")
	bob := NewClient("usr_bob", "Bob")
	require.NoError(t, m.Join(ctx, "sit_1", alice))
	require.NoError(t, m.Join(ctx, "sit_1", bob))
	drain(t, alice)
	drain(t, bob)

	m.Handle(ctx, "sit_1", alice, frame(t, TypeLockRequest, map[string]string{"componentId": "cmp_hero"}))
	aliceMsgs := drain(t, alice)
	require.Equal(t, []string{TypeLockAcquired}, types(aliceMsgs))
	lock := decodePayload[Lock](t, aliceMsgs[0])
	assert.Equal(t, "usr_alice", lock.UserID)
	assert.Equal(t, clock.Now().Add(5*time.Minute), lock.ExpiresAt)
	assert.Equal(t, []string{TypeLockAcquired}, types(drain(t, bob)))

	m.Handle(ctx, "sit_1", bob, frame(t, TypeLockRequest, map[string]string{"componentId": "cmp_hero"}))
	bobMsgs := drain(t, bob)
	require.Equal(t, []string{TypeLockDenied}, types(bobMsgs))
	denied := decodePayload[lockDeniedPayload](t, bobMsgs[0])
	assert.Equal(t, "usr_alice", denied.HolderID)
	assert.Equal(t, "Alice", denied.HolderName)
	assert.Empty(t, drain(t, alice))

	// Re-requesting by the holder renews.
	clock.Advance(time.Minute)
	m.Handle(ctx, "sit_1", alice, frame(t, TypeLockRequest, map[string]string{"componentId": "cmp_hero"}))
	renewed := decodePayload[Lock](t, drain(t, alice)[0])
	assert.Equal(t, clock.Now().Add(5*time.Minute), renewed.ExpiresAt)
	drain(t, bob)

	m.Handle(ctx, "sit_1", bob, frame(t, TypeLockRelease, map[string]string{"componentId": "cmp_hero"}))
	assert.Equal(t, []string{TypeError}, types(drain(t, bob)))

	m.Handle(ctx, "sit_1", alice, frame(t, TypeLockRelease, map[string]string{"componentId": "cmp_hero"}))
	assert.Equal(t, []string{TypeLockReleased}, types(drain(t, alice)))
	assert.Equal(t, []string{TypeLockReleased}, types(drain(t, bob)))

	m.Handle(ctx, "sit_1", bob, frame(t, TypeLockRequest, map[string]string{"componentId": "cmp_hero"}))
	assert.Equal(t, []string{TypeLockAcquired}, types(drain(t, bob)))
}

func TestLeaveReleasesLocks(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, nil)
	ctx := context.Background()

	alice := NewClient("usr_alice", "Alice")
	bob := NewClient("usr_bob", "Bob")
	require.NoError(t, m.Join(ctx, "sit_1", alice))
	require.NoError(t, m.Join(ctx, "sit_1", bob))
	m.Handle(ctx, "sit_1", alice, frame(t, TypeLockRequest, map[string]string{"componentId": "cmp_a"}))
	m.Handle(ctx, "sit_1", alice, frame(t, TypeLockRequest, map[string]string{"componentId": "cmp_b"}))
	drain(t, bob)

	m.Leave(ctx, "sit_1", alice)
	assert.Equal(t, []string{TypeUserLeft, TypeLockReleased, TypeLockReleased}, types(drain(t, bob)))

	_, held, err := m.LockHolder(ctx, "sit_1", "", "cmp_a")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestOperationRelay(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, nil)
	ctx := context.Background()

	alice := NewClient("usr_alice", "Alice")
	bob := NewClient("usr_bob", "Bob")
	require.NoError(t, m.Join(ctx, "sit_1", alice))
	require.NoError(t, m.Join(ctx, "sit_1", bob))
	drain(t, alice)
	drain(t, bob)

	op := map[string]any{"componentId": "cmp_hero", "clientOpId": "op-1", "op": map[string]any{"set": map[string]string{"title": "Hello"}}}
	m.Handle(ctx, "sit_1", alice, frame(t, TypeOperation, op))

	aliceMsgs := drain(t, alice)
	require.Equal(t, []string{TypeOperationAck}, types(aliceMsgs))
	ack := decodePayload[operationAck](t, aliceMsgs[0])
	assert.Equal(t, int64(1), ack.Seq)
	assert.Equal(t, "op-1", ack.ClientOpID)

	bobMsgs := drain(t, bob)
	require.Equal(t, []string{TypeOperation}, types(bobMsgs))
	relayed := decodePayload[operationBroadcast](t, bobMsgs[0])
	assert.Equal(t, int64(1), relayed.Seq)
	assert.JSONEq(t, `{"set":{"title":"Hello"}}`, string(relayed.Op))

	// Bob locks the component; Alice's next edit is rejected and not relayed.
	m.Handle(ctx, "sit_1", bob, frame(t, TypeLockRequest, map[string]string{"componentId": "cmp_hero"}))
	drain(t, alice)
	drain(t, bob)
	op["clientOpId"] = "op-2"
	m.Handle(ctx, "sit_1", alice, frame(t, TypeOperation, op))
	aliceMsgs = drain(t, alice)
	require.Equal(t, []string{TypeOperationRejected}, types(aliceMsgs))
	assert.Equal(t, "usr_bob", decodePayload[operationRejected](t, aliceMsgs[0]).HolderID)
	assert.Empty(t, drain(t, bob))

	// The holder's own edits go through with the next sequence number.
	m.Handle(ctx, "sit_1", bob, frame(t, TypeOperation, op))
	assert.Equal(t, int64(2), decodePayload[operationAck](t, drain(t, bob)[0]).Seq)
}

func TestChatIsPersistedAndBroadcast(t *testing.T) {
	clock := newFakeClock()
	chats := newMemoryChats()
	m := newTestManager(clock, chats)
	ctx := context.Background()

	alice := NewClient("usr_alice", "Alice")
	bob := NewClient("usr_bob", "Bob")
	require.NoError(t, m.Join(ctx, "sit_1", alice))
	require.NoError(t, m.Join(ctx, "sit_1", bob))
	drain(t, alice)
	drain(t, bob)

	m.Handle(ctx, "sit_1", alice, frame(t, TypeChat, map[string]string{"body": "  ship it?  "}))
	assert.Equal(t, []string{TypeChat}, types(drain(t, alice)))
	bobMsgs := drain(t, bob)
	require.Equal(t, []string{TypeChat}, types(bobMsgs))
	assert.Equal(t, "ship it?", decodePayload[ChatEntry](t, bobMsgs[0]).Body)
	require.Len(t, chats.messages, 1)
	assert.Equal(t, "sit_1", chats.messages[0].RoomID)

	m.Handle(ctx, "sit_1", alice, frame(t, TypeChat, map[string]string{"body": strings.Repeat("x", maxChatLength+1)}))
	assert.Equal(t, []string{TypeError}, types(drain(t, alice)))

	history, err := m.ChatHistory(ctx, "sit_1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	// A late joiner sees the chat in the room state.
	carol := NewClient("usr_carol", "Carol")
	require.NoError(t, m.Join(ctx, "sit_1", carol))
	state := decodePayload[RoomState](t, drain(t, carol)[0])
	require.Len(t, state.Chat, 1)
}

func TestSweepExpiresLocksAndStalePresence(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, nil)
	ctx := context.Background()

	alice := NewClient("usr_alice", "Alice")
	bob := NewClient("usr_bob", "Bob")
	require.NoError(t, m.Join(ctx, "sit_1", alice))
	require.NoError(t, m.Join(ctx, "sit_1", bob))
	m.Handle(ctx, "sit_1", alice, frame(t, TypeLockRequest, map[string]string{"componentId": "cmp_a"}))
	drain(t, alice)
	drain(t, bob)

	// Both stay active for six minutes; Alice's lock expires.
	for i := 0; i < 12; i++ {
		clock.Advance(30 * time.Second)
		m.Handle(ctx, "sit_1", alice, frame(t, TypePing, nil))
		m.Touch("sit_1", "usr_bob")
	}
	drain(t, alice)
	m.Sweep(ctx)
	assert.Equal(t, []string{TypeLockExpired}, types(drain(t, bob)))
	assert.Equal(t, []string{TypeLockExpired}, types(drain(t, alice)))

	// Bob goes silent past the presence timeout.
	clock.Advance(31 * time.Second)
	m.Handle(ctx, "sit_1", alice, frame(t, TypePing, nil))
	drain(t, alice)
	m.Sweep(ctx)
	msgs := drain(t, alice)
	require.Equal(t, []string{TypeUserLeft}, types(msgs))
	assert.Equal(t, "timeout", decodePayload[userLeftPayload](t, msgs[0]).Reason)
	select {
	case <-bob.Done():
	default:
		t.Fatal("stale client should be closed")
	}

	state, err := m.Snapshot(ctx, "sit_1")
	require.NoError(t, err)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "usr_alice", state.Users[0].UserID)
}

func TestSweepForgetsEmptyRooms(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, nil)
	ctx := context.Background()

	alice := NewClient("usr_alice", "Alice")
	require.NoError(t, m.Join(ctx, "sit_1:home", alice))
	m.Leave(ctx, "sit_1:home", alice)

	clock.Advance(time.Minute)
	m.Sweep(ctx)
	assert.Nil(t, m.room("sit_1:home", false))

	// Rejoining creates a fresh room.
	again := NewClient("usr_alice", "Alice")
	require.NoError(t, m.Join(ctx, "sit_1:home", again))
	assert.NotNil(t, m.room("sit_1:home", false))
}

func TestHandleRejectsUnknownAndMalformedMessages(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, nil)
	ctx := context.Background()

	alice := NewClient("usr_alice", "Alice")
	outsider := NewClient("usr_eve", "Eve")
	require.NoError(t, m.Join(ctx, "sit_1", alice))
	drain(t, alice)

	m.Handle(ctx, "sit_1", alice, []byte(`not json`))
	m.Handle(ctx, "sit_1", alice, frame(t, "teleport", nil))
	m.Handle(ctx, "sit_1", alice, frame(t, TypeLockRequest, map[string]string{}))
	msgs := drain(t, alice)
	require.Len(t, msgs, 3)
	codes := []string{
		decodePayload[errorPayload](t, msgs[0]).Code,
		decodePayload[errorPayload](t, msgs[1]).Code,
		decodePayload[errorPayload](t, msgs[2]).Code,
	}
	assert.Equal(t, []string{"BAD_MESSAGE", "UNKNOWN_TYPE", "BAD_PAYLOAD"}, codes)

	m.Handle(ctx, "sit_1", outsider, frame(t, TypePing, nil))
	assert.Equal(t, "NOT_JOINED", decodePayload[errorPayload](t, drain(t, outsider)[0]).Code)
}

func TestSlowClientIsClosed(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, nil)
	ctx := context.Background()

	alice := NewClient("usr_alice", "Alice")
	slow := NewClient("usr_slow", "Slow")
	require.NoError(t, m.Join(ctx, "sit_1", alice))
	require.NoError(t, m.Join(ctx, "sit_1", slow))

	for i := 0; i < clientBuffer+5; i++ {
		m.Handle(ctx, "sit_1", alice, frame(t, TypePresence, map[string]any{"selectedComponent": "cmp_a"}))
	}
	select {
	case <-slow.Done():
	default:
		t.Fatal("slow client should be closed once its buffer is full")
	}
}

func TestRoomIDHelpers(t *testing.T) {
	assert.Equal(t, "sit_1", RoomID("sit_1", ""))
	assert.Equal(t, "sit_1:pricing", RoomID("sit_1", "pricing"))
	site, page := splitRoomID("sit_1:pricing")
	assert.Equal(t, "sit_1", site)
	assert.Equal(t, "pricing", page)
}
