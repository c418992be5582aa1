package collab

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockStoreContract runs the shared LockStore behaviour. advance moves the store's clock.
func lockStoreContract(t *testing.T, locks LockStore, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	alice := Holder{UserID: "usr_alice", UserName: "Alice"}
	bob := Holder{UserID: "usr_bob", UserName: "Bob"}

	lock, ok, err := locks.Acquire(ctx, "sit_1", "cmp_a", alice, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "usr_alice", lock.UserID)

	holder, ok, err := locks.Acquire(ctx, "sit_1", "cmp_a", bob, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "usr_alice", holder.UserID)
	assert.Equal(t, "Alice", holder.UserName)

	// Same component in another room is independent.
	_, ok, err = locks.Acquire(ctx, "sit_2", "cmp_a", bob, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = locks.Renew(ctx, "sit_1", "cmp_a", "usr_bob", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = locks.Renew(ctx, "sit_1", "cmp_a", "usr_alice", 3*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := locks.Release(ctx, "sit_1", "cmp_a", "usr_bob")
	require.NoError(t, err)
	assert.False(t, released)

	_, ok, err = locks.Acquire(ctx, "sit_1", "cmp_b", alice, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	listed, err := locks.List(ctx, "sit_1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "cmp_a", listed[0].ComponentID)
	assert.Equal(t, "cmp_b", listed[1].ComponentID)

	// cmp_b (1 minute) expires, cmp_a (renewed to 3 minutes) survives.
	advance(2 * time.Minute)
	expired, err := locks.Expire(ctx, "sit_1")
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "cmp_b", expired[0].ComponentID)
	assert.Equal(t, "usr_alice", expired[0].UserID)

	_, ok, err = locks.Get(ctx, "sit_1", "cmp_b")
	require.NoError(t, err)
	assert.False(t, ok)
	got, ok, err := locks.Get(ctx, "sit_1", "cmp_a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "usr_alice", got.UserID)

	all, err := locks.ReleaseAll(ctx, "sit_1", "usr_alice")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "cmp_a", all[0].ComponentID)

	listed, err = locks.List(ctx, "sit_1")
	require.NoError(t, err)
	assert.Empty(t, listed)

	_, ok, err = locks.Acquire(ctx, "sit_1", "cmp_a", bob, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockStore(t *testing.T) {
	clock := newFakeClock()
	lockStoreContract(t, NewMemoryLockStore(clock.Now), clock.Advance)
}

func TestRedisLockStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lockStoreContract(t, NewRedisLockStore(client), mr.FastForward)
}

func TestRedisLockStoreExpireKeepsReacquiredLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	locks := NewRedisLockStore(client)
	ctx := context.Background()

	_, ok, err := locks.Acquire(ctx, "sit_1", "cmp_a", Holder{UserID: "usr_alice"}, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)

	// Bob takes the component before the sweep runs.
	_, ok, err = locks.Acquire(ctx, "sit_1", "cmp_a", Holder{UserID: "usr_bob", UserName: "Bob"}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	expired, err := locks.Expire(ctx, "sit_1")
	require.NoError(t, err)
	assert.Empty(t, expired)

	listed, err := locks.List(ctx, "sit_1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "usr_bob", listed[0].UserID)
	assert.Equal(t, "Bob", listed[0].UserName)
}
