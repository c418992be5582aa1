package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisLockPrefix = "sitecraft:collab:"

// RedisLockStore shares locks between API processes. Each lock is a key holding the user id
// with a PX expiry; a per-room hash keeps the lock metadata so expired locks can be reported.
type RedisLockStore struct {
	client *redis.Client
}

func NewRedisLockStore(client *redis.Client) *RedisLockStore {
	return &RedisLockStore{client: client}
}

func lockKey(roomID, componentID string) string {
	return redisLockPrefix + "lock:" + roomID + ":" + componentID
}

func roomLocksKey(roomID string) string {
	return redisLockPrefix + "locks:" + roomID
}

type lockMeta struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// KEYS[1] lock key, KEYS[2] room hash. ARGV: user id, meta json, ttl ms, component id.
var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder and holder ~= ARGV[1] then
	local meta = redis.call('HGET', KEYS[2], ARGV[4])
	if not meta then meta = '' end
	return {0, holder, meta, redis.call('PTTL', KEYS[1])}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('HSET', KEYS[2], ARGV[4], ARGV[2])
return {1, ARGV[1], ARGV[2], tonumber(ARGV[3])}
`)

// KEYS[1] lock key. ARGV: user id, ttl ms.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// KEYS[1] lock key, KEYS[2] room hash. ARGV: user id, component id.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('HDEL', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// KEYS[1] lock key, KEYS[2] room hash. ARGV: component id.
var dropExpiredScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.call('HDEL', KEYS[2], ARGV[1])
end
return 0
`)

func (s *RedisLockStore) Acquire(ctx context.Context, roomID, componentID string, holder Holder, ttl time.Duration) (Lock, bool, error) {
	meta, err := json.Marshal(lockMeta{UserID: holder.UserID, UserName: holder.UserName})
	if err != nil {
		return Lock{}, false, err
	}
	result, err := acquireScript.Run(ctx, s.client,
		[]string{lockKey(roomID, componentID), roomLocksKey(roomID)},
		holder.UserID, string(meta), ttl.Milliseconds(), componentID,
	).Slice()
	if err != nil {
		return Lock{}, false, fmt.Errorf("acquire lock: %w", err)
	}
	if len(result) != 4 {
		return Lock{}, false, fmt.Errorf("acquire lock: unexpected reply %v", result)
	}

	ok, _ := result[0].(int64)
	userID, _ := result[1].(string)
	rawMeta, _ := result[2].(string)
	pttl, _ := result[3].(int64)

	lock := Lock{ComponentID: componentID, UserID: userID, ExpiresAt: time.Now().Add(time.Duration(pttl) * time.Millisecond)}
	var decoded lockMeta
	if rawMeta != "" && json.Unmarshal([]byte(rawMeta), &decoded) == nil {
		lock.UserName = decoded.UserName
	}
	return lock, ok == 1, nil
}

func (s *RedisLockStore) Renew(ctx context.Context, roomID, componentID, userID string, ttl time.Duration) (Lock, bool, error) {
	renewed, err := renewScript.Run(ctx, s.client, []string{lockKey(roomID, componentID)}, userID, ttl.Milliseconds()).Int()
	if err != nil {
		return Lock{}, false, fmt.Errorf("renew lock: %w", err)
	}
	lock, found, err := s.Get(ctx, roomID, componentID)
	if err != nil {
		return Lock{}, false, err
	}
	if !found {
		return Lock{}, false, nil
	}
	return lock, renewed == 1, nil
}

func (s *RedisLockStore) Release(ctx context.Context, roomID, componentID, userID string) (bool, error) {
	released, err := releaseScript.Run(ctx, s.client,
		[]string{lockKey(roomID, componentID), roomLocksKey(roomID)}, userID, componentID).Int()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return released == 1, nil
}

func (s *RedisLockStore) ReleaseAll(ctx context.Context, roomID, userID string) ([]Lock, error) {
	locks, err := s.List(ctx, roomID)
	if err != nil {
		return nil, err
	}
	released := make([]Lock, 0)
	for _, lock := range locks {
		if lock.UserID != userID {
			continue
		}
		ok, err := s.Release(ctx, roomID, lock.ComponentID, userID)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, lock)
		}
	}
	return released, nil
}

func (s *RedisLockStore) Get(ctx context.Context, roomID, componentID string) (Lock, bool, error) {
	pipe := s.client.Pipeline()
	holderCmd := pipe.Get(ctx, lockKey(roomID, componentID))
	ttlCmd := pipe.PTTL(ctx, lockKey(roomID, componentID))
	metaCmd := pipe.HGet(ctx, roomLocksKey(roomID), componentID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Lock{}, false, fmt.Errorf("get lock: %w", err)
	}
	userID, err := holderCmd.Result()
	if err == redis.Nil {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, fmt.Errorf("get lock: %w", err)
	}
	lock := Lock{ComponentID: componentID, UserID: userID, ExpiresAt: time.Now().Add(ttlCmd.Val())}
	var meta lockMeta
	if raw, err := metaCmd.Result(); err == nil && json.Unmarshal([]byte(raw), &meta) == nil {
		lock.UserName = meta.UserName
	}
	return lock, true, nil
}

// scan returns the live locks and the component ids whose lock key is gone.
func (s *RedisLockStore) scan(ctx context.Context, roomID string) ([]Lock, []Lock, error) {
	entries, err := s.client.HGetAll(ctx, roomLocksKey(roomID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("list locks: %w", err)
	}
	if len(entries) == 0 {
		return []Lock{}, []Lock{}, nil
	}

	componentIDs := make([]string, 0, len(entries))
	pipe := s.client.Pipeline()
	ttls := make(map[string]*redis.DurationCmd, len(entries))
	for componentID := range entries {
		componentIDs = append(componentIDs, componentID)
		ttls[componentID] = pipe.PTTL(ctx, lockKey(roomID, componentID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("list lock ttls: %w", err)
	}

	now := time.Now()
	live := make([]Lock, 0, len(entries))
	gone := make([]Lock, 0)
	for _, componentID := range componentIDs {
		var meta lockMeta
		_ = json.Unmarshal([]byte(entries[componentID]), &meta)
		lock := Lock{ComponentID: componentID, UserID: meta.UserID, UserName: meta.UserName}
		ttl := ttls[componentID].Val()
		if ttl > 0 {
			lock.ExpiresAt = now.Add(ttl)
			live = append(live, lock)
		} else {
			lock.ExpiresAt = now
			gone = append(gone, lock)
		}
	}
	sortLocks(live)
	sortLocks(gone)
	return live, gone, nil
}

func (s *RedisLockStore) List(ctx context.Context, roomID string) ([]Lock, error) {
	live, _, err := s.scan(ctx, roomID)
	return live, err
}

func (s *RedisLockStore) Expire(ctx context.Context, roomID string) ([]Lock, error) {
	_, gone, err := s.scan(ctx, roomID)
	if err != nil {
		return nil, err
	}
	expired := make([]Lock, 0, len(gone))
	for _, lock := range gone {
		// A new holder may have taken the component since the scan; only drop dead entries.
		dropped, err := dropExpiredScript.Run(ctx, s.client,
			[]string{lockKey(roomID, lock.ComponentID), roomLocksKey(roomID)}, lock.ComponentID).Int()
		if err != nil {
			return nil, fmt.Errorf("drop expired lock: %w", err)
		}
		if dropped == 1 {
			expired = append(expired, lock)
		}
	}
	return expired, nil
}
