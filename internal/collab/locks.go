package collab

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Holder identifies who asks for a lock.
type Holder struct {
	UserID   string
	UserName string
}

// LockStore keeps component locks per room. Acquire by the current holder renews the lock;
// anyone else gets the current lock back with ok=false.
type LockStore interface {
	Acquire(ctx context.Context, roomID, componentID string, holder Holder, ttl time.Duration) (Lock, bool, error)
	Renew(ctx context.Context, roomID, componentID, userID string, ttl time.Duration) (Lock, bool, error)
	Release(ctx context.Context, roomID, componentID, userID string) (bool, error)
	ReleaseAll(ctx context.Context, roomID, userID string) ([]Lock, error)
	Get(ctx context.Context, roomID, componentID string) (Lock, bool, error)
	List(ctx context.Context, roomID string) ([]Lock, error)
	// Expire drops expired locks of a room and returns them.
	Expire(ctx context.Context, roomID string) ([]Lock, error)
}

// MemoryLockStore keeps locks in process memory. Expired locks are ignored on read and
// removed by Expire.
type MemoryLockStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]Lock
	now   func() time.Time
}

func NewMemoryLockStore(now func() time.Time) *MemoryLockStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryLockStore{rooms: make(map[string]map[string]Lock), now: now}
}

func (s *MemoryLockStore) live(roomID, componentID string) (Lock, bool) {
	lock, ok := s.rooms[roomID][componentID]
	if !ok || !lock.ExpiresAt.After(s.now()) {
		return Lock{}, false
	}
	return lock, true
}

func (s *MemoryLockStore) Acquire(_ context.Context, roomID, componentID string, holder Holder, ttl time.Duration) (Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.live(roomID, componentID); ok && current.UserID != holder.UserID {
		return current, false, nil
	}
	lock := Lock{
		ComponentID: componentID,
		UserID:      holder.UserID,
		UserName:    holder.UserName,
		ExpiresAt:   s.now().Add(ttl),
	}
	if s.rooms[roomID] == nil {
		s.rooms[roomID] = make(map[string]Lock)
	}
	s.rooms[roomID][componentID] = lock
	return lock, true, nil
}

func (s *MemoryLockStore) Renew(_ context.Context, roomID, componentID, userID string, ttl time.Duration) (Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.live(roomID, componentID)
	if !ok || current.UserID != userID {
		return current, false, nil
	}
	current.ExpiresAt = s.now().Add(ttl)
	s.rooms[roomID][componentID] = current
	return current, true, nil
}

func (s *MemoryLockStore) Release(_ context.Context, roomID, componentID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.live(roomID, componentID)
	if !ok || current.UserID != userID {
		return false, nil
	}
	delete(s.rooms[roomID], componentID)
	return true, nil
}

func (s *MemoryLockStore) ReleaseAll(_ context.Context, roomID, userID string) ([]Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := make([]Lock, 0)
	for componentID, lock := range s.rooms[roomID] {
		if lock.UserID == userID {
			delete(s.rooms[roomID], componentID)
			if lock.ExpiresAt.After(s.now()) {
				released = append(released, lock)
			}
		}
	}
	sortLocks(released)
	return released, nil
}

func (s *MemoryLockStore) Get(_ context.Context, roomID, componentID string) (Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.live(roomID, componentID)
	return lock, ok, nil
}

func (s *MemoryLockStore) List(_ context.Context, roomID string) ([]Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	items := make([]Lock, 0, len(s.rooms[roomID]))
	for _, lock := range s.rooms[roomID] {
		if lock.ExpiresAt.After(now) {
			items = append(items, lock)
		}
	}
	sortLocks(items)
	return items, nil
}

func (s *MemoryLockStore) Expire(_ context.Context, roomID string) ([]Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expired := make([]Lock, 0)
	for componentID, lock := range s.rooms[roomID] {
		if !lock.ExpiresAt.After(now) {
			expired = append(expired, lock)
			delete(s.rooms[roomID], componentID)
		}
	}
	if len(s.rooms[roomID]) == 0 {
		delete(s.rooms, roomID)
	}
	sortLocks(expired)
	return expired, nil
}

func sortLocks(items []Lock) {
	sort.Slice(items, func(i, j int) bool { return items[i].ComponentID < items[j].ComponentID })
}
