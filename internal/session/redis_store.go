// Package session keeps refresh tokens in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"sitecraft/api/internal/store"
)

var ErrSessionNotFound = errors.New("refresh session not found or expired")

const defaultRefreshTTL = 30 * 24 * time.Hour

// TokenData is the user snapshot stored for each refresh token
type TokenData struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient shares an existing client, e.g. with the collaboration lock store.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "sitecraft:refresh:"}
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

// SaveRefreshSession stores the token and indexes it under the user for bulk revocation.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	payload, err := json.Marshal(TokenData{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Role:        user.Role,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(tokenHash), payload, ttl)
	pipe.SAdd(ctx, s.userKey(user.ID), tokenHash)
	pipe.Expire(ctx, s.userKey(user.ID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return store.User{}, ErrSessionNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return store.User{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	if data.Role == "" {
		data.Role = "viewer"
	}
	return store.User{
		ID:          data.UserID,
		DisplayName: data.DisplayName,
		Email:       data.Email,
		Role:        data.Role,
	}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeUserSessions drops every refresh token issued to the user.
func (s *RedisStore) RevokeUserSessions(ctx context.Context, userID string) (int, error) {
	hashes, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list user sessions: %w", err)
	}
	keys := make([]string, 0, len(hashes)+1)
	for _, hash := range hashes {
		keys = append(keys, s.key(hash))
	}
	keys = append(keys, s.userKey(userID))
	removed, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	if removed > 0 {
		removed--
	}
	return int(removed), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
