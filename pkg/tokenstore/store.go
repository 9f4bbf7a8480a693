// Package tokenstore persists Bitrix24 OAuth tokens in Redis so that several
// processes serving the same portal share one credential set.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	store := tokenstore.NewRedisStore(redisClient, tokenstore.Key{
//		Domain:   "example.bitrix24.com",
//		MemberID: "a1b2c3",
//	})
//
//	renewer := auth.NewRenewer(store, exchanger, logger)
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/b24-client/pkg/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidEntry indicates the stored token is corrupted.
var ErrInvalidEntry = errors.New("invalid token entry")

// StoreErrors tracks token store operation errors.
var StoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "b24_tokenstore_errors_total",
		Help: "Total number of token store operation errors",
	},
	[]string{"operation"}, // "get", "save", "delete"
)

// Key identifies one portal installation.
type Key struct {
	Domain   string
	MemberID string
}

// String generates the Redis key.
// Format: b24:token:domain[:member_id]
//
// Example:
//
//	b24:token:example.bitrix24.com:a1b2c3
func (k Key) String() string {
	parts := []string{"b24", "token", strings.ToLower(strings.TrimSpace(k.Domain))}
	if k.MemberID != "" {
		parts = append(parts, k.MemberID)
	}
	return strings.Join(parts, ":")
}

// RedisStore is an auth.Store backed by Redis.
type RedisStore struct {
	redis *redis.Client
	key   Key

	// TTL expires the stored token when it is not renewed in time. Zero keeps it.
	TTL time.Duration
}

var _ auth.Store = (*RedisStore)(nil)

// NewRedisStore creates a store for the installation identified by key.
func NewRedisStore(redisClient *redis.Client, key Key) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
		key:   key,
	}
}

// Get retrieves the stored token. Returns auth.ErrNoToken if none is stored.
func (s *RedisStore) Get(ctx context.Context) (auth.Token, error) {
	data, err := s.redis.Get(ctx, s.key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return auth.Token{}, auth.ErrNoToken
		}
		StoreErrors.WithLabelValues("get").Inc()
		return auth.Token{}, fmt.Errorf("redis get: %w", err)
	}

	var token auth.Token
	if err := json.Unmarshal(data, &token); err != nil {
		StoreErrors.WithLabelValues("get").Inc()
		return auth.Token{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return token, nil
}

// Save replaces the stored token.
func (s *RedisStore) Save(ctx context.Context, token auth.Token) error {
	data, err := s.marshal(token)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key.String(), data, s.TTL).Err(); err != nil {
		StoreErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Seed stores token only if no token is stored yet, so a statically
// configured token never overwrites one renewed by another process.
// It reports whether token was stored.
func (s *RedisStore) Seed(ctx context.Context, token auth.Token) (bool, error) {
	data, err := s.marshal(token)
	if err != nil {
		return false, err
	}
	stored, err := s.redis.SetNX(ctx, s.key.String(), data, s.TTL).Result()
	if err != nil {
		StoreErrors.WithLabelValues("save").Inc()
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return stored, nil
}

// Delete removes the stored token.
func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key.String()).Err(); err != nil {
		StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) marshal(token auth.Token) ([]byte, error) {
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}
	data, err := json.Marshal(token)
	if err != nil {
		StoreErrors.WithLabelValues("save").Inc()
		return nil, fmt.Errorf("marshal token: %w", err)
	}
	return data, nil
}
