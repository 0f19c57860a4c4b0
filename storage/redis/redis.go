// Package redis provides Redis backed helpers for billsync: a subscription
// snapshot cache for request-time entitlement checks and a lease lock that
// keeps usage synchronization single-flight across replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

var (
	_ billsync.SubscriptionCache = (*Storage)(nil)
	_ billsync.Locker            = (*Storage)(nil)
)

// refreshScript extends the lock key only while it still carries our token.
var refreshScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// releaseScript deletes the lock key only while it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Storage implements billsync.SubscriptionCache and billsync.Locker using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:")
	KeyPrefix string

	// SubscriptionTTL bounds how stale a cached snapshot may get (default: 5m)
	SubscriptionTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "billsync:",
		SubscriptionTTL: 5 * time.Minute,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", billsync.ErrConfiguration)
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "billsync:"
	}
	if config.SubscriptionTTL <= 0 {
		config.SubscriptionTTL = 5 * time.Minute
	}
	return &Storage{client: client, config: config}, nil
}

// Get implements billsync.SubscriptionCache
func (s *Storage) Get(ctx context.Context, tenantID string) (*billsync.Subscription, error) {
	data, err := s.client.Get(ctx, s.subscriptionKey(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, billsync.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub billsync.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// Set implements billsync.SubscriptionCache
func (s *Storage) Set(ctx context.Context, sub *billsync.Subscription) error {
	if sub == nil || sub.TenantID == "" {
		return fmt.Errorf("invalid subscription")
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	if err := s.client.Set(ctx, s.subscriptionKey(sub.TenantID), data, s.config.SubscriptionTTL).Err(); err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// Invalidate implements billsync.SubscriptionCache
func (s *Storage) Invalidate(ctx context.Context, tenantID string) error {
	if err := s.client.Del(ctx, s.subscriptionKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate subscription: %w", err)
	}
	return nil
}

// TryLock implements billsync.Locker with SET NX PX. The lease only ever
// touches the key while it still holds its own token, so a lease that expired
// and was taken over by another replica cannot extend or release the new one.
func (s *Storage) TryLock(ctx context.Context, key string, ttl time.Duration) (billsync.Lease, error) {
	lockKey := s.lockKey(key)
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, billsync.ErrLockHeld
	}
	return &redisLease{client: s.client, key: lockKey, token: token}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh lock: %w", err)
	}
	if n == 0 {
		return billsync.ErrLockLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (s *Storage) subscriptionKey(tenantID string) string {
	return s.config.KeyPrefix + "sub:" + tenantID
}

func (s *Storage) lockKey(key string) string {
	return s.config.KeyPrefix + "lock:" + key
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
