package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blacklist records access-token identifiers revoked before their natural
// expiry. Entries live only until the token's own exp, which keeps the set
// bounded without sweeping.
type Blacklist interface {
	Add(ctx context.Context, jti string, expiresAt time.Time) error
	Contains(ctx context.Context, jti string) (bool, error)
}

const blacklistKeyPrefix = "blacklist:"

// RedisBlacklist stores revoked jtis in Redis with a TTL. All workers behind
// a load balancer must share the same instance for revocation to hold.
type RedisBlacklist struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client, now: time.Now}
}

func (b *RedisBlacklist) Add(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if b.now != nil {
		ttl = expiresAt.Sub(b.now())
	}
	if ttl <= 0 {
		// Already expired on its own; nothing to record.
		return nil
	}
	if err := b.client.Set(ctx, blacklistKeyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

func (b *RedisBlacklist) Contains(ctx context.Context, jti string) (bool, error) {
	n, err := b.client.Exists(ctx, blacklistKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return n > 0, nil
}

// MemoryBlacklist is a single-process map with expiry, suitable for tests
// and smallest-scale development deployments only.
type MemoryBlacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]time.Time), now: time.Now}
}

func (b *MemoryBlacklist) Add(_ context.Context, jti string, expiresAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !expiresAt.After(b.now()) {
		return nil
	}
	b.entries[jti] = expiresAt
	return nil
}

func (b *MemoryBlacklist) Contains(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for key, exp := range b.entries {
		if !exp.After(now) {
			delete(b.entries, key)
		}
	}
	exp, ok := b.entries[jti]
	return ok && exp.After(now), nil
}
