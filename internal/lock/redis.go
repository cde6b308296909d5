package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "credeval:lock:"

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLocker is a distributed locker using SET NX with a per-lease token.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects to Redis at addr.
func NewRedisLocker(addr, password string) (*RedisLocker, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLocker{client: client}, nil
}

// TryLock sets the key if absent. The lease expires after ttl.
func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	lockKey := keyPrefix + key
	token := uuid.New().String()

	ok, err := r.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	slog.Debug("lock acquired", "key", key, "ttl", ttl)

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			var n int64
			n, err = unlockScript.Run(ctx, r.client, []string{lockKey}, token).Int64()
			if err == nil && n == 0 {
				slog.Warn("lock expired before release", "key", key)
			}
		})
		return err
	}, nil
}

// Close closes the client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
