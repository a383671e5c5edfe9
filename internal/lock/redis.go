package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultTTL   = 30 * time.Second
	keyPrefix    = "taskflow:lock:"
	retryInitial = 10 * time.Millisecond
	retryMax     = 250 * time.Millisecond
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker serializes across processes with SET NX PX. A holder that
// dies loses the lock after ttl.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, logger: logger}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	full := keyPrefix + key
	token := uuid.NewString()
	wait := retryInitial
	for {
		ok, err := r.rdb.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
		if wait *= 2; wait > retryMax {
			wait = retryMax
		}
	}
	return func() {
		// Release must run even when the caller's ctx is already done.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, r.rdb, []string{full}, token).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("redis lock release failed", zap.String("key", key), zap.Error(err))
			return
		}
		if n == 0 {
			r.logger.Warn("redis lock expired before release", zap.String("key", key), zap.Duration("ttl", r.ttl))
		}
	}, nil
}
