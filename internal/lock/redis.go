package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/config"
	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds lock keys with SetNX so scheduler processes on different
// hosts take turns on the same mailbox and the same enrollment. The TTL frees the key if a
// holder dies mid-send.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	wait   time.Duration
	logger *zap.Logger
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisLocker(rdb *redis.Client, ttl, wait time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, wait: wait, logger: logger}
}

func redisKey(key string) string {
	return "outreach:lock:" + key
}

// Lock retries until wait elapses and then reports ErrIdentityBusy. A Redis
// error is returned as is: without the lock the send must not happen.
func (l *RedisLocker) Lock(ctx context.Context, name string) (func(), error) {
	key := redisKey(name)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		if !time.Now().Before(deadline) {
			return nil, appErrors.ErrIdentityBusy
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil && l.logger != nil {
		l.logger.Warn("failed to release identity lock",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

var _ Locker = (*RedisLocker)(nil)
