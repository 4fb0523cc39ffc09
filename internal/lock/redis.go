package lock

import (
	"context"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "lock:"

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, opts Options) (*Lock, error) {
	return acquire(ctx, key, opts, func(ctx context.Context, key, token string, hold time.Duration) (bool, error) {
		return r.rdb.SetNX(ctx, redisKeyPrefix+key, token, hold).Result()
	})
}

func (r *RedisLocker) Release(ctx context.Context, l *Lock) {
	if l == nil {
		return
	}
	held := time.Since(l.AcquiredAt)
	n, err := releaseScript.Run(ctx, r.rdb, []string{redisKeyPrefix + l.Key}, l.Token).Int()
	if err != nil {
		log.Printf("lock: release failed key=%s held=%s err=%v", l.Key, held, err)
		return
	}
	if n == 0 {
		log.Printf("lock: release of expired lock key=%s held=%s hold=%s", l.Key, held, l.Hold)
	}
}
