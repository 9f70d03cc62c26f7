package lock

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/paygate/internal/apperrors"
)

// RedisLocker implements Locker on a Redis SET NX PX primitive, so any
// deployment sharing one Redis gets cross-process exclusion.
type RedisLocker struct {
	client *redis.Client
	// poll interval while waiting for a held lock
	retryEvery time.Duration
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, retryEvery: 100 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(ttl)

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &redisHandle{client: l.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, apperrors.ErrLockBusy
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryEvery):
		}
	}
}

type redisHandle struct {
	client   *redis.Client
	key      string
	token    string
	released bool
}

// unlockScript deletes the key only when it still holds our token, so an
// expired lock reacquired by someone else is never released from here.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (h *redisHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	if err := unlockScript.Run(context.Background(), h.client, []string{h.key}, h.token).Err(); err != nil && err != redis.Nil {
		log.Printf("lock: release %s failed: %v", h.key, err)
	}
}
