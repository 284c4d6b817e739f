package lockx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("lock acquisition timed out")

// Locker serializes work per key. The returned function releases the lock
// and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, bool, error) {
	if client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

func Release(ctx context.Context, client *redis.Client, lock *Lock) error {
	if client == nil {
		return errors.New("redis client not initialized")
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}

// RedisLocker is a Locker shared across service instances. Keys are
// prefixed and held for at most ttl; acquisition polls until timeout.
type RedisLocker struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	poll    time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, timeout time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, timeout: timeout, poll: 25 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	fullKey := l.prefix + key
	for {
		lock, ok, err := Acquire(ctx, l.client, fullKey, l.ttl)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if ok {
			return func() {
				releaseCtx, done := context.WithTimeout(context.Background(), time.Second)
				defer done()
				_ = Release(releaseCtx, l.client, lock)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(l.poll):
		}
	}
}
