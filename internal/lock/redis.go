package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript shortens or deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
local ms = tonumber(ARGV[2])
if ms > 0 then
	return redis.call("PEXPIRE", KEYS[1], ms)
end
return redis.call("DEL", KEYS[1])
`)

func LockKey(name string) string {
	return fmt.Sprintf("deadletter:lock:%s", name)
}

// RedisLocker implements Locker with SET NX PX keys.
type RedisLocker struct {
	client *redis.Client
	owner  string
	now    func() time.Time
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a new RedisLocker from a Redis URL. owner identifies
// this instance in the stored lock value.
func NewRedisLocker(redisURL, owner string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisLocker{client: redis.NewClient(opts), owner: owner, now: time.Now}, nil
}

func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocker) Close() error {
	return r.client.Close()
}

func (r *RedisLocker) TryAcquire(ctx context.Context, name string, atLeast, atMost time.Duration) (*Lock, bool, error) {
	key := LockKey(name)
	token := r.owner + ":" + uuid.NewString()
	acquiredAt := r.now()

	ok, err := r.client.SetNX(ctx, key, token, atMost).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context, until time.Time) error {
		var ms int64
		if !until.IsZero() {
			ms = until.Sub(r.now()).Milliseconds()
			if ms <= 0 {
				ms = 0
			}
		}
		return releaseScript.Run(ctx, r.client, []string{key}, token, ms).Err()
	}
	return newLock(name, acquiredAt, atLeast, atMost, r.now, release), true, nil
}
