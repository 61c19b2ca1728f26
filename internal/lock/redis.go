package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "botfleet:lock:job:"

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and owner-checked scripts.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	err := l.client.SetArgs(ctx, l.key(jobID), owner, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return false, fmt.Errorf("acquire redis lock: %w", err)
}

func (l *RedisLocker) Renew(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	result, err := renewScript.Run(ctx, l.client, []string{l.key(jobID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew redis lock: %w", err)
	}
	return result == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, jobID, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(jobID)}, owner).Err(); err != nil {
		return fmt.Errorf("release redis lock: %w", err)
	}
	return nil
}

func (l *RedisLocker) key(jobID string) string {
	return l.prefix + jobID
}
