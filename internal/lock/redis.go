package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it is still owned by the caller,
// so an expired lease never frees somebody else's lock.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisBackend stores locks as keys set with SET NX PX.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend returns a backend namespacing keys under prefix.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "lock"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) key(name string) string { return r.prefix + ":" + name }

func (r *RedisBackend) TryAcquire(ctx context.Context, name, owner string, lease time.Duration) (bool, error) {
	return retryRedisOperation(ctx, func() (bool, error) {
		return r.client.SetNX(ctx, r.key(name), owner, lease).Result()
	})
}

func (r *RedisBackend) Release(ctx context.Context, name, owner string) error {
	_, err := retryRedisOperation(ctx, func() (interface{}, error) {
		return releaseScript.Run(ctx, r.client, []string{r.key(name)}, owner).Result()
	})
	return err
}
