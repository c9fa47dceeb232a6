package lock

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Compare-and-delete and compare-and-expire: only the owner may touch its key.
var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisStore keeps each lock in a key expiring after the TTL, so eviction
// of dead owners is done by Redis itself.
type RedisStore struct {
	rdb    goredis.UniversalClient
	prefix string
}

// NewRedisStore stores locks under prefix+id. An empty prefix defaults to
// "datafair:lock:".
func NewRedisStore(rdb goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "datafair:lock:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Insert(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, s.key(id), owner, ttl).Result()
}

func (s *RedisStore) Delete(ctx context.Context, id, owner string) error {
	return releaseScript.Run(ctx, s.rdb, []string{s.key(id)}, owner).Err()
}

func (s *RedisStore) Refresh(ctx context.Context, owner string, ids []string, now time.Time, ttl time.Duration) error {
	for _, id := range ids {
		if err := refreshScript.Run(ctx, s.rdb, []string{s.key(id)}, owner, ttl.Milliseconds()).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Purge(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, s.key(id)).Err()
}
