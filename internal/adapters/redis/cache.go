package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// releaseScript deletes the lock only if owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// AcquireSlot takes a short lease on a lesson slot so that two replicas do
// not run the booking saga for the same slot at once.
func (c *Cache) AcquireSlot(ctx context.Context, slot, owner string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, "slot:"+slot, owner, ttl).Result()
}

func (c *Cache) ReleaseSlot(ctx context.Context, slot, owner string) error {
	return releaseScript.Run(ctx, c.client, []string{"slot:" + slot}, owner).Err()
}
