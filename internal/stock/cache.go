package stock

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	balanceKeyPrefix  = "stock:variant:"
	invalidatedSuffix = ":invalidated"
)

// storeIfFresh writes ARGV[2] to KEYS[1] unless KEYS[2] records an
// invalidation at or after the read time in ARGV[1]. Times are unix
// microseconds so they stay exact as Lua numbers.
var storeIfFresh = redis.NewScript(`
local inv = redis.call("GET", KEYS[2])
if inv and tonumber(inv) >= tonumber(ARGV[1]) then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// Cache keeps variant balances in Redis between mutations.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func balanceKey(id uuid.UUID) string {
	return balanceKeyPrefix + id.String()
}

func invalidatedKey(id uuid.UUID) string {
	return balanceKeyPrefix + id.String() + invalidatedSuffix
}

// GetVariant loads a cached balance.
func (c *Cache) GetVariant(ctx context.Context, id uuid.UUID) (Variant, bool, error) {
	if c == nil || c.client == nil {
		return Variant{}, false, nil
	}
	raw, err := c.client.Get(ctx, balanceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Variant{}, false, nil
	}
	if err != nil {
		return Variant{}, false, err
	}
	var v Variant
	if err := json.Unmarshal(raw, &v); err != nil {
		_ = c.client.Del(ctx, balanceKey(id)).Err()
		return Variant{}, false, nil
	}
	return v, true, nil
}

// SetVariant stores a balance that was read from the store at readAt. The
// write is dropped when the variant was invalidated after readAt, so a slow
// load never overwrites the effect of a mutation that committed meanwhile.
func (c *Cache) SetVariant(ctx context.Context, v Variant, readAt time.Time) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	keys := []string{balanceKey(v.ID), invalidatedKey(v.ID)}
	return storeIfFresh.Run(ctx, c.client, keys, readAt.UnixMicro(), raw, c.ttl.Milliseconds()).Err()
}

// Invalidate drops cached balances after a committed mutation and records
// when it happened.
func (c *Cache) Invalidate(ctx context.Context, ids ...uuid.UUID) error {
	if c == nil || c.client == nil || len(ids) == 0 {
		return nil
	}
	stamp := strconv.FormatInt(time.Now().UnixMicro(), 10)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, balanceKey(id))
			pipe.Set(ctx, invalidatedKey(id), stamp, c.ttl)
		}
		return nil
	})
	return err
}
