package redisstore

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Get implements subscriptionstore.StringStore, returning ("", false,
// nil) for a missing key rather than an error.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set implements subscriptionstore.StringStore.
func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}
