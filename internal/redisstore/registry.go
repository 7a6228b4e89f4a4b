package redisstore

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// These Lua scripts implement the registry's three multi-key mutations
// (register/unregister/disconnect), run server-side via EVALSHA so two
// concurrent invocations on the same connection never observe a torn
// intermediate state.

var registerScript = redis.NewScript(`
local connKey = KEYS[1]
local subKey = KEYS[2]
local tuple = ARGV[1]
redis.call('SADD', connKey, subKey)
for i = 3, #KEYS do
  local topicKey = KEYS[i]
  redis.call('SADD', topicKey, tuple)
  redis.call('SADD', subKey, topicKey)
end
return 1
`)

var unregisterScript = redis.NewScript(`
local connKey = KEYS[1]
local subKey = KEYS[2]
local tuple = ARGV[1]
local topics = redis.call('SMEMBERS', subKey)
for i = 1, #topics do
  redis.call('SREM', topics[i], tuple)
end
redis.call('SREM', connKey, subKey)
redis.call('DEL', subKey)
return topics
`)

var disconnectScript = redis.NewScript(`
local connKey = KEYS[1]
local subs = redis.call('SMEMBERS', connKey)
for i = 1, #subs do
  local subKey = subs[i]
  local tuple = connKey .. '#' .. subKey
  local topics = redis.call('SMEMBERS', subKey)
  for j = 1, #topics do
    redis.call('SREM', topics[j], tuple)
  end
  redis.call('DEL', subKey)
end
redis.call('DEL', connKey)
return subs
`)

// RegisterTuple adds subKey to connKey's owned set and, for each
// topicKey, adds the tuple to that topic's subscriber set and the topic
// to subKey's topic set.
func (c *Client) RegisterTuple(ctx context.Context, connKey, subKey, tuple string, topicKeys []string) error {
	keys := append([]string{connKey, subKey}, topicKeys...)
	return registerScript.Run(ctx, c.rdb, keys, tuple).Err()
}

// UnregisterTuple removes the tuple from every topic subKey referenced,
// removes subKey from connKey, and deletes subKey. It returns the topic
// keys that were cleaned up.
func (c *Client) UnregisterTuple(ctx context.Context, connKey, subKey, tuple string) ([]string, error) {
	res, err := unregisterScript.Run(ctx, c.rdb, []string{connKey, subKey}, tuple).StringSlice()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DisconnectConn removes every tuple for connKey from every topic its
// subscriptions reference, deletes each subscription key, and deletes
// connKey. It returns the subscription keys that were cleaned up.
func (c *Client) DisconnectConn(ctx context.Context, connKey string) ([]string, error) {
	res, err := disconnectScript.Run(ctx, c.rdb, []string{connKey}).StringSlice()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SMembers implements registry.Store.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// Exists implements registry.Store.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
