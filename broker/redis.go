package broker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/askdata/conductor/errors"
)

// casScript atomically replaces a key's value only when the current value
// matches the caller's expectation. An empty expectation means "key absent".
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
local expect = ARGV[1]
if (current == false and expect == "") or current == expect then
    if tonumber(ARGV[3]) > 0 then
        redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
    else
        redis.call("SET", KEYS[1], ARGV[2])
    end
    return 1
end
return 0
`)

// RedisGateway implements Gateway on a Redis server
type RedisGateway struct {
	client *redis.Client
}

// NewRedisGateway connects to the broker at the given URL
// (e.g. "redis://localhost:6379/0").
func NewRedisGateway(url string) (*RedisGateway, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid broker URL %q", url)
	}
	return &RedisGateway{client: redis.NewClient(opts)}, nil
}

// Ping verifies the broker is reachable
func (g *RedisGateway) Ping(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		return transportErr(err, "ping failed")
	}
	return nil
}

// Push appends a payload to the named list
func (g *RedisGateway) Push(ctx context.Context, list string, payload []byte) error {
	if err := g.client.LPush(ctx, list, payload).Err(); err != nil {
		return transportErr(err, "push to %s failed", list)
	}
	return nil
}

// BlockingPop waits up to timeout for the oldest payload on the named list
func (g *RedisGateway) BlockingPop(ctx context.Context, list string, timeout time.Duration) ([]byte, error) {
	res, err := g.client.BRPop(ctx, timeout, list).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // timeout with empty list
		}
		return nil, transportErr(err, "blocking pop on %s failed", list)
	}
	// BRPOP returns [list, value]
	if len(res) != 2 {
		return nil, errors.AssertionFailedf("unexpected BRPOP reply of length %d", len(res))
	}
	return []byte(res[1]), nil
}

// Get returns the value at key, or errors.ErrNotFound
func (g *RedisGateway) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(errors.ErrNotFound, "key %s", key)
		}
		return nil, transportErr(err, "get %s failed", key)
	}
	return val, nil
}

// Set writes the value at key with an optional TTL
func (g *RedisGateway) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := g.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return transportErr(err, "set %s failed", key)
	}
	return nil
}

// CompareAndSet writes value at key only if the current value equals expect
func (g *RedisGateway) CompareAndSet(ctx context.Context, key string, expect, value []byte, ttl time.Duration) (bool, error) {
	res, err := casScript.Run(ctx, g.client, []string{key},
		string(expect), string(value), ttl.Milliseconds()).Int()
	if err != nil {
		return false, transportErr(err, "compare-and-set %s failed", key)
	}
	return res == 1, nil
}

// Delete removes a key
func (g *RedisGateway) Delete(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, key).Err(); err != nil {
		return transportErr(err, "delete %s failed", key)
	}
	return nil
}

// Publish sends a payload to all current subscribers of channel
func (g *RedisGateway) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := g.client.Publish(ctx, channel, payload).Err(); err != nil {
		return transportErr(err, "publish to %s failed", channel)
	}
	return nil
}

// Subscribe returns a live subscription to channel
func (g *RedisGateway) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := g.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so transport errors surface here,
	// not on the first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, transportErr(err, "subscribe to %s failed", channel)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return &redisSubscription{pubsub: pubsub, ch: out}, nil
}

// ListLen returns the current length of the named list
func (g *RedisGateway) ListLen(ctx context.Context, list string) (int64, error) {
	n, err := g.client.LLen(ctx, list).Result()
	if err != nil {
		return 0, transportErr(err, "llen %s failed", list)
	}
	return n, nil
}

// ScanKeys returns keys matching a glob pattern
func (g *RedisGateway) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := g.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, transportErr(err, "scan %s failed", pattern)
	}
	return keys, nil
}

// Close releases the client connection pool
func (g *RedisGateway) Close() error {
	return g.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

func (s *redisSubscription) Channel() <-chan []byte { return s.ch }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }

// transportErr wraps a client error as a broker-unavailable failure while
// keeping the underlying cause in the message chain.
func transportErr(err error, format string, args ...interface{}) error {
	return errors.Wrapf(errors.Wrap(errors.ErrBrokerUnavailable, err.Error()), format, args...)
}
