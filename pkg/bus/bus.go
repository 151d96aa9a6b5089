package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the exact capability surface the core consumes from the message
// bus. Anything not listed here is off limits to the daemon.
type Client interface {
	// Lists
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error)
	LPop(ctx context.Context, key string) (string, bool, error)
	LPush(ctx context.Context, key string, value string) error

	// Streams
	XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	XRead(ctx context.Context, cursors map[string]string, count int64, block time.Duration) ([]StreamBatch, error)
	XRange(ctx context.Context, stream, start, stop string) ([]StreamEntry, error)
	XRevRangeN(ctx context.Context, stream string, count int64) ([]StreamEntry, error)

	// Keys
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error

	Close() error
}

// StreamEntry is one message read from a stream.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

// StreamBatch groups the entries returned for one stream by XRead.
type StreamBatch struct {
	Stream  string
	Entries []StreamEntry
}

type redisClient struct {
	rdb *redis.Client
}

// Connect parses a redis:// URL and returns a Client backed by go-redis.
func Connect(url string) (Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &redisClient{rdb: redis.NewClient(opts)}, nil
}

// NewWithRedis wraps an existing go-redis client. Used by tests.
func NewWithRedis(rdb *redis.Client) Client {
	return &redisClient{rdb: rdb}
}

func (c *redisClient) BLPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	res, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// BLPOP returns [key, value].
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

func (c *redisClient) LPop(ctx context.Context, key string) (string, bool, error) {
	res, err := c.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return res, true, nil
}

func (c *redisClient) LPush(ctx context.Context, key string, value string) error {
	return c.rdb.LPush(ctx, key, value).Err()
}

func (c *redisClient) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	return c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

func (c *redisClient) XRead(ctx context.Context, cursors map[string]string, count int64, block time.Duration) ([]StreamBatch, error) {
	streams := make([]string, 0, len(cursors)*2)
	ids := make([]string, 0, len(cursors))
	for name := range cursors {
		streams = append(streams, name)
	}
	for _, name := range streams {
		ids = append(ids, cursors[name])
	}
	streams = append(streams, ids...)

	res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	batches := make([]StreamBatch, 0, len(res))
	for _, xs := range res {
		batch := StreamBatch{Stream: xs.Stream}
		for _, msg := range xs.Messages {
			batch.Entries = append(batch.Entries, StreamEntry{ID: msg.ID, Values: stringValues(msg.Values)})
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (c *redisClient) XRange(ctx context.Context, stream, start, stop string) ([]StreamEntry, error) {
	msgs, err := c.rdb.XRange(ctx, stream, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toEntries(msgs), nil
}

func (c *redisClient) XRevRangeN(ctx context.Context, stream string, count int64) ([]StreamEntry, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	return toEntries(msgs), nil
}

func (c *redisClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *redisClient) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *redisClient) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return res, true, nil
}

func (c *redisClient) Del(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c *redisClient) Close() error {
	return c.rdb.Close()
}

func toEntries(msgs []redis.XMessage) []StreamEntry {
	entries := make([]StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, StreamEntry{ID: msg.ID, Values: stringValues(msg.Values)})
	}
	return entries
}

func stringValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// ParseStreamID splits a Redis stream ID "ms-seq" into its components.
// Malformed IDs compare as (0, 0).
func ParseStreamID(id string) (int64, int64) {
	if i := strings.IndexByte(id, '-'); i >= 0 {
		ms, err1 := strconv.ParseInt(id[:i], 10, 64)
		seq, err2 := strconv.ParseInt(id[i+1:], 10, 64)
		if err1 != nil || err2 != nil {
			return 0, 0
		}
		return ms, seq
	}
	ms, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, 0
	}
	return ms, 0
}

// StreamIDAfter reports whether id a is strictly greater than b in
// (ms, seq) order.
func StreamIDAfter(a, b string) bool {
	ams, aseq := ParseStreamID(a)
	bms, bseq := ParseStreamID(b)
	if ams != bms {
		return ams > bms
	}
	return aseq > bseq
}
