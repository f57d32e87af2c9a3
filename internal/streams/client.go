/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Thin wrapper around Redis Streams exposing exactly the
             operations the fast-path consumer and worker pool need:
             consumer-group creation, grouped reads, acknowledgement,
             pending-entry reclaim, queue-depth inspection, and
             appends. Kept narrow so both production (go-redis) and
             test (in-memory fake) implementations satisfy the same
             interface.
Root Cause:  Ingress/CDC/DLQ stream access needed a seam independent
             of the go-redis client so fastpath/workerpool tests don't
             require a live Redis.
Suitability: L3 — consumer-group semantics over a shared client.
──────────────────────────────────────────────────────────────
*/

// Package streams is the narrow seam between the pipeline and its three
// logical streams (ingress, cdc, dlq) (§6.1). Production code talks to
// Redis Streams via Client; tests talk to the in-memory Fake.
package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is a single stream entry: its id plus its field values.
type Message struct {
	ID     string
	Values map[string]interface{}
}

// GroupInfo reports a consumer group's queue depth for backpressure
// monitoring (§4.3).
type GroupInfo struct {
	Pending int64
	Lag     int64
}

// Client is everything the fast-path consumer, worker pool, and DLQ
// writer need from a stream transport. Implementations: RedisClient
// (production) and Fake (tests).
type Client interface {
	// EnsureGroup creates the consumer group at the beginning of the
	// stream if it does not already exist. Idempotent.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup reads up to count new ("> ") entries for consumer,
	// blocking up to block for at least one entry.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Claim reclaims entries idle for at least minIdle, starting the
	// scan at start (use "0-0" initially) and returning the next scan
	// cursor for subsequent calls (mirrors XAUTOCLAIM).
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]Message, string, error)

	// Ack acknowledges entries, removing them from the group's
	// pending-entries list.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Add appends a new entry, optionally trimming the stream to
	// approximately maxLen (0 disables trimming).
	Add(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error)

	// GroupDepth reports pending+lag for a consumer group.
	GroupDepth(ctx context.Context, stream, group string) (GroupInfo, error)

	// Close releases underlying connections.
	Close() error
}

// RedisClient implements Client over github.com/redis/go-redis/v9.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient parses url and connects. The connection is lazy in
// go-redis; Ping is left to the caller's own startup health check.
func NewRedisClient(url string) (*RedisClient, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisClient{rdb: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity with a bounded timeout.
func (c *RedisClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisClient) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (c *RedisClient) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toMessages(res[0].Messages), nil
}

func (c *RedisClient) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, start, fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
	}
	return toMessages(msgs), next, nil
}

func (c *RedisClient) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

func (c *RedisClient) Add(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (c *RedisClient) GroupDepth(ctx context.Context, stream, group string) (GroupInfo, error) {
	groups, err := c.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if err == redis.Nil {
			return GroupInfo{}, nil
		}
		return GroupInfo{}, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}
	for _, g := range groups {
		if g.Name == group {
			return GroupInfo{Pending: g.Pending, Lag: g.Lag}, nil
		}
	}
	return GroupInfo{}, nil
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

func toMessages(xs []redis.XMessage) []Message {
	out := make([]Message, len(xs))
	for i, m := range xs {
		out[i] = Message{ID: m.ID, Values: m.Values}
	}
	return out
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

var _ Client = (*RedisClient)(nil)
