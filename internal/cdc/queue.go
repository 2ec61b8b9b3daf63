// Package cdc implements the CDC ingestion worker (C8) and CDC consumer
// (C9) from SPEC_FULL.md §4.8-4.9, plus the redis/go-redis/v9 Streams
// binding for engine.DurableQueue.
package cdc

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
)

// RedisQueue implements engine.DurableQueue over Redis Streams: Append is
// XADD, ReadGroup is XREADGROUP (creating the group on first use), Ack is
// XACK, Len is XLEN (SPEC_FULL.md §6: "at-least-once delivery;
// consumer-group semantics; FIFO per stream").
type RedisQueue struct {
	rdb *redis.Client
}

var _ engine.DurableQueue = (*RedisQueue)(nil)

// NewRedisQueue wraps an already-connected client.
func NewRedisQueue(rdb *redis.Client) *RedisQueue { return &RedisQueue{rdb: rdb} }

const payloadField = "frame"

func (q *RedisQueue) Append(ctx context.Context, key string, payload []byte) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{payloadField: payload},
	}).Err()
	if err != nil {
		return engine.Transport("cdc.queue_append", err)
	}
	return nil
}

func (q *RedisQueue) ReadGroup(ctx context.Context, group, consumer, stream string, count int, block time.Duration) ([]engine.QueueMessage, error) {
	if err := q.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}

	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, engine.Transport("cdc.queue_read_group", err)
	}

	var out []engine.QueueMessage
	for _, s := range res {
		for _, msg := range s.Messages {
			raw, _ := msg.Values[payloadField].(string)
			out = append(out, engine.QueueMessage{ID: msg.ID, Payload: []byte(raw)})
		}
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, stream, group, id string) error {
	if err := q.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return engine.Transport("cdc.queue_ack", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context, stream string) (int64, error) {
	n, err := q.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, engine.Transport("cdc.queue_len", err)
	}
	return n, nil
}

// ensureGroup creates the consumer group starting from the beginning of the
// stream, tolerating the BUSYGROUP error when it already exists.
func (q *RedisQueue) ensureGroup(ctx context.Context, stream, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return engine.Transport("cdc.queue_ensure_group", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
