// Package queue is the durable work queue between ingest and the workers,
// backed by a Redis stream with one consumer group. Delivery is
// at-least-once: entries stay pending until acked, and entries whose
// consumer died are reclaimed by whoever sweeps next.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/codescout/internal/logging"
	"github.com/codescout/pkg/models"
)

// ErrQueueOverflow is returned by Enqueue when the stream has reached the
// high-water mark. Callers surface it as backpressure, never as data loss.
var ErrQueueOverflow = errors.New("queue at high-water mark")

const payloadField = "payload"

// Options tunes the queue. Zero values fall back to workable defaults.
type Options struct {
	StreamKey      string
	ConsumerGroup  string
	ConsumerID     string
	BatchSize      int
	ClaimBlockTime time.Duration
	MinIdleReclaim time.Duration
	HighWaterMark  int64
}

// Delivery is one claimed queue entry. EntryID is the monotonic stream ID
// assigned at enqueue time and is what Ack takes.
type Delivery struct {
	EntryID string
	Request models.ReviewRequest
}

// Queue wraps the stream operations used by ingest and the workers.
type Queue struct {
	client *redis.Client
	opts   Options
	log    zerolog.Logger
}

// New builds a queue and creates the consumer group if it does not exist.
func New(ctx context.Context, client *redis.Client, opts Options) (*Queue, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.ClaimBlockTime <= 0 {
		opts.ClaimBlockTime = 5 * time.Second
	}
	if opts.MinIdleReclaim <= 0 {
		opts.MinIdleReclaim = 5 * time.Minute
	}

	q := &Queue{client: client, opts: opts, log: logging.Component("queue")}

	err := client.XGroupCreateMkStream(ctx, opts.StreamKey, opts.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("creating consumer group %s: %w", opts.ConsumerGroup, err)
	}
	return q, nil
}

// Enqueue appends a request to the stream and returns its entry ID. The
// high-water mark is checked first so a slow consumer backs the producer up
// instead of growing the stream without bound.
func (q *Queue) Enqueue(ctx context.Context, req *models.ReviewRequest) (string, error) {
	if q.opts.HighWaterMark > 0 {
		depth, err := q.client.XLen(ctx, q.opts.StreamKey).Result()
		if err != nil {
			return "", fmt.Errorf("checking queue depth: %w", err)
		}
		if depth >= q.opts.HighWaterMark {
			return "", fmt.Errorf("%w: depth %d", ErrQueueOverflow, depth)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	entryID, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.StreamKey,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("appending to stream: %w", err)
	}

	q.log.Debug().Str("requestId", req.RequestID).Str("entryId", entryID).Msg("enqueued")
	return entryID, nil
}

// Claim blocks up to the configured time for new entries and returns what
// it got. An empty slice means the block timed out; callers loop.
func (q *Queue) Claim(ctx context.Context) ([]Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.ConsumerGroup,
		Consumer: q.opts.ConsumerID,
		Streams:  []string{q.opts.StreamKey, ">"},
		Count:    int64(q.opts.BatchSize),
		Block:    q.opts.ClaimBlockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var deliveries []Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			d, err := q.decode(msg)
			if err != nil {
				// Poison entry: ack it away so it cannot wedge the group.
				q.log.Error().Err(err).Str("entryId", msg.ID).Msg("dropping undecodable entry")
				q.client.XAck(ctx, q.opts.StreamKey, q.opts.ConsumerGroup, msg.ID)
				continue
			}
			deliveries = append(deliveries, d)
		}
	}
	return deliveries, nil
}

// Reclaim takes over entries another consumer claimed but left idle past
// the reclaim threshold. At-least-once delivery: the new owner may process
// an entry the old owner already half-finished, which is why publishing is
// idempotent downstream.
func (q *Queue) Reclaim(ctx context.Context) ([]Delivery, error) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.opts.StreamKey,
		Group:    q.opts.ConsumerGroup,
		Consumer: q.opts.ConsumerID,
		MinIdle:  q.opts.MinIdleReclaim,
		Start:    "0-0",
		Count:    int64(q.opts.BatchSize),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reclaiming idle entries: %w", err)
	}

	var deliveries []Delivery
	for _, msg := range messages {
		d, err := q.decode(msg)
		if err != nil {
			q.log.Error().Err(err).Str("entryId", msg.ID).Msg("dropping undecodable reclaimed entry")
			q.client.XAck(ctx, q.opts.StreamKey, q.opts.ConsumerGroup, msg.ID)
			continue
		}
		q.log.Info().Str("entryId", msg.ID).Str("requestId", d.Request.RequestID).Msg("reclaimed idle entry")
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// Ack removes an entry from the pending list. Called strictly after the
// result has been finalized so a crash before Ack redelivers.
func (q *Queue) Ack(ctx context.Context, entryID string) error {
	if err := q.client.XAck(ctx, q.opts.StreamKey, q.opts.ConsumerGroup, entryID).Err(); err != nil {
		return fmt.Errorf("acking %s: %w", entryID, err)
	}
	return nil
}

// Depth returns the current stream length, pending entries included.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.opts.StreamKey).Result()
}

func (q *Queue) decode(msg redis.XMessage) (Delivery, error) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return Delivery{}, fmt.Errorf("entry %s has no %s field", msg.ID, payloadField)
	}
	var req models.ReviewRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return Delivery{}, fmt.Errorf("decoding entry %s: %w", msg.ID, err)
	}
	return Delivery{EntryID: msg.ID, Request: req}, nil
}
