package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/codescout/internal/logging"
	"github.com/codescout/pkg/models"
)

// StatusBus publishes and subscribes to per-request lifecycle events over
// pub/sub channels. Events are fire-and-forget: a subscriber that connects
// late misses earlier events and reads the result record instead.
type StatusBus struct {
	client     *redis.Client
	channelFmt string
	log        zerolog.Logger
}

// NewStatusBus builds a bus. channelFmt must contain one %s verb for the
// request ID.
func NewStatusBus(client *redis.Client, channelFmt string) *StatusBus {
	if channelFmt == "" {
		channelFmt = "codescout:status:%s"
	}
	return &StatusBus{client: client, channelFmt: channelFmt, log: logging.Component("status")}
}

// Publish emits a status event on the request's channel. Publish failures
// are logged, not propagated: status is advisory and must never fail a
// review.
func (b *StatusBus) Publish(ctx context.Context, requestID string, status models.ReviewStatus, message string) {
	event := models.StatusEvent{
		RequestID: requestID,
		Status:    status,
		Message:   message,
		At:        time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	channel := fmt.Sprintf(b.channelFmt, requestID)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		b.log.Warn().Err(err).Str("requestId", requestID).Msg("status publish failed")
	}
}

// Subscribe follows a request's status channel until the context is
// canceled or a terminal event arrives. The returned channel is closed on
// exit; callers need no explicit unsubscribe.
func (b *StatusBus) Subscribe(ctx context.Context, requestID string) <-chan models.StatusEvent {
	channel := fmt.Sprintf(b.channelFmt, requestID)
	sub := b.client.Subscribe(ctx, channel)
	out := make(chan models.StatusEvent, 8)

	go func() {
		defer close(out)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var event models.StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				if event.Status.Terminal() {
					return
				}
			}
		}
	}()

	return out
}
