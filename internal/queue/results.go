package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrResultNotFound is returned by Get for unknown or expired request IDs.
var ErrResultNotFound = errors.New("result not found")

const (
	resultKeyFmt = "codescout:result:%s"
	finalKeyFmt  = "codescout:result:%s:final"
)

// ResultStore persists per-request outcome records with a TTL. Finalization
// is first-writer-wins: redelivered work observes that the record is
// already final and does not overwrite it.
type ResultStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResultStore builds a store. ttl bounds how long results stay readable.
func NewResultStore(client *redis.Client, ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ResultStore{client: client, ttl: ttl}
}

// PutProvisional records an in-flight status snapshot. It never overwrites
// a finalized record.
func (s *ResultStore) PutProvisional(ctx context.Context, requestID string, record interface{}) error {
	final, err := s.client.Exists(ctx, fmt.Sprintf(finalKeyFmt, requestID)).Result()
	if err != nil {
		return fmt.Errorf("checking finalization of %s: %w", requestID, err)
	}
	if final > 0 {
		return nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding provisional record: %w", err)
	}
	if err := s.client.Set(ctx, fmt.Sprintf(resultKeyFmt, requestID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("storing provisional record for %s: %w", requestID, err)
	}
	return nil
}

// Finalize writes the terminal record for a request. Returns true when this
// call won finalization; false means another worker already finalized and
// the given record was discarded.
func (s *ResultStore) Finalize(ctx context.Context, requestID string, record interface{}) (bool, error) {
	won, err := s.client.SetNX(ctx, fmt.Sprintf(finalKeyFmt, requestID), "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring finalization of %s: %w", requestID, err)
	}
	if !won {
		return false, nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encoding final record: %w", err)
	}
	if err := s.client.Set(ctx, fmt.Sprintf(resultKeyFmt, requestID), payload, s.ttl).Err(); err != nil {
		return false, fmt.Errorf("storing final record for %s: %w", requestID, err)
	}
	return true, nil
}

// Get loads the record for a request into out. Returns ErrResultNotFound
// for unknown or expired IDs.
func (s *ResultStore) Get(ctx context.Context, requestID string, out interface{}) error {
	payload, err := s.client.Get(ctx, fmt.Sprintf(resultKeyFmt, requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrResultNotFound, requestID)
		}
		return fmt.Errorf("loading record for %s: %w", requestID, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding record for %s: %w", requestID, err)
	}
	return nil
}
