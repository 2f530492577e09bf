// Package orchestrator is the ingest side of the pipeline: it validates
// incoming review submissions, assigns request IDs, enqueues work, and
// exposes result and progress lookups for the HTTP layer.
package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/codescout/internal/logging"
	"github.com/codescout/internal/queue"
	"github.com/codescout/pkg/models"
)

// ErrInvalidSubmission is returned when a submission names an unknown
// provider or mode, or omits a required field.
var ErrInvalidSubmission = errors.New("invalid submission")

// Submission is what callers provide to start a review.
type Submission struct {
	Provider            string `json:"provider"`
	RepositoryID        string `json:"repository_id"`
	ChangeRequestNumber int    `json:"change_request_number"`
	Mode                string `json:"mode"`
}

// Orchestrator accepts submissions and hands them to the queue. Request IDs
// are ULIDs: lexically sortable by creation time, safe to expose to callers.
type Orchestrator struct {
	queue   *queue.Queue
	status  *queue.StatusBus
	results *queue.ResultStore
	log     zerolog.Logger
}

// New wires an orchestrator over the queue primitives.
func New(q *queue.Queue, status *queue.StatusBus, results *queue.ResultStore) *Orchestrator {
	return &Orchestrator{
		queue:   q,
		status:  status,
		results: results,
		log:     logging.Component("orchestrator"),
	}
}

// Submit validates the submission and enqueues it. On success the request is
// durably queued and its ID returned; queue.ErrQueueOverflow propagates so
// the caller can signal backpressure.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*models.ReviewRequest, error) {
	req, err := o.buildRequest(sub)
	if err != nil {
		return nil, err
	}
	log := logging.ForRequest(o.log, req.RequestID)

	if _, err := o.queue.Enqueue(ctx, req); err != nil {
		return nil, err
	}

	// The entry is durable from here; the status event and provisional record
	// are advisory and must not fail the submission.
	o.status.Publish(ctx, req.RequestID, models.StatusQueued, "review queued")
	record := &models.ResultRecord{
		Status:              models.StatusQueued,
		Provider:            string(req.Provider),
		RepositoryID:        req.RepositoryID,
		ChangeRequestNumber: req.ChangeRequestNumber,
	}
	if err := o.results.PutProvisional(ctx, req.RequestID, record); err != nil {
		log.Warn().Err(err).Msg("provisional record write failed")
	}

	log.Info().Str("provider", string(req.Provider)).Str("repo", req.RepositoryID).
		Int("number", req.ChangeRequestNumber).Str("mode", string(req.Mode)).Msg("review accepted")
	return req, nil
}

// Result loads the current record for a request ID.
func (o *Orchestrator) Result(ctx context.Context, requestID string) (*models.ResultRecord, error) {
	var record models.ResultRecord
	if err := o.results.Get(ctx, requestID, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Progress follows a request's status events until a terminal event or
// context cancellation.
func (o *Orchestrator) Progress(ctx context.Context, requestID string) <-chan models.StatusEvent {
	return o.status.Subscribe(ctx, requestID)
}

// Depth reports the current queue depth for health reporting.
func (o *Orchestrator) Depth(ctx context.Context) (int64, error) {
	return o.queue.Depth(ctx)
}

func (o *Orchestrator) buildRequest(sub Submission) (*models.ReviewRequest, error) {
	provider := models.ProviderKind(sub.Provider)
	switch provider {
	case models.ProviderGitHub, models.ProviderGitLab:
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidSubmission, sub.Provider)
	}

	mode := models.ReviewMode(sub.Mode)
	if mode == "" {
		mode = models.ModeDiff
	}
	switch mode {
	case models.ModeDiff, models.ModeAgentic:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidSubmission, sub.Mode)
	}

	if sub.RepositoryID == "" {
		return nil, fmt.Errorf("%w: repository_id is required", ErrInvalidSubmission)
	}
	if sub.ChangeRequestNumber <= 0 {
		return nil, fmt.Errorf("%w: change_request_number must be positive", ErrInvalidSubmission)
	}

	now := time.Now().UTC()
	return &models.ReviewRequest{
		RequestID:           ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Provider:            provider,
		RepositoryID:        sub.RepositoryID,
		ChangeRequestNumber: sub.ChangeRequestNumber,
		Mode:                mode,
		CreatedAt:           now,
	}, nil
}
