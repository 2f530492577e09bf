// Package worker hosts the queue consumers. Each worker claims entries,
// executes the requested review mode, publishes, finalizes the result
// record, and only then acks. Entries left unacked by a crash are
// reclaimed and redelivered; publishing tolerates that by tagging.
package worker

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codescout/internal/agent"
	"github.com/codescout/internal/aggregate"
	"github.com/codescout/internal/diff"
	"github.com/codescout/internal/llm"
	"github.com/codescout/internal/logging"
	"github.com/codescout/internal/prompt"
	"github.com/codescout/internal/queue"
	"github.com/codescout/internal/scm"
	"github.com/codescout/pkg/models"
)

// AgenticRunner is the capability the worker needs for agentic entries.
type AgenticRunner interface {
	Run(ctx context.Context, req *models.ReviewRequest) (*models.ReviewResult, agent.State, error)
}

// Deps carries everything a worker needs. All fields are shared across the
// pool; per-entry state stays on the stack.
type Deps struct {
	Queue     *queue.Queue
	Status    *queue.StatusBus
	Results   *queue.ResultStore
	Providers scm.Factory
	Reviewer  *llm.Reviewer
	Agent     AgenticRunner

	Tickets       prompt.TicketFetcher
	TicketPattern *regexp.Regexp
	TicketTimeout time.Duration

	Aggregation  aggregate.Options
	ContextLines int

	LLMProvider string
	LLMModel    string
}

// Worker consumes queue entries until its context is canceled. A worker
// executes one entry at a time; concurrency comes from pool size.
type Worker struct {
	id   string
	deps Deps
	log  zerolog.Logger
}

// New builds a worker.
func New(id string, deps Deps) *Worker {
	return &Worker{id: id, deps: deps, log: logging.Component("worker").With().Str("worker", id).Logger()}
}

// Run is the claim loop. Claim blocks server-side; idle passes sweep for
// entries abandoned by dead consumers.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Msg("worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info().Msg("worker stopped")
			return
		}

		deliveries, err := w.deps.Queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("claim failed; backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		if len(deliveries) == 0 {
			if reclaimed, err := w.deps.Queue.Reclaim(ctx); err == nil {
				deliveries = reclaimed
			}
		}

		for _, d := range deliveries {
			w.process(ctx, d)
		}
	}
}

// process executes one entry end to end. Ack happens strictly after the
// result record is finalized; any earlier error leaves the entry pending
// for redelivery. Validation failures are terminal: redelivery would hit
// the same response shape again.
func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	req := d.Request
	log := logging.ForRequest(w.log, req.RequestID)
	started := time.Now()

	w.deps.Status.Publish(ctx, req.RequestID, models.StatusStarted, "review started")
	if err := w.deps.Results.PutProvisional(ctx, req.RequestID, w.record(&req, models.StatusStarted, nil, "", started)); err != nil {
		log.Warn().Err(err).Msg("provisional record write failed")
	}

	var result *models.ReviewResult
	var err error
	switch req.Mode {
	case models.ModeAgentic:
		result, _, err = w.deps.Agent.Run(ctx, &req)
	default:
		result, err = w.reviewDiff(ctx, &req)
	}

	if err != nil {
		if isTerminal(err) {
			w.finalize(ctx, &req, d.EntryID, models.StatusFailed, nil, err.Error(), started)
			return
		}
		// Transient: leave the entry pending; it redelivers after minIdle.
		log.Warn().Err(err).Msg("attempt failed; leaving entry for redelivery")
		return
	}

	w.finalize(ctx, &req, d.EntryID, models.StatusCompleted, result, "", started)
}

// reviewDiff runs the diff-only mode: fetch, chunk-review, aggregate,
// prioritize, publish.
func (w *Worker) reviewDiff(ctx context.Context, req *models.ReviewRequest) (*models.ReviewResult, error) {
	provider, err := w.deps.Providers(req.Provider)
	if err != nil {
		return nil, terminalError{err}
	}

	meta, err := provider.FetchChangeRequestMetadata(ctx, req.RepositoryID, req.ChangeRequestNumber)
	if err != nil {
		return nil, err
	}
	diffText, err := provider.FetchChangeRequestDiff(ctx, req.RepositoryID, req.ChangeRequestNumber, w.deps.ContextLines)
	if err != nil {
		return nil, err
	}
	doc, err := diff.Parse(diffText)
	if err != nil {
		return nil, terminalError{err}
	}

	base := prompt.Input{
		Title:       meta.Title,
		Description: meta.Description,
		Ticket:      prompt.ResolveTicket(ctx, w.deps.Tickets, w.deps.TicketPattern, meta.Title, meta.Description, w.deps.TicketTimeout),
	}
	merged, err := w.deps.Reviewer.ReviewDocument(ctx, doc, base)
	if err != nil {
		return nil, err
	}

	// Chunk boundaries can produce near-duplicate findings; the same
	// aggregation pass the agentic mode uses collapses them.
	agg := aggregate.Aggregate(w.deps.Aggregation, merged.Summary, merged.Notes, merged.Issues)
	prioritized := aggregate.Prioritize(agg.Issues)

	result := &models.ReviewResult{
		Summary:  aggregate.SummaryText(agg.Summary, prioritized, agg.Rejected()),
		Issues:   prioritized.All(),
		Notes:    agg.Notes,
		Provider: merged.Provider,
		Model:    merged.Model,
	}

	if _, err := provider.PublishReview(ctx, req.RepositoryID, req.ChangeRequestNumber, req.RequestID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// finalize writes the terminal record, emits the terminal status, and
// acks. Losing the finalization race means another worker already
// completed this request; the entry is still acked.
func (w *Worker) finalize(ctx context.Context, req *models.ReviewRequest, entryID string, status models.ReviewStatus, result *models.ReviewResult, errMsg string, started time.Time) {
	log := logging.ForRequest(w.log, req.RequestID)

	won, err := w.deps.Results.Finalize(ctx, req.RequestID, w.record(req, status, result, errMsg, started))
	if err != nil {
		log.Error().Err(err).Msg("finalize failed; leaving entry for redelivery")
		return
	}
	if won {
		message := "review completed"
		if status == models.StatusFailed {
			message = errMsg
		}
		w.deps.Status.Publish(ctx, req.RequestID, status, message)
	}

	if err := w.deps.Queue.Ack(ctx, entryID); err != nil {
		log.Warn().Err(err).Msg("ack failed; entry may redeliver")
	}
	log.Info().Str("status", string(status)).Dur("elapsed", time.Since(started)).Msg("entry finished")
}

// record assembles the persisted result record.
func (w *Worker) record(req *models.ReviewRequest, status models.ReviewStatus, result *models.ReviewResult, errMsg string, started time.Time) *models.ResultRecord {
	rec := &models.ResultRecord{
		Status:              status,
		Result:              result,
		Error:               errMsg,
		ProcessingTimeMs:    time.Since(started).Milliseconds(),
		Provider:            string(req.Provider),
		RepositoryID:        req.RepositoryID,
		ChangeRequestNumber: req.ChangeRequestNumber,
		LLMProvider:         w.deps.LLMProvider,
		LLMModel:            w.deps.LLMModel,
	}
	now := time.Now().UTC().Format(time.RFC3339)
	switch status {
	case models.StatusCompleted:
		rec.CompletedAt = now
	case models.StatusFailed:
		rec.FailedAt = now
	}
	return rec
}

// terminalError marks failures that redelivery cannot fix.
type terminalError struct{ error }

func (e terminalError) Unwrap() error { return e.error }

// isTerminal classifies an attempt failure: invalid model output after the
// strict retry, malformed diffs, authorization problems, and unknown
// providers all fail the request for good. Everything else is retried via
// queue redelivery.
func isTerminal(err error) bool {
	var te terminalError
	return errors.As(err, &te) ||
		errors.Is(err, llm.ErrInvalidResponse) ||
		errors.Is(err, scm.ErrAuthorization) ||
		errors.Is(err, scm.ErrUnknownProvider) ||
		errors.Is(err, diff.ErrMalformedDiff) ||
		errors.Is(err, agent.ErrTaskFailed)
}

// Pool runs n identical workers and waits for them on shutdown.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool builds n workers sharing deps, with IDs derived from prefix.
func NewPool(prefix string, n int, deps Deps) *Pool {
	p := &Pool{}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, New(workerID(prefix, i), deps))
	}
	return p
}

// Start launches every worker. Stop by canceling ctx, then Wait.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func workerID(prefix string, i int) string {
	const digits = "0123456789"
	if i < 10 {
		return prefix + "-" + string(digits[i])
	}
	return prefix + "-" + string(digits[i/10]) + string(digits[i%10])
}
