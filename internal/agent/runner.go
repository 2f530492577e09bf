package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/codescout/internal/aggregate"
	"github.com/codescout/internal/diff"
	"github.com/codescout/internal/llm"
	"github.com/codescout/internal/logging"
	"github.com/codescout/internal/prompt"
	"github.com/codescout/internal/sandbox"
	"github.com/codescout/internal/scm"
	"github.com/codescout/pkg/models"
)

// ErrTaskFailed marks failures that redelivering the entry cannot fix:
// the task is finalized as FAILED instead of retried.
var ErrTaskFailed = errors.New("agent task failed")

// TestExecutor is the sandbox capability the runner needs.
type TestExecutor interface {
	Run(ctx context.Context, workspaceDir string, cmd []string, env []string) (*sandbox.ExecResult, error)
}

// RepoCloner stages and tears down per-task repository workspaces.
type RepoCloner interface {
	Clone(ctx context.Context, taskID, cloneURL, headSHA string) (clonePath, commitHash string, err error)
	Cleanup(taskID string)
}

// Runner drives one agentic task through the state machine. One Runner
// serves many tasks; all per-task state lives in the State value.
type Runner struct {
	Providers     scm.Factory
	Cloner        RepoCloner
	Sandbox       TestExecutor
	Reviewer      *llm.Reviewer
	Tickets       prompt.TicketFetcher
	TicketPattern *regexp.Regexp
	TicketTimeout time.Duration
	Aggregation   aggregate.Options
	ContextLines  int
	TestsEnabled  bool

	// OnTransition observes every state change; used for status events.
	OnTransition func(state State)

	// Now is the state-machine clock, replaceable in tests.
	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Runner) observe(state State) {
	if r.OnTransition != nil {
		r.OnTransition(state)
	}
}

// Run executes the full agentic review for one request. The returned State
// is the final machine state regardless of outcome; the workspace is
// removed on every exit path.
func (r *Runner) Run(ctx context.Context, req *models.ReviewRequest) (*models.ReviewResult, State, error) {
	log := logging.ForRequest(logging.Component("agent"), req.RequestID)

	state := NewState(r.now())
	r.observe(state)

	defer r.Cloner.Cleanup(req.RequestID)

	fail := func(state State, err error) (*models.ReviewResult, State, error) {
		failed := state.Fail(r.now(), err.Error())
		r.observe(failed)
		log.Error().Err(err).Str("status", string(failed.Status)).Msg("agentic task failed")
		return nil, failed, err
	}

	provider, err := r.Providers(req.Provider)
	if err != nil {
		return fail(state, err)
	}

	// CLONING
	state, err = state.Advance(StatusCloning, ActionCloneRepository, r.now())
	if err != nil {
		return fail(state, err)
	}
	r.observe(state)

	meta, err := provider.FetchChangeRequestMetadata(ctx, req.RepositoryID, req.ChangeRequestNumber)
	if err != nil {
		return fail(state, fmt.Errorf("fetching metadata: %w", err))
	}

	clonePath, commit, err := r.Cloner.Clone(ctx, req.RequestID, provider.CloneURL(req.RepositoryID), meta.HeadSHA)
	if err != nil {
		return fail(state, fmt.Errorf("%w: %v", ErrTaskFailed, err))
	}
	state = state.WithContext(r.now(), "clonePath", clonePath)
	state = state.WithContext(r.now(), "commitHash", commit)
	state = state.CompleteAction(r.now(), map[string]interface{}{"commitHash": commit})

	// ANALYZING
	state, err = state.Advance(StatusAnalyzing, ActionRunTests, r.now())
	if err != nil {
		return fail(state, err)
	}
	r.observe(state)

	framework, detected := DetectFramework(clonePath)
	testResult := &TestResult{Executed: false}
	if detected && r.TestsEnabled && r.Sandbox != nil {
		started := r.now()
		execResult, err := r.Sandbox.Run(ctx, clonePath, framework.Command, nil)
		if err != nil {
			return fail(state, fmt.Errorf("%w: running tests: %v", ErrTaskFailed, err))
		}
		if execResult.TimedOut() {
			return fail(state, fmt.Errorf("%w: test run timed out", ErrTaskFailed))
		}
		// Nonzero exit means failing or inconclusive tests; the output is
		// evidence, not an error.
		testResult = ParseTestOutput(framework, execResult.Stdout, execResult.Stderr, execResult.ExitCode, r.now().Sub(started))
		log.Info().Int("total", testResult.Total).Int("failed", testResult.Failed).
			Str("framework", framework.Name).Msg("test run finished")
	}
	state = state.WithTestResult(r.now(), testResult)
	state = state.CompleteAction(r.now(), map[string]interface{}{
		"executed": testResult.Executed,
		"total":    testResult.Total,
		"failed":   testResult.Failed,
	})

	// REASONING
	state, err = state.Advance(StatusReasoning, ActionInvokeLLMReview, r.now())
	if err != nil {
		return fail(state, err)
	}
	r.observe(state)

	diffText, err := provider.FetchChangeRequestDiff(ctx, req.RepositoryID, req.ChangeRequestNumber, r.ContextLines)
	if err != nil {
		return fail(state, fmt.Errorf("fetching diff: %w", err))
	}
	doc, err := diff.Parse(diffText)
	if err != nil {
		return fail(state, fmt.Errorf("parsing diff: %w", err))
	}

	base := prompt.Input{
		Title:       meta.Title,
		Description: meta.Description,
		Ticket:      prompt.ResolveTicket(ctx, r.Tickets, r.TicketPattern, meta.Title, meta.Description, r.TicketTimeout),
	}
	llmResult, err := r.Reviewer.ReviewDocument(ctx, doc, base)
	if err != nil {
		return fail(state, err)
	}

	testFindings := MapFailures(testResult, framework)
	agg := aggregate.Aggregate(r.Aggregation, llmResult.Summary, llmResult.Notes, llmResult.Issues, testFindings)
	prioritized := aggregate.Prioritize(agg.Issues)

	result := &models.ReviewResult{
		Summary:  aggregate.SummaryText(agg.Summary, prioritized, agg.Rejected()),
		Issues:   prioritized.All(),
		Notes:    agg.Notes,
		Provider: llmResult.Provider,
		Model:    llmResult.Model,
	}
	state = state.CompleteAction(r.now(), map[string]interface{}{
		"llmFindings":  len(llmResult.Issues),
		"testFindings": len(testFindings),
		"published":    len(result.Issues),
	})

	// PUBLISHING
	state, err = state.Advance(StatusPublishing, ActionPublishInlineComments, r.now())
	if err != nil {
		return fail(state, err)
	}
	r.observe(state)

	report, err := provider.PublishReview(ctx, req.RepositoryID, req.ChangeRequestNumber, req.RequestID, result)
	if err != nil {
		return fail(state, fmt.Errorf("publishing review: %w", err))
	}
	state = state.CompleteAction(r.now(), map[string]interface{}{
		"inlinePosted":  report.InlinePosted,
		"inlineSkipped": report.InlineSkipped,
		"inlineFailed":  report.InlineFailed,
		"unlocated":     report.Unlocated,
	})
	state = state.BeginAction(ActionPublishSummary, r.now())
	state = state.CompleteAction(r.now(), nil)

	// COMPLETED
	state, err = state.Advance(StatusCompleted, ActionTerminate, r.now())
	if err != nil {
		return fail(state, err)
	}
	state = state.CompleteAction(r.now(), nil)
	r.observe(state)

	log.Info().Int("issues", len(result.Issues)).Int("notes", len(result.Notes)).Msg("agentic review completed")
	return result, state, nil
}
