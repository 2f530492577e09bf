package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codescout/internal/aggregate"
	"github.com/codescout/internal/llm"
	"github.com/codescout/internal/prompt"
	"github.com/codescout/internal/sandbox"
	"github.com/codescout/internal/scm"
	"github.com/codescout/pkg/models"
)

const agentTestDiff = "--- a/main.go\n+++ b/main.go\n@@ -1,2 +1,3 @@\n package main\n+var x = 1\n func main() {}\n"

type fakeProvider struct {
	diff        string
	meta        *scm.Metadata
	metaErr     error
	published   *models.ReviewResult
	publishReqs int
}

func (f *fakeProvider) FetchChangeRequestDiff(ctx context.Context, repo string, number, contextLines int) (string, error) {
	return f.diff, nil
}

func (f *fakeProvider) FetchChangeRequestMetadata(ctx context.Context, repo string, number int) (*scm.Metadata, error) {
	return f.meta, f.metaErr
}

func (f *fakeProvider) PublishReview(ctx context.Context, repo string, number int, requestID string, result *models.ReviewResult) (*scm.PublishReport, error) {
	f.published = result
	f.publishReqs++
	return &scm.PublishReport{InlinePosted: len(result.Issues)}, nil
}

func (f *fakeProvider) CloneURL(repo string) string { return "https://example.com/" + repo + ".git" }

type fakeCloner struct {
	clonePath string
	cloneErr  error
	cleanedUp []string
}

func (f *fakeCloner) Clone(ctx context.Context, taskID, cloneURL, headSHA string) (string, string, error) {
	return f.clonePath, "abc123", f.cloneErr
}

func (f *fakeCloner) Cleanup(taskID string) {
	f.cleanedUp = append(f.cleanedUp, taskID)
}

type fakeSandbox struct {
	result *sandbox.ExecResult
	err    error
	cmd    []string
}

func (f *fakeSandbox) Run(ctx context.Context, dir string, cmd, env []string) (*sandbox.ExecResult, error) {
	f.cmd = cmd
	return f.result, f.err
}

type fakeChat struct {
	response string
}

func (f *fakeChat) ChatCompletion(ctx context.Context, system, user string, onDelta func(string)) (*llm.Completion, error) {
	return &llm.Completion{Text: f.response, Provider: "openai", Model: "gpt-4o-mini"}, nil
}

const llmResponse = `{
  "summary": "One concern in the change.",
  "issues": [{
    "file": "main.go", "start_line": 2, "severity": "major",
    "title": "Global state", "suggestion": "Avoid package-level vars.",
    "confidence_score": 0.9, "confidence_explanation": "Clear from the diff."
  }],
  "non_blocking_notes": []
}`

func newTestRunner(t *testing.T, provider *fakeProvider, cloner *fakeCloner, sb TestExecutor) *Runner {
	t.Helper()
	composer, err := prompt.NewComposer("go", "", nil)
	require.NoError(t, err)

	return &Runner{
		Providers:    scm.NewFactory(provider, nil),
		Cloner:       cloner,
		Sandbox:      sb,
		Reviewer:     llm.NewReviewer(&fakeChat{response: llmResponse}, composer, 1500),
		Aggregation:  aggregate.DefaultOptions(),
		TestsEnabled: true,
	}
}

func TestRunCompletesAndFusesTestFailures(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "pom.xml"), []byte("<project/>"), 0o644))

	provider := &fakeProvider{
		diff: agentTestDiff,
		meta: &scm.Metadata{Title: "Add x", BaseBranch: "main", HeadSHA: "abc123"},
	}
	cloner := &fakeCloner{clonePath: repo}
	sb := &fakeSandbox{result: &sandbox.ExecResult{
		ExitCode: 1,
		Stdout:   "[ERROR] FAILED: com.x.Y#m assertion\nTests run: 3, Failures: 1, Errors: 0, Skipped: 0\n",
	}}

	var statuses []Status
	runner := newTestRunner(t, provider, cloner, sb)
	runner.OnTransition = func(s State) { statuses = append(statuses, s.Status) }

	req := &models.ReviewRequest{
		RequestID:           "req-1",
		Provider:            models.ProviderGitHub,
		RepositoryID:        "acme/widgets",
		ChangeRequestNumber: 7,
		Mode:                models.ModeAgentic,
	}
	result, state, err := runner.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, []Status{
		StatusPending, StatusCloning, StatusAnalyzing,
		StatusReasoning, StatusPublishing, StatusCompleted,
	}, statuses)

	assert.Equal(t, "abc123", state.Context["commitHash"])
	require.NotNil(t, state.TestResult)
	assert.Equal(t, 3, state.TestResult.Total)
	assert.Equal(t, []string{"mvn", "-B", "test"}, sb.cmd)

	// The test failure outranks the LLM finding in bucket order.
	require.Len(t, result.Issues, 2)
	first := result.Issues[0]
	assert.Equal(t, "com/x/Y.java", first.File)
	assert.Equal(t, 1, first.StartLine)
	assert.Equal(t, models.SeverityError, first.Severity)
	assert.Equal(t, "Test Failed: m", first.Title)
	assert.Equal(t, 1.0, first.ConfidenceScore)
	assert.Equal(t, models.SourceTests, first.Source)
	assert.Equal(t, "Global state", result.Issues[1].Title)

	assert.Contains(t, result.Summary, "One concern in the change.")
	assert.Contains(t, result.Summary, "2 issues surfaced")

	require.NotNil(t, provider.published)
	assert.Equal(t, []string{"req-1"}, cloner.cleanedUp)
}

func TestRunWithoutDetectedFrameworkStillCompletes(t *testing.T) {
	provider := &fakeProvider{
		diff: agentTestDiff,
		meta: &scm.Metadata{Title: "Add x", HeadSHA: "abc123"},
	}
	cloner := &fakeCloner{clonePath: t.TempDir()} // no markers
	runner := newTestRunner(t, provider, cloner, &fakeSandbox{})

	result, state, err := runner.Run(context.Background(), &models.ReviewRequest{RequestID: "req-2", Provider: models.ProviderGitHub})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	require.NotNil(t, state.TestResult)
	assert.False(t, state.TestResult.Executed)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, models.SourceLLM, result.Issues[0].Source)
}

func TestRunFailsAndCleansUpOnMetadataError(t *testing.T) {
	provider := &fakeProvider{metaErr: errors.New("upstream 502")}
	cloner := &fakeCloner{clonePath: t.TempDir()}
	runner := newTestRunner(t, provider, cloner, &fakeSandbox{})

	_, state, err := runner.Run(context.Background(), &models.ReviewRequest{RequestID: "req-3", Provider: models.ProviderGitHub})
	require.Error(t, err)

	assert.Equal(t, StatusFailed, state.Status)
	assert.Contains(t, state.ErrorMessage, "502")
	// Workspace cleanup happens on the failure path too.
	assert.Equal(t, []string{"req-3"}, cloner.cleanedUp)
	assert.Zero(t, provider.publishReqs)
}

func TestRunFailsOnTestTimeout(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "go.mod"), []byte("module x"), 0o644))

	provider := &fakeProvider{diff: agentTestDiff, meta: &scm.Metadata{HeadSHA: "abc123"}}
	cloner := &fakeCloner{clonePath: repo}
	sb := &fakeSandbox{result: &sandbox.ExecResult{ExitCode: -1}}
	runner := newTestRunner(t, provider, cloner, sb)

	_, state, err := runner.Run(context.Background(), &models.ReviewRequest{RequestID: "req-4", Provider: models.ProviderGitHub})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Contains(t, state.ErrorMessage, "timed out")
	assert.Equal(t, []string{"req-4"}, cloner.cleanedUp)
}
