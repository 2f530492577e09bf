package prompt

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codescout/internal/diff"
)

func mustParse(t *testing.T, text string) *diff.Document {
	t.Helper()
	doc, err := diff.Parse(text)
	require.NoError(t, err)
	return doc
}

func TestRenderDiffLineNumbers(t *testing.T) {
	doc := mustParse(t, "--- a/f\n+++ b/f\n@@ -1,2 +1,2 @@\n keep\n-old\n+new\n")
	out := RenderDiff(doc)

	assert.Contains(t, out, "### f")
	assert.Contains(t, out, "    1 │   keep")
	assert.Contains(t, out, "      │ - old")
	assert.Contains(t, out, "    2 │ + new")
}

func TestUserPromptSections(t *testing.T) {
	c, err := NewComposer("go", "concurrency", nil)
	require.NoError(t, err)

	doc := mustParse(t, "--- a/f\n+++ b/f\n@@ -1,1 +1,2 @@\n a\n+b\n")
	out := c.UserPrompt(Input{
		Doc:         doc,
		Title:       "Add widget",
		Description: "Implements the widget",
		ContextFiles: []ContextFile{
			{Path: "widget.go", Confidence: 0.9, Reason: "same package", Evidence: "func Widget()"},
		},
		Ticket: &Ticket{ID: "PROJ-42", Body: "Widgets must be idempotent."},
	})

	assert.Contains(t, out, "## Repository")
	assert.Contains(t, out, "language: go")
	assert.Contains(t, out, "focus: concurrency")
	assert.Contains(t, out, "## Diff")
	assert.Contains(t, out, "## Related files")
	assert.Contains(t, out, "widget.go (confidence 0.90)")
	assert.Contains(t, out, "## Ticket PROJ-42")
	assert.Contains(t, out, "Widgets must be idempotent.")
}

func TestUserPromptOmitsEmptyTicket(t *testing.T) {
	c, err := NewComposer("go", "", nil)
	require.NoError(t, err)

	doc := mustParse(t, "--- a/f\n+++ b/f\n@@ -1,1 +1,1 @@\n a\n")
	out := c.UserPrompt(Input{Doc: doc, Ticket: &Ticket{ID: "PROJ-1", Body: "  "}})
	assert.NotContains(t, out, "## Ticket")
}

func TestRedaction(t *testing.T) {
	c, err := NewComposer("go", "", nil)
	require.NoError(t, err)

	doc := mustParse(t, "--- a/cfg\n+++ b/cfg\n@@ -0,0 +1,1 @@\n+api_key = \"sk-veryverysecret123\"\n")
	out := c.UserPrompt(Input{Doc: doc})
	assert.NotContains(t, out, "sk-veryverysecret123")
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactionCustomPatterns(t *testing.T) {
	c, err := NewComposer("go", "", []string{`hunter\d`})
	require.NoError(t, err)
	assert.Equal(t, "pw [REDACTED] ok", c.Redact("pw hunter2 ok"))
}

func TestNewComposerRejectsBadPattern(t *testing.T) {
	_, err := NewComposer("go", "", []string{"("})
	require.Error(t, err)
}

func TestSystemPromptDemandsJSON(t *testing.T) {
	c, err := NewComposer("", "", nil)
	require.NoError(t, err)
	sys := c.SystemPrompt()
	assert.Contains(t, sys, "single JSON document")
	assert.Contains(t, sys, "non_blocking_notes")
}

type fakeTicketFetcher struct {
	body string
	err  error
}

func (f *fakeTicketFetcher) FetchTicket(ctx context.Context, id string) (string, error) {
	return f.body, f.err
}

func TestExtractTicketIDTitleFirst(t *testing.T) {
	pattern := regexp.MustCompile(`[A-Z][A-Z0-9]+-\d+`)
	assert.Equal(t, "ABC-1", ExtractTicketID(pattern, "ABC-1: fix", "XYZ-9 described"))
	assert.Equal(t, "XYZ-9", ExtractTicketID(pattern, "fix stuff", "closes XYZ-9"))
	assert.Equal(t, "", ExtractTicketID(pattern, "fix", "no id"))
}

func TestResolveTicket(t *testing.T) {
	pattern := regexp.MustCompile(`[A-Z]+-\d+`)

	ticket := ResolveTicket(context.Background(), &fakeTicketFetcher{body: "context"}, pattern, "ABC-7", "", time.Second)
	require.NotNil(t, ticket)
	assert.Equal(t, "ABC-7", ticket.ID)
	assert.Equal(t, "context", ticket.Body)

	// Empty body suppresses the block.
	assert.Nil(t, ResolveTicket(context.Background(), &fakeTicketFetcher{body: " "}, pattern, "ABC-7", "", time.Second))
	// Fetch errors are non-fatal.
	assert.Nil(t, ResolveTicket(context.Background(), &fakeTicketFetcher{err: errors.New("down")}, pattern, "ABC-7", "", time.Second))
	// No match, no fetch.
	assert.Nil(t, ResolveTicket(context.Background(), &fakeTicketFetcher{body: "x"}, pattern, "none", "", time.Second))
}

func TestRenderDiffSecondHunkNumbers(t *testing.T) {
	doc := mustParse(t, "--- a/f\n+++ b/f\n@@ -5,2 +5,3 @@\n five\n+six\n seven\n")
	out := RenderDiff(doc)
	for _, want := range []string{"    5 │   five", "    6 │ + six", "    7 │   seven"} {
		assert.True(t, strings.Contains(out, want), "missing %q in:\n%s", want, out)
	}
}
