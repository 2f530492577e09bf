package scm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codescout/pkg/models"
)

func TestIdempotencyTagStable(t *testing.T) {
	a := IdempotencyTag("req-1", "main.go", 10, "Nil deref")
	b := IdempotencyTag("req-1", "main.go", 10, "Nil deref")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	assert.NotEqual(t, a, IdempotencyTag("req-2", "main.go", 10, "Nil deref"))
	assert.NotEqual(t, a, IdempotencyTag("req-1", "main.go", 11, "Nil deref"))
	assert.NotEqual(t, a, IdempotencyTag("req-1", "main.go", 10, "Other"))
}

func TestExtractTags(t *testing.T) {
	tag := IdempotencyTag("req-1", "a.go", 3, "x")
	bodies := []string{
		"plain comment with no marker",
		"tagged comment\n\n" + TagMarker(tag),
		"<!-- codescout:zzzz -->", // not a valid tag, ignored
	}
	tags := ExtractTags(bodies)
	assert.True(t, tags[tag])
	assert.Len(t, tags, 1)
}

func TestCommentBody(t *testing.T) {
	finding := &models.Finding{
		File:                  "main.go",
		StartLine:             10,
		Severity:              models.SeverityCritical,
		Title:                 "Nil dereference",
		Suggestion:            "Check the pointer before use.",
		ConfidenceScore:       0.8,
		ConfidenceExplanation: "Pattern matched a known crash.",
		SuggestedFix:          "if p == nil { return }",
	}
	tag := IdempotencyTag("req-1", finding.File, finding.StartLine, finding.Title)

	body := CommentBody(finding, tag, true)
	assert.Contains(t, body, "**[CRITICAL]** Nil dereference")
	assert.Contains(t, body, "Check the pointer before use.")
	assert.Contains(t, body, "Confidence: 80%")
	assert.Contains(t, body, "```suggestion\nif p == nil { return }\n```")
	assert.Contains(t, body, TagMarker(tag))

	// Suggested fix suppressed when disabled.
	assert.NotContains(t, CommentBody(finding, tag, false), "```suggestion")

	// Full-confidence findings carry no hedging note.
	finding.ConfidenceScore = 1.0
	assert.NotContains(t, CommentBody(finding, tag, false), "Confidence:")
}

func TestSummaryBody(t *testing.T) {
	result := &models.ReviewResult{
		Summary:  "Two problems found.",
		Provider: "openai",
		Model:    "gpt-4o",
		Issues: []models.Finding{
			{Severity: models.SeverityCritical, Title: "a"},
			{Severity: models.SeverityMajor, Title: "b"},
			{Severity: models.SeverityInfo, Title: "c"},
		},
	}
	unlocated := []models.Finding{
		{File: "gone.go", StartLine: 9, Severity: models.SeverityMinor, Title: "Stale", Suggestion: "Remove it."},
	}

	body := SummaryBody("req-9", result, unlocated)
	assert.Contains(t, body, "Two problems found.")
	assert.Contains(t, body, "1 critical, 1 high, 0 medium, 1 low")
	assert.Contains(t, body, "Reviewed by openai/gpt-4o")
	assert.Contains(t, body, "### Unlocated findings")
	assert.Contains(t, body, "`gone.go:9`")
	assert.Contains(t, body, TagMarker(IdempotencyTag("req-9", "", 0, "summary")))

	// Same request yields a byte-identical summary, so the tag scan works.
	assert.Equal(t, body, SummaryBody("req-9", result, unlocated))
}

func TestNewFactory(t *testing.T) {
	factory := NewFactory(nil, nil)

	_, err := factory(models.ProviderGitHub)
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = factory(models.ProviderKind("bitbucket"))
	require.ErrorIs(t, err, ErrUnknownProvider)
	assert.True(t, strings.Contains(err.Error(), "bitbucket"))
}
