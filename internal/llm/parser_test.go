package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codescout/pkg/models"
)

func TestParseReviewResponseBasic(t *testing.T) {
	raw := `{
		"summary": "Looks mostly fine.",
		"issues": [
			{"file": "a.go", "start_line": 10, "severity": "major",
			 "title": "Missing error check", "suggestion": "Handle the error.",
			 "confidence_score": 0.9, "confidence_explanation": "Clear from context."}
		],
		"non_blocking_notes": [
			{"file": "a.go", "line": 3, "note": "Consider renaming."}
		]
	}`

	result, err := ParseReviewResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Looks mostly fine.", result.Summary)
	require.Len(t, result.Issues, 1)
	issue := result.Issues[0]
	assert.Equal(t, "a.go", issue.File)
	assert.Equal(t, 10, issue.StartLine)
	assert.Equal(t, models.SeverityMajor, issue.Severity)
	assert.Equal(t, 0.9, issue.ConfidenceScore)
	assert.Equal(t, models.SourceLLM, issue.Source)
	require.Len(t, result.Notes, 1)
	assert.Equal(t, "Consider renaming.", result.Notes[0].Text)
}

func TestParseReviewResponseDropsSchemaProperty(t *testing.T) {
	raw := `{"$schema": "https://example.com/review.schema.json",
		"summary": "Schema-prefixed response.",
		"issues": [],
		"non_blocking_notes": [{"file": "b.go", "line": 2, "note": "nit"}]}`

	result, err := ParseReviewResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Schema-prefixed response.", result.Summary)
	assert.Empty(t, result.Issues)
	require.Len(t, result.Notes, 1)
}

func TestParseReviewResponseCamelCase(t *testing.T) {
	raw := `{"summary": "camel", "issues": [
		{"file": "c.go", "startLine": 7, "severity": "critical",
		 "title": "SQL injection", "suggestion": "Use placeholders.",
		 "confidenceScore": 0.75}
	], "nonBlockingNotes": []}`

	result, err := ParseReviewResponse(raw)
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, 7, result.Issues[0].StartLine)
	assert.Equal(t, 0.75, result.Issues[0].ConfidenceScore)
}

func TestParseReviewResponseStripsCodeFence(t *testing.T) {
	raw := "```json\n{\"summary\": \"fenced\", \"issues\": [], \"non_blocking_notes\": []}\n```"
	result, err := ParseReviewResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "fenced", result.Summary)
}

func TestParseReviewResponseControlCharacters(t *testing.T) {
	raw := "{\"summary\": \"ok\",\x00 \"issues\": [], \"non_blocking_notes\": []}"
	result, err := ParseReviewResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Summary)
}

func TestParseReviewResponseDefaults(t *testing.T) {
	raw := `{"summary": "s", "issues": [
		{"file": "d.go", "start_line": 1, "severity": "info",
		 "title": "t", "suggestion": "s", "confidence_explanation": "  "}
	], "non_blocking_notes": []}`

	result, err := ParseReviewResponse(raw)
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, 1.0, result.Issues[0].ConfidenceScore)
	assert.Equal(t, "No explanation provided", result.Issues[0].ConfidenceExplanation)
}

func TestParseReviewResponseFiltersNonPositiveLines(t *testing.T) {
	raw := `{"summary": "s", "issues": [
		{"file": "e.go", "start_line": 0, "severity": "minor", "title": "t", "suggestion": "x"},
		{"file": "e.go", "start_line": 4, "severity": "minor", "title": "kept", "suggestion": "x"}
	], "non_blocking_notes": [
		{"file": "e.go", "line": -2, "note": "dropped"},
		{"file": "e.go", "line": 1, "note": "kept"}
	]}`

	result, err := ParseReviewResponse(raw)
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "kept", result.Issues[0].Title)
	require.Len(t, result.Notes, 1)
	assert.Equal(t, "kept", result.Notes[0].Text)
}

func TestParseReviewResponseInvalid(t *testing.T) {
	cases := map[string]string{
		"not json at all":    "the code looks great, thanks!",
		"missing summary":    `{"issues": [], "non_blocking_notes": []}`,
		"missing issues":     `{"summary": "s", "non_blocking_notes": []}`,
		"bad severity":       `{"summary":"s","issues":[{"file":"f","start_line":1,"severity":"catastrophic","title":"t","suggestion":"x"}],"non_blocking_notes":[]}`,
		"confidence >1":      `{"summary":"s","issues":[{"file":"f","start_line":1,"severity":"info","title":"t","suggestion":"x","confidence_score":1.5}],"non_blocking_notes":[]}`,
		"issue not object":   `{"summary":"s","issues":["oops"],"non_blocking_notes":[]}`,
		"missing suggestion": `{"summary":"s","issues":[{"file":"f","start_line":1,"severity":"info","title":"t"}],"non_blocking_notes":[]}`,
	}

	for name, raw := range cases {
		_, err := ParseReviewResponse(raw)
		assert.True(t, errors.Is(err, ErrInvalidResponse), "case %q should fail: got %v", name, err)
	}
}

func TestParseReviewResponseRepairsAlmostJSON(t *testing.T) {
	// Trailing comma: invalid JSON that jsonrepair can fix.
	raw := `{"summary": "repaired", "issues": [], "non_blocking_notes": [],}`
	result, err := ParseReviewResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "repaired", result.Summary)
}

func TestParseReviewResponseAcceptsSuggestedFix(t *testing.T) {
	raw := `{"summary":"s","issues":[{"file":"f.go","start_line":2,"severity":"minor",
		"title":"t","suggestion":"x","suggestedFix":"patch here"}],"non_blocking_notes":[]}`
	result, err := ParseReviewResponse(raw)
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "patch here", result.Issues[0].SuggestedFix)
}
