// Package llm contains the model-facing half of the pipeline: the streaming
// chat-completion client with retry and circuit breaking, and the response
// parser that turns raw model output into validated domain findings.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/codescout/pkg/models"
)

// ErrInvalidResponse is returned when model output cannot be coerced into
// the finding schema, even after repair.
var ErrInvalidResponse = errors.New("invalid LLM response")

// defaultConfidenceExplanation fills the explanation field when the model
// scored a finding but did not say why.
const defaultConfidenceExplanation = "No explanation provided"

// validSeverities is the accepted severity enum for model-produced issues.
var validSeverities = map[string]models.Severity{
	"critical": models.SeverityCritical,
	"major":    models.SeverityMajor,
	"minor":    models.SeverityMinor,
	"info":     models.SeverityInfo,
}

// ParseReviewResponse validates and converts a raw model response into a
// ReviewResult. The raw text is sanitized (code fences, stray control
// characters), repaired if it is almost-JSON, and then checked against the
// finding schema. Both snake_case and camelCase keys are accepted. Findings
// anchored to non-positive lines are dropped rather than failing the batch.
func ParseReviewResponse(raw string) (*models.ReviewResult, error) {
	cleaned := Sanitize(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidResponse)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		// The model often emits almost-JSON (trailing commas, single
		// quotes). Try repair before giving up.
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}

	delete(payload, "$schema")

	summary, ok := lookupString(payload, "summary")
	if !ok {
		return nil, fmt.Errorf("%w: missing required field summary", ErrInvalidResponse)
	}

	issuesRaw, ok := lookupSlice(payload, "issues")
	if !ok {
		return nil, fmt.Errorf("%w: missing required field issues", ErrInvalidResponse)
	}
	notesRaw, ok := lookupSlice(payload, "non_blocking_notes", "nonBlockingNotes")
	if !ok {
		return nil, fmt.Errorf("%w: missing required field non_blocking_notes", ErrInvalidResponse)
	}

	result := &models.ReviewResult{Summary: summary}

	for i, item := range issuesRaw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: issues[%d] is not an object", ErrInvalidResponse, i)
		}
		finding, err := parseIssue(obj)
		if err != nil {
			return nil, fmt.Errorf("%w: issues[%d]: %v", ErrInvalidResponse, i, err)
		}
		if finding.StartLine <= 0 {
			continue
		}
		result.Issues = append(result.Issues, *finding)
	}

	for i, item := range notesRaw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: non_blocking_notes[%d] is not an object", ErrInvalidResponse, i)
		}
		note, err := parseNote(obj)
		if err != nil {
			return nil, fmt.Errorf("%w: non_blocking_notes[%d]: %v", ErrInvalidResponse, i, err)
		}
		if note.Line <= 0 {
			continue
		}
		result.Notes = append(result.Notes, *note)
	}

	return result, nil
}

func parseIssue(obj map[string]interface{}) (*models.Finding, error) {
	file, ok := lookupString(obj, "file")
	if !ok || file == "" {
		return nil, fmt.Errorf("missing file")
	}
	startLine, ok := lookupInt(obj, "start_line", "startLine")
	if !ok {
		return nil, fmt.Errorf("missing start_line")
	}
	sevText, ok := lookupString(obj, "severity")
	if !ok {
		return nil, fmt.Errorf("missing severity")
	}
	severity, ok := validSeverities[strings.ToLower(strings.TrimSpace(sevText))]
	if !ok {
		return nil, fmt.Errorf("severity %q not in enum", sevText)
	}
	title, ok := lookupString(obj, "title")
	if !ok || strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("missing title")
	}
	suggestion, ok := lookupString(obj, "suggestion")
	if !ok {
		return nil, fmt.Errorf("missing suggestion")
	}

	finding := &models.Finding{
		File:       file,
		StartLine:  startLine,
		Severity:   severity,
		Title:      title,
		Suggestion: suggestion,
		Source:     models.SourceLLM,
	}

	if score, present := lookupFloat(obj, "confidence_score", "confidenceScore"); present {
		if score < 0 || score > 1 {
			return nil, fmt.Errorf("confidence_score %v outside [0,1]", score)
		}
		finding.ConfidenceScore = score
	} else {
		// An unscored finding is not evidence against itself: treat missing
		// confidence as full confidence so downstream filtering only drops
		// findings the model itself doubted.
		finding.ConfidenceScore = 1.0
	}

	if expl, _ := lookupString(obj, "confidence_explanation", "confidenceExplanation"); strings.TrimSpace(expl) != "" {
		finding.ConfidenceExplanation = expl
	} else {
		finding.ConfidenceExplanation = defaultConfidenceExplanation
	}

	if fix, _ := lookupString(obj, "suggested_fix", "suggestedFix"); fix != "" {
		finding.SuggestedFix = fix
	}

	return finding, nil
}

func parseNote(obj map[string]interface{}) (*models.Note, error) {
	file, ok := lookupString(obj, "file")
	if !ok || file == "" {
		return nil, fmt.Errorf("missing file")
	}
	line, ok := lookupInt(obj, "line")
	if !ok {
		return nil, fmt.Errorf("missing line")
	}
	text, ok := lookupString(obj, "note", "text")
	if !ok || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("missing note text")
	}
	return &models.Note{File: file, Line: line, Text: text}, nil
}

// Sanitize strips the wrapping noise models add around JSON: fenced code
// blocks, leading/trailing whitespace, and control characters other than
// tab, newline, and carriage return.
func Sanitize(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, raw)

	cleaned = strings.TrimSpace(cleaned)

	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}

	// Models sometimes wrap the JSON in prose. Keep the outermost object.
	if !strings.HasPrefix(cleaned, "{") {
		if start := strings.IndexByte(cleaned, '{'); start >= 0 {
			if end := strings.LastIndexByte(cleaned, '}'); end > start {
				cleaned = cleaned[start : end+1]
			}
		}
	}

	return cleaned
}

// Key lookup helpers: the schema is accepted in snake_case or camelCase, so
// every access goes through these.

func lookupValue(obj map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func lookupString(obj map[string]interface{}, keys ...string) (string, bool) {
	v, ok := lookupValue(obj, keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func lookupSlice(obj map[string]interface{}, keys ...string) ([]interface{}, bool) {
	v, ok := lookupValue(obj, keys...)
	if !ok {
		return nil, false
	}
	s, ok := v.([]interface{})
	return s, ok
}

func lookupInt(obj map[string]interface{}, keys ...string) (int, bool) {
	v, ok := lookupValue(obj, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func lookupFloat(obj map[string]interface{}, keys ...string) (float64, bool) {
	v, ok := lookupValue(obj, keys...)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
