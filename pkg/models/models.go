// Package models holds the shared domain types that flow between the
// ingest layer, the work queue, the workers, and the publishers.
package models

import (
	"time"
)

// ProviderKind identifies the SCM provider hosting a change request.
type ProviderKind string

const (
	// ProviderGitHub is the position-addressed provider: inline comments are
	// anchored by a 1-based line index into the unified diff of a file.
	ProviderGitHub ProviderKind = "github"

	// ProviderGitLab is the line-addressed provider: inline comments are
	// anchored by (path, new line) plus the diff refs of the change request.
	ProviderGitLab ProviderKind = "gitlab"
)

// ReviewMode selects the execution strategy for a review.
type ReviewMode string

const (
	// ModeDiff reviews only the unified diff of the change request.
	ModeDiff ReviewMode = "diff"

	// ModeAgentic clones the repository, runs its tests in a sandbox, and
	// fuses test failures with LLM findings before publishing.
	ModeAgentic ReviewMode = "agentic"
)

// ReviewRequest is the unit of work produced by ingest and carried through
// the queue. It is immutable once created.
type ReviewRequest struct {
	RequestID           string       `json:"request_id"`
	Provider            ProviderKind `json:"provider"`
	RepositoryID        string       `json:"repository_id"`
	ChangeRequestNumber int          `json:"change_request_number"`
	Mode                ReviewMode   `json:"mode"`
	CreatedAt           time.Time    `json:"created_at"`
}

// Severity classifies how serious a finding is. LLM findings use
// critical/major/minor/info; findings mapped from failing tests use error.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
	SeverityError    Severity = "error"
)

// severityWeights orders severities for dedup tie-breaking and bucket sorts.
// Both the LLM vocabulary (major/minor) and the generic one (high/medium/low)
// are recognized so findings from mixed sources rank consistently.
var severityWeights = map[Severity]float64{
	SeverityCritical: 10,
	SeverityError:    10,
	"high":           7,
	SeverityMajor:    7,
	"medium":         4,
	SeverityMinor:    4,
	"low":            1,
	SeverityInfo:     0.1,
}

// Weight returns the ranking weight of a severity. Unknown severities rank
// lowest so malformed input never outranks a real finding.
func (s Severity) Weight() float64 {
	return severityWeights[s]
}

// Valid reports whether the severity is one of the accepted values.
func (s Severity) Valid() bool {
	_, ok := severityWeights[s]
	return ok
}

// FindingSource records which pipeline stage produced a finding.
type FindingSource string

const (
	SourceLLM    FindingSource = "llm"
	SourceTests  FindingSource = "tests"
	SourceStatic FindingSource = "static"
)

// sourcePrecedence orders sources for dedup tie-breaking: deterministic
// evidence beats heuristic evidence.
var sourcePrecedence = map[FindingSource]int{
	SourceTests:  3,
	SourceStatic: 2,
	SourceLLM:    1,
}

// Precedence returns the dedup tie-break rank of a source.
func (s FindingSource) Precedence() int {
	return sourcePrecedence[s]
}

// Finding is a blocking review issue anchored to a file line.
type Finding struct {
	File                  string        `json:"file"`
	StartLine             int           `json:"start_line"`
	Severity              Severity      `json:"severity"`
	Title                 string        `json:"title"`
	Suggestion            string        `json:"suggestion"`
	ConfidenceScore       float64       `json:"confidence_score"`
	ConfidenceExplanation string        `json:"confidence_explanation,omitempty"`
	Source                FindingSource `json:"source"`

	// SuggestedFix is accepted from the LLM but ignored by publishers unless
	// explicitly enabled in config.
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// Note is a non-blocking advisory attached to a file line. Notes carry no
// severity and never gate a review.
type Note struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"note"`
}

// ReviewResult is the publishable outcome of one review.
type ReviewResult struct {
	Summary  string    `json:"summary"`
	Issues   []Finding `json:"issues"`
	Notes    []Note    `json:"notes"`
	Provider string    `json:"provider,omitempty"`
	Model    string    `json:"model,omitempty"`
}

// ReviewStatus is the externally visible lifecycle of a request.
type ReviewStatus string

const (
	StatusQueued    ReviewStatus = "QUEUED"
	StatusStarted   ReviewStatus = "STARTED"
	StatusCompleted ReviewStatus = "COMPLETED"
	StatusFailed    ReviewStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s ReviewStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StatusEvent is published on the per-request status channel so that
// subscribers outside the worker (e.g. an SSE endpoint) can follow progress.
type StatusEvent struct {
	RequestID string       `json:"request_id"`
	Status    ReviewStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	At        time.Time    `json:"at"`
}

// ResultRecord is the persisted, TTL-bounded outcome keyed by request ID.
type ResultRecord struct {
	Status              ReviewStatus  `json:"status"`
	Result              *ReviewResult `json:"result,omitempty"`
	Error               string        `json:"error,omitempty"`
	ProcessingTimeMs    int64         `json:"processing_time_ms"`
	CompletedAt         string        `json:"completed_at,omitempty"`
	FailedAt            string        `json:"failed_at,omitempty"`
	Provider            string        `json:"provider"`
	RepositoryID        string        `json:"repository_id"`
	ChangeRequestNumber int           `json:"change_request_number"`
	LLMProvider         string        `json:"llm_provider,omitempty"`
	LLMModel            string        `json:"llm_model,omitempty"`
}
