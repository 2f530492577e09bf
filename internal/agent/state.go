// Package agent runs the agentic review mode: clone the repository, run
// its tests in a sandbox, fuse test failures with the LLM review, and
// publish. Progress is tracked by an explicit state machine with
// append-only history.
package agent

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of one agentic task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusCloning    Status = "CLONING"
	StatusAnalyzing  Status = "ANALYZING"
	StatusReasoning  Status = "REASONING"
	StatusPublishing Status = "PUBLISHING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// transitions lists the allowed next states. Every non-terminal state may
// also fail.
var transitions = map[Status][]Status{
	StatusPending:    {StatusCloning, StatusFailed},
	StatusCloning:    {StatusAnalyzing, StatusFailed},
	StatusAnalyzing:  {StatusReasoning, StatusFailed},
	StatusReasoning:  {StatusPublishing, StatusFailed},
	StatusPublishing: {StatusCompleted, StatusFailed},
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ActionKind names the work performed in one state.
type ActionKind string

const (
	ActionCloneRepository       ActionKind = "CloneRepository"
	ActionRunTests              ActionKind = "RunTests"
	ActionInvokeLLMReview       ActionKind = "InvokeLlmReview"
	ActionPublishInlineComments ActionKind = "PublishInlineComments"
	ActionPublishSummary        ActionKind = "PublishSummary"
	ActionTerminate             ActionKind = "Terminate"
)

// Action records one unit of state-machine work.
type Action struct {
	Kind         ActionKind             `json:"kind"`
	StartedAt    time.Time              `json:"started_at"`
	Duration     time.Duration          `json:"duration"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// State is the single-writer task state. Methods return a new value; the
// receiver is never mutated, so observers can hold snapshots safely.
type State struct {
	Status           Status            `json:"status"`
	CompletedActions []Action          `json:"completed_actions"`
	CurrentAction    *Action           `json:"current_action,omitempty"`
	Context          map[string]string `json:"context,omitempty"`
	TestResult       *TestResult       `json:"test_result,omitempty"`
	LastUpdated      time.Time         `json:"last_updated"`
	ErrorMessage     string            `json:"error_message,omitempty"`
}

// NewState returns a PENDING state.
func NewState(now time.Time) State {
	return State{Status: StatusPending, LastUpdated: now}
}

// touch returns a timestamp strictly after LastUpdated so every mutation
// moves the clock even under coarse timer resolution.
func (s State) touch(now time.Time) time.Time {
	if !now.After(s.LastUpdated) {
		return s.LastUpdated.Add(time.Nanosecond)
	}
	return now
}

// Advance moves to the next status, beginning the given action. Rejected
// when the transition is not allowed or the state is terminal.
func (s State) Advance(next Status, kind ActionKind, now time.Time) (State, error) {
	if s.Status.Terminal() {
		return s, fmt.Errorf("state %s is terminal", s.Status)
	}
	if !s.Status.CanTransition(next) {
		return s, fmt.Errorf("illegal transition %s -> %s", s.Status, next)
	}

	out := s.clone()
	out.Status = next
	out.LastUpdated = s.touch(now)
	out.CurrentAction = &Action{Kind: kind, StartedAt: out.LastUpdated}
	return out, nil
}

// BeginAction starts a further action within the current state.
func (s State) BeginAction(kind ActionKind, now time.Time) State {
	out := s.clone()
	out.LastUpdated = s.touch(now)
	out.CurrentAction = &Action{Kind: kind, StartedAt: out.LastUpdated}
	return out
}

// CompleteAction appends the current action as succeeded.
func (s State) CompleteAction(now time.Time, details map[string]interface{}) State {
	out := s.clone()
	out.LastUpdated = s.touch(now)
	if s.CurrentAction != nil {
		done := *s.CurrentAction
		done.Success = true
		done.Duration = out.LastUpdated.Sub(done.StartedAt)
		done.Details = details
		out.CompletedActions = append(out.CompletedActions, done)
		out.CurrentAction = nil
	}
	return out
}

// Fail transitions to FAILED, marking any in-flight action as failed.
// Failing an already-terminal state is a no-op returning the input.
func (s State) Fail(now time.Time, message string) State {
	if s.Status.Terminal() {
		return s
	}

	out := s.clone()
	out.Status = StatusFailed
	out.LastUpdated = s.touch(now)
	out.ErrorMessage = message
	if s.CurrentAction != nil {
		failed := *s.CurrentAction
		failed.Success = false
		failed.ErrorMessage = message
		failed.Duration = out.LastUpdated.Sub(failed.StartedAt)
		out.CompletedActions = append(out.CompletedActions, failed)
		out.CurrentAction = nil
	}
	return out
}

// WithContext returns a copy carrying an extra context entry.
func (s State) WithContext(now time.Time, key, value string) State {
	out := s.clone()
	out.LastUpdated = s.touch(now)
	if out.Context == nil {
		out.Context = make(map[string]string)
	}
	out.Context[key] = value
	return out
}

// WithTestResult returns a copy carrying the analysis outcome.
func (s State) WithTestResult(now time.Time, result *TestResult) State {
	out := s.clone()
	out.LastUpdated = s.touch(now)
	out.TestResult = result
	return out
}

// clone deep-copies the mutable members so the returned value shares
// nothing with the receiver.
func (s State) clone() State {
	out := s
	out.CompletedActions = append([]Action(nil), s.CompletedActions...)
	if s.CurrentAction != nil {
		cp := *s.CurrentAction
		out.CurrentAction = &cp
	}
	if s.Context != nil {
		out.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	return out
}
