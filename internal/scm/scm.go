// Package scm abstracts the hosted source-control providers behind a small
// capability set: fetch a change request's diff and metadata, and publish a
// review back. Publishing is idempotent per comment via deterministic tags
// so queue redeliveries never duplicate feedback.
package scm

import (
	"context"
	"errors"
	"fmt"

	"github.com/codescout/pkg/models"
)

// ErrUnknownProvider is returned by the factory for unsupported kinds.
var ErrUnknownProvider = errors.New("unknown scm provider")

// ErrAuthorization marks token problems; callers must not retry these.
var ErrAuthorization = errors.New("scm authorization failed")

// Metadata is the change-request header information workers need.
type Metadata struct {
	Title       string
	Description string
	BaseBranch  string
	HeadSHA     string
}

// PublishReport accounts for what a publish attempt actually did. Inline
// failures are counted, not fatal: the batch continues.
type PublishReport struct {
	InlinePosted  int
	InlineSkipped int // already present (idempotency tag matched)
	InlineFailed  int
	Unlocated     int // rolled into the summary comment
}

// Provider is the capability set exposed to workers, independent of the
// provider kind behind it. Read operations are idempotent and retried on
// transient failures by the implementations.
type Provider interface {
	// FetchChangeRequestDiff returns the raw unified diff of the change
	// request with the requested amount of surrounding context.
	FetchChangeRequestDiff(ctx context.Context, repo string, number int, contextLines int) (string, error)

	// FetchChangeRequestMetadata returns title, description, base branch,
	// and head SHA.
	FetchChangeRequestMetadata(ctx context.Context, repo string, number int) (*Metadata, error)

	// PublishReview posts inline comments where positions resolve plus a
	// summary comment. requestID seeds the per-comment idempotency tags.
	PublishReview(ctx context.Context, repo string, number int, requestID string, result *models.ReviewResult) (*PublishReport, error)

	// CloneURL returns an authenticated HTTPS clone URL for the repository.
	CloneURL(repo string) string
}

// Options carries provider credentials and publish behavior.
type Options struct {
	BaseURL             string
	Token               string
	IncludeSuggestedFix bool
}

// Factory resolves a provider kind to a concrete adapter.
type Factory func(kind models.ProviderKind) (Provider, error)

// NewFactory builds the standard factory over the two supported kinds.
// Construction of the concrete adapters is injected to keep this package
// free of provider imports.
func NewFactory(github, gitlab Provider) Factory {
	return func(kind models.ProviderKind) (Provider, error) {
		switch kind {
		case models.ProviderGitHub:
			if github == nil {
				return nil, fmt.Errorf("%w: github adapter not configured", ErrUnknownProvider)
			}
			return github, nil
		case models.ProviderGitLab:
			if gitlab == nil {
				return nil, fmt.Errorf("%w: gitlab adapter not configured", ErrUnknownProvider)
			}
			return gitlab, nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
		}
	}
}
