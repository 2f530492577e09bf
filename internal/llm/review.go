package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/codescout/internal/diff"
	"github.com/codescout/internal/logging"
	"github.com/codescout/internal/prompt"
	"github.com/codescout/pkg/models"
)

// ChatClient is the capability the reviewer needs from a completion client.
type ChatClient interface {
	ChatCompletion(ctx context.Context, systemPrompt, userPrompt string, onDelta func(delta string)) (*Completion, error)
}

// strictDirective is appended to the user prompt on the single validation
// retry a chunk gets.
const strictDirective = "\n\nReturn ONLY valid JSON matching the documented shape. No prose, no code fences."

// Reviewer runs the chunked diff review: split the document, prompt the
// model per chunk, validate each response, and merge.
type Reviewer struct {
	Client        ChatClient
	Composer      *prompt.Composer
	MaxChunkLines int

	log zerolog.Logger
}

// NewReviewer wires a reviewer over a client and composer.
func NewReviewer(client ChatClient, composer *prompt.Composer, maxChunkLines int) *Reviewer {
	if maxChunkLines <= 0 {
		maxChunkLines = 1500
	}
	return &Reviewer{
		Client:        client,
		Composer:      composer,
		MaxChunkLines: maxChunkLines,
		log:           logging.Component("reviewer"),
	}
}

// ReviewDocument reviews the whole document chunk by chunk and merges the
// per-chunk results: summaries joined with a separator, issues and notes
// unioned in chunk order. A chunk whose response fails validation gets one
// retry with a stricter directive; a second failure fails the review.
func (r *Reviewer) ReviewDocument(ctx context.Context, doc *diff.Document, base prompt.Input) (*models.ReviewResult, error) {
	chunks := doc.Chunks(r.MaxChunkLines)

	merged := &models.ReviewResult{}
	var summaries []string

	for i, chunk := range chunks {
		input := base
		input.Doc = chunk

		part, err := r.reviewChunk(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("reviewing chunk %d/%d: %w", i+1, len(chunks), err)
		}

		if s := strings.TrimSpace(part.Summary); s != "" {
			summaries = append(summaries, s)
		}
		merged.Issues = append(merged.Issues, part.Issues...)
		merged.Notes = append(merged.Notes, part.Notes...)
		merged.Provider = part.Provider
		merged.Model = part.Model
	}

	merged.Summary = strings.Join(summaries, "\n\n")
	return merged, nil
}

func (r *Reviewer) reviewChunk(ctx context.Context, input prompt.Input) (*models.ReviewResult, error) {
	system := r.Composer.SystemPrompt()
	user := r.Composer.UserPrompt(input)

	completion, err := r.Client.ChatCompletion(ctx, system, user, nil)
	if err != nil {
		return nil, err
	}

	result, parseErr := ParseReviewResponse(completion.Text)
	if parseErr != nil {
		if !errors.Is(parseErr, ErrInvalidResponse) {
			return nil, parseErr
		}
		r.log.Warn().Err(parseErr).Msg("invalid review JSON; retrying with strict directive")

		completion, err = r.Client.ChatCompletion(ctx, system, user+strictDirective, nil)
		if err != nil {
			return nil, err
		}
		result, parseErr = ParseReviewResponse(completion.Text)
		if parseErr != nil {
			return nil, fmt.Errorf("response invalid after strict retry: %w", parseErr)
		}
	}

	result.Provider = completion.Provider
	result.Model = completion.Model
	return result, nil
}
