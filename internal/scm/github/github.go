// Package github implements the position-addressed SCM adapter. It talks to
// the REST API directly with a rate-limited HTTP client; inline comments
// are anchored by the 1-based position within the change request's unified
// diff, computed by the diff package.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/codescout/internal/diff"
	"github.com/codescout/internal/logging"
	"github.com/codescout/internal/retry"
	"github.com/codescout/internal/scm"
	"github.com/codescout/pkg/models"
)

// Provider is the kind-A adapter.
type Provider struct {
	baseURL             string
	token               string
	client              *http.Client
	limiter             *rate.Limiter
	retryCfg            retry.Config
	includeSuggestedFix bool
	log                 zerolog.Logger
}

// New builds the adapter. The limiter stays well under the API's secondary
// rate limits for write bursts.
func New(opts scm.Options) *Provider {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Provider{
		baseURL:             strings.TrimSuffix(baseURL, "/"),
		token:               opts.Token,
		client:              &http.Client{Timeout: 30 * time.Second},
		limiter:             rate.NewLimiter(rate.Limit(5), 10),
		retryCfg:            retry.DefaultConfig(),
		includeSuggestedFix: opts.IncludeSuggestedFix,
		log:                 logging.Component("scm.github"),
	}
}

// FetchChangeRequestDiff returns the raw unified diff. The provider fixes
// the context width server-side, so contextLines is advisory here.
func (p *Provider) FetchChangeRequestDiff(ctx context.Context, repo string, number int, contextLines int) (string, error) {
	var body []byte
	err := retry.Do(ctx, p.retryCfg, p.log, func() error {
		var err error
		body, err = p.get(ctx, fmt.Sprintf("/repos/%s/pulls/%d", repo, number), "application/vnd.github.v3.diff")
		return err
	})
	if err != nil {
		return "", fmt.Errorf("fetching diff for %s#%d: %w", repo, number, err)
	}
	return string(body), nil
}

// FetchChangeRequestMetadata returns title, body, base branch, and head SHA.
func (p *Provider) FetchChangeRequestMetadata(ctx context.Context, repo string, number int) (*scm.Metadata, error) {
	var body []byte
	err := retry.Do(ctx, p.retryCfg, p.log, func() error {
		var err error
		body, err = p.get(ctx, fmt.Sprintf("/repos/%s/pulls/%d", repo, number), "application/vnd.github+json")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching metadata for %s#%d: %w", repo, number, err)
	}

	var pr struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Base  struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("decoding pull request: %w", err)
	}

	return &scm.Metadata{
		Title:       pr.Title,
		Description: pr.Body,
		BaseBranch:  pr.Base.Ref,
		HeadSHA:     pr.Head.SHA,
	}, nil
}

// PublishReview posts inline comments at resolvable diff positions plus a
// summary comment. Comments whose idempotency tag is already present are
// skipped; individual inline failures are logged and counted but do not
// abort the batch.
func (p *Provider) PublishReview(ctx context.Context, repo string, number int, requestID string, result *models.ReviewResult) (*scm.PublishReport, error) {
	diffText, err := p.FetchChangeRequestDiff(ctx, repo, number, 0)
	if err != nil {
		return nil, err
	}
	doc, err := diff.Parse(diffText)
	if err != nil {
		return nil, fmt.Errorf("parsing change diff: %w", err)
	}

	meta, err := p.FetchChangeRequestMetadata(ctx, repo, number)
	if err != nil {
		return nil, err
	}

	existing, err := p.existingTags(ctx, repo, number)
	if err != nil {
		return nil, err
	}

	report := &scm.PublishReport{}
	var unlocated []models.Finding

	for i := range result.Issues {
		finding := &result.Issues[i]
		position := doc.Position(finding.File, finding.StartLine)
		if position == diff.PositionNotFound {
			unlocated = append(unlocated, *finding)
			report.Unlocated++
			continue
		}

		tag := scm.IdempotencyTag(requestID, finding.File, finding.StartLine, finding.Title)
		if existing[tag] {
			report.InlineSkipped++
			continue
		}

		payload := map[string]interface{}{
			"body":      scm.CommentBody(finding, tag, p.includeSuggestedFix),
			"commit_id": meta.HeadSHA,
			"path":      finding.File,
			"position":  position,
		}
		if err := p.post(ctx, fmt.Sprintf("/repos/%s/pulls/%d/comments", repo, number), payload); err != nil {
			report.InlineFailed++
			p.log.Warn().Err(err).Str("file", finding.File).Int("line", finding.StartLine).
				Msg("inline comment failed; continuing")
			continue
		}
		report.InlinePosted++
	}

	for i := range result.Notes {
		note := &result.Notes[i]
		position := doc.Position(note.File, note.Line)
		if position == diff.PositionNotFound {
			continue // advisory only; not worth a summary entry
		}
		tag := scm.IdempotencyTag(requestID, note.File, note.Line, note.Text)
		if existing[tag] {
			report.InlineSkipped++
			continue
		}
		payload := map[string]interface{}{
			"body":      scm.NoteBody(note, tag),
			"commit_id": meta.HeadSHA,
			"path":      note.File,
			"position":  position,
		}
		if err := p.post(ctx, fmt.Sprintf("/repos/%s/pulls/%d/comments", repo, number), payload); err != nil {
			report.InlineFailed++
			p.log.Warn().Err(err).Str("file", note.File).Msg("note comment failed; continuing")
			continue
		}
		report.InlinePosted++
	}

	summaryTag := scm.IdempotencyTag(requestID, "", 0, "summary")
	if !existing[summaryTag] {
		payload := map[string]interface{}{"body": scm.SummaryBody(requestID, result, unlocated)}
		if err := p.post(ctx, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number), payload); err != nil {
			return report, fmt.Errorf("posting summary comment: %w", err)
		}
	}

	return report, nil
}

// CloneURL embeds the token so the agentic worker can clone privately.
func (p *Provider) CloneURL(repo string) string {
	host := "github.com"
	if !strings.Contains(p.baseURL, "api.github.com") {
		host = strings.TrimPrefix(strings.TrimPrefix(p.baseURL, "https://"), "http://")
		host = strings.TrimSuffix(host, "/api/v3")
	}
	if p.token == "" {
		return fmt.Sprintf("https://%s/%s.git", host, repo)
	}
	return fmt.Sprintf("https://x-access-token:%s@%s/%s.git", p.token, host, repo)
}

// existingTags collects idempotency tags from both review comments and
// issue comments so redelivered publishes skip what is already there.
// Listing walks every page; a short page ends the walk.
func (p *Provider) existingTags(ctx context.Context, repo string, number int) (map[string]bool, error) {
	const perPage = 100
	var bodies []string

	for _, base := range []string{
		fmt.Sprintf("/repos/%s/pulls/%d/comments", repo, number),
		fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number),
	} {
		for page := 1; ; page++ {
			path := fmt.Sprintf("%s?per_page=%d&page=%d", base, perPage, page)
			var raw []byte
			err := retry.Do(ctx, p.retryCfg, p.log, func() error {
				var err error
				raw, err = p.get(ctx, path, "application/vnd.github+json")
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("listing existing comments: %w", err)
			}
			var comments []struct {
				Body string `json:"body"`
			}
			if err := json.Unmarshal(raw, &comments); err != nil {
				return nil, fmt.Errorf("decoding comment list: %w", err)
			}
			for _, c := range comments {
				bodies = append(bodies, c.Body)
			}
			if len(comments) < perPage {
				break
			}
		}
	}

	return scm.ExtractTags(bodies), nil
}

func (p *Provider) get(ctx context.Context, path, accept string) ([]byte, error) {
	resp, err := p.do(ctx, http.MethodGet, path, accept, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}

func (p *Provider) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := p.do(ctx, http.MethodPost, path, "application/vnd.github+json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return nil
}

// do performs one rate-limited request and normalizes error statuses:
// 401/403 become ErrAuthorization (never retried), 5xx become retryable
// errors carrying the status code.
func (p *Provider) do(ctx context.Context, method, path, accept string, body io.Reader) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s returned %d", scm.ErrAuthorization, method, path, resp.StatusCode)
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return resp, nil
}
