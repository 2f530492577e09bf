// Package gitlab implements the line-addressed SCM adapter. Inline comments
// target new-file line numbers through the merge-request discussions API,
// with the diff-version SHAs fetched per publish.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/time/rate"

	"github.com/codescout/internal/diff"
	"github.com/codescout/internal/logging"
	"github.com/codescout/internal/retry"
	"github.com/codescout/internal/scm"
	"github.com/codescout/pkg/models"
)

// Provider is the kind-B adapter. The official client validates the token
// and base URL at construction; the per-endpoint calls go through a plain
// HTTP client because the versioned discussions API needs request shapes
// the generated services do not expose.
type Provider struct {
	client              *gitlab.Client
	apiURL              string
	host                string
	token               string
	httpClient          *http.Client
	limiter             *rate.Limiter
	retryCfg            retry.Config
	includeSuggestedFix bool
	log                 zerolog.Logger
}

// New builds the adapter. baseURL is the instance root, e.g.
// https://gitlab.example.com; it defaults to gitlab.com.
func New(opts scm.Options) (*Provider, error) {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://gitlab.com"
	}

	client := gitlab.NewClient(nil, opts.Token)
	if err := client.SetBaseURL(fmt.Sprintf("%s/api/v4", baseURL)); err != nil {
		return nil, fmt.Errorf("setting gitlab api base url: %w", err)
	}

	host := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")

	return &Provider{
		client:              client,
		apiURL:              baseURL + "/api/v4",
		host:                host,
		token:               opts.Token,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		limiter:             rate.NewLimiter(rate.Limit(5), 10),
		retryCfg:            retry.DefaultConfig(),
		includeSuggestedFix: opts.IncludeSuggestedFix,
		log:                 logging.Component("scm.gitlab"),
	}, nil
}

type mergeRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	TargetBranch string `json:"target_branch"`
	SHA          string `json:"sha"`
}

type mergeRequestChanges struct {
	Changes []struct {
		OldPath     string `json:"old_path"`
		NewPath     string `json:"new_path"`
		Diff        string `json:"diff"`
		NewFile     bool   `json:"new_file"`
		DeletedFile bool   `json:"deleted_file"`
	} `json:"changes"`
}

type mrVersion struct {
	BaseCommitSHA  string `json:"base_commit_sha"`
	HeadCommitSHA  string `json:"head_commit_sha"`
	StartCommitSHA string `json:"start_commit_sha"`
}

// FetchChangeRequestDiff assembles a unified diff from the changes
// endpoint; the API returns per-file hunks without file headers. The
// context width is fixed server-side, so contextLines is advisory.
func (p *Provider) FetchChangeRequestDiff(ctx context.Context, repo string, number int, contextLines int) (string, error) {
	changes, err := p.fetchChanges(ctx, repo, number)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, c := range changes.Changes {
		oldHeader := "a/" + c.OldPath
		newHeader := "b/" + c.NewPath
		if c.NewFile {
			oldHeader = "/dev/null"
		}
		if c.DeletedFile {
			newHeader = "/dev/null"
		}
		fmt.Fprintf(&b, "--- %s\n+++ %s\n", oldHeader, newHeader)
		b.WriteString(c.Diff)
		if !strings.HasSuffix(c.Diff, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// FetchChangeRequestMetadata returns title, description, target branch,
// and head SHA.
func (p *Provider) FetchChangeRequestMetadata(ctx context.Context, repo string, number int) (*scm.Metadata, error) {
	var mr mergeRequest
	path := fmt.Sprintf("/projects/%s/merge_requests/%d", url.PathEscape(repo), number)
	if err := p.getJSON(ctx, path, &mr); err != nil {
		return nil, fmt.Errorf("fetching merge request %s!%d: %w", repo, number, err)
	}
	return &scm.Metadata{
		Title:       mr.Title,
		Description: mr.Description,
		BaseBranch:  mr.TargetBranch,
		HeadSHA:     mr.SHA,
	}, nil
}

// PublishReview posts inline discussions addressed by new-file line number
// plus a summary note. Findings whose line is not part of the diff roll
// into the summary; tagged duplicates are skipped.
func (p *Provider) PublishReview(ctx context.Context, repo string, number int, requestID string, result *models.ReviewResult) (*scm.PublishReport, error) {
	diffText, err := p.FetchChangeRequestDiff(ctx, repo, number, 0)
	if err != nil {
		return nil, err
	}
	doc, err := diff.Parse(diffText)
	if err != nil {
		return nil, fmt.Errorf("parsing change diff: %w", err)
	}

	version, err := p.latestVersion(ctx, repo, number)
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
		if doc.Position(finding.File, finding.StartLine) == diff.PositionNotFound {
			unlocated = append(unlocated, *finding)
			report.Unlocated++
			continue
		}

		tag := scm.IdempotencyTag(requestID, finding.File, finding.StartLine, finding.Title)
		if existing[tag] {
			report.InlineSkipped++
			continue
		}

		body := scm.CommentBody(finding, tag, p.includeSuggestedFix)
		if err := p.createDiscussion(ctx, repo, number, body, finding.File, finding.StartLine, version); err != nil {
			report.InlineFailed++
			p.log.Warn().Err(err).Str("file", finding.File).Int("line", finding.StartLine).
				Msg("inline discussion failed; continuing")
			continue
		}
		report.InlinePosted++
	}

	for i := range result.Notes {
		note := &result.Notes[i]
		if doc.Position(note.File, note.Line) == diff.PositionNotFound {
			continue
		}
		tag := scm.IdempotencyTag(requestID, note.File, note.Line, note.Text)
		if existing[tag] {
			report.InlineSkipped++
			continue
		}
		if err := p.createDiscussion(ctx, repo, number, scm.NoteBody(note, tag), note.File, note.Line, version); err != nil {
			report.InlineFailed++
			p.log.Warn().Err(err).Str("file", note.File).Msg("note discussion failed; continuing")
			continue
		}
		report.InlinePosted++
	}

	summaryTag := scm.IdempotencyTag(requestID, "", 0, "summary")
	if !existing[summaryTag] {
		path := fmt.Sprintf("/projects/%s/merge_requests/%d/notes", url.PathEscape(repo), number)
		payload := map[string]interface{}{"body": scm.SummaryBody(requestID, result, unlocated)}
		if err := p.post(ctx, path, payload); err != nil {
			return report, fmt.Errorf("posting summary note: %w", err)
		}
	}

	return report, nil
}

// CloneURL embeds the token using the oauth2 username convention.
func (p *Provider) CloneURL(repo string) string {
	if p.token == "" {
		return fmt.Sprintf("https://%s/%s.git", p.host, repo)
	}
	return fmt.Sprintf("https://oauth2:%s@%s/%s.git", p.token, p.host, repo)
}

func (p *Provider) fetchChanges(ctx context.Context, repo string, number int) (*mergeRequestChanges, error) {
	var changes mergeRequestChanges
	path := fmt.Sprintf("/projects/%s/merge_requests/%d/changes", url.PathEscape(repo), number)
	if err := p.getJSON(ctx, path, &changes); err != nil {
		return nil, fmt.Errorf("fetching changes for %s!%d: %w", repo, number, err)
	}
	return &changes, nil
}

// latestVersion returns the newest diff version; its SHAs anchor inline
// discussion positions.
func (p *Provider) latestVersion(ctx context.Context, repo string, number int) (*mrVersion, error) {
	var versions []mrVersion
	path := fmt.Sprintf("/projects/%s/merge_requests/%d/versions", url.PathEscape(repo), number)
	if err := p.getJSON(ctx, path, &versions); err != nil {
		return nil, fmt.Errorf("fetching diff versions for %s!%d: %w", repo, number, err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("merge request %s!%d has no diff versions", repo, number)
	}
	return &versions[0], nil
}

func (p *Provider) createDiscussion(ctx context.Context, repo string, number int, body, file string, line int, version *mrVersion) error {
	path := fmt.Sprintf("/projects/%s/merge_requests/%d/discussions", url.PathEscape(repo), number)
	payload := map[string]interface{}{
		"body": body,
		"position": map[string]interface{}{
			"position_type": "text",
			"base_sha":      version.BaseCommitSHA,
			"head_sha":      version.HeadCommitSHA,
			"start_sha":     version.StartCommitSHA,
			"new_path":      strings.TrimPrefix(file, "/"),
			"old_path":      strings.TrimPrefix(file, "/"),
			"new_line":      line,
		},
	}
	return p.post(ctx, path, payload)
}

// existingTags scans merge-request notes, which include discussion bodies,
// for idempotency tags. Listing walks every page; a short page ends the walk.
func (p *Provider) existingTags(ctx context.Context, repo string, number int) (map[string]bool, error) {
	const perPage = 100
	var bodies []string

	for page := 1; ; page++ {
		var notes []struct {
			Body string `json:"body"`
		}
		path := fmt.Sprintf("/projects/%s/merge_requests/%d/notes?per_page=%d&page=%d",
			url.PathEscape(repo), number, perPage, page)
		if err := p.getJSON(ctx, path, &notes); err != nil {
			return nil, fmt.Errorf("listing existing notes: %w", err)
		}
		for _, n := range notes {
			bodies = append(bodies, n.Body)
		}
		if len(notes) < perPage {
			break
		}
	}
	return scm.ExtractTags(bodies), nil
}

func (p *Provider) getJSON(ctx context.Context, path string, out interface{}) error {
	return retry.Do(ctx, p.retryCfg, p.log, func() error {
		resp, err := p.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(out)
	})
}

func (p *Provider) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := p.do(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return nil
}

// do performs one rate-limited request. 401/403 become ErrAuthorization,
// 5xx become retryable errors carrying the status code.
func (p *Provider) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, p.apiURL+path, body)
	if err != nil {
		return nil, err
	}
	if p.token != "" {
		req.Header.Set("PRIVATE-TOKEN", p.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
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
