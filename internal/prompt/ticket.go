package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// TicketFetcher resolves a ticket identifier to its body text. An empty
// body means the ticket exists but carries nothing worth prompting with.
type TicketFetcher interface {
	FetchTicket(ctx context.Context, id string) (string, error)
}

// ExtractTicketID applies the configured pattern to the change-request
// title first, then the description. Returns "" when nothing matches.
func ExtractTicketID(pattern *regexp.Regexp, title, description string) string {
	if pattern == nil {
		return ""
	}
	if m := pattern.FindString(title); m != "" {
		return m
	}
	return pattern.FindString(description)
}

// ResolveTicket extracts a ticket ID and fetches its body under a short
// timeout. A missing ID, a fetch failure, or an empty body all suppress the
// ticket block: ticket context is a best-effort enrichment, never a reason
// to fail a review.
func ResolveTicket(ctx context.Context, fetcher TicketFetcher, pattern *regexp.Regexp, title, description string, timeout time.Duration) *Ticket {
	if fetcher == nil {
		return nil
	}
	id := ExtractTicketID(pattern, title, description)
	if id == "" {
		return nil
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := fetcher.FetchTicket(fetchCtx, id)
	if err != nil || strings.TrimSpace(body) == "" {
		return nil
	}
	return &Ticket{ID: id, Body: body}
}

// HTTPTicketFetcher reads ticket bodies from a JSON ticket system:
// GET <baseURL>/tickets/<id> returning {"body": "..."}.
type HTTPTicketFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// FetchTicket implements TicketFetcher.
func (f *HTTPTicketFetcher) FetchTicket(ctx context.Context, id string) (string, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	endpoint := strings.TrimSuffix(f.BaseURL, "/") + "/tickets/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ticket system returned %d for %s", resp.StatusCode, id)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var payload struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", err
	}
	return payload.Body, nil
}
