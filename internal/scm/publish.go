package scm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/codescout/pkg/models"
)

// tagMarkerPrefix hides the idempotency tag inside comment bodies. The
// marker survives provider-side rendering because HTML comments are not
// displayed.
const tagMarkerPrefix = "<!-- codescout:"

var tagMarkerRe = regexp.MustCompile(`<!-- codescout:([0-9a-f]{16}) -->`)

// IdempotencyTag derives the stable per-comment tag from the request, the
// finding's anchor, and a hash of its title. Retried deliveries of the same
// request produce identical tags, which is what makes republish a no-op.
func IdempotencyTag(requestID, file string, startLine int, title string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", requestID, file, startLine, title)))
	return hex.EncodeToString(h[:8])
}

// TagMarker renders the hidden marker carrying a tag.
func TagMarker(tag string) string {
	return tagMarkerPrefix + tag + " -->"
}

// ExtractTags scans existing comment bodies for idempotency tags.
func ExtractTags(bodies []string) map[string]bool {
	tags := make(map[string]bool)
	for _, body := range bodies {
		for _, m := range tagMarkerRe.FindAllStringSubmatch(body, -1) {
			tags[m[1]] = true
		}
	}
	return tags
}

// CommentBody renders one inline comment: severity badge, title,
// suggestion, optional confidence note and suggested fix, plus the hidden
// idempotency marker.
func CommentBody(finding *models.Finding, tag string, includeSuggestedFix bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**[%s]** %s\n\n%s\n", strings.ToUpper(string(finding.Severity)), finding.Title, finding.Suggestion)

	if finding.ConfidenceScore > 0 && finding.ConfidenceScore < 1 {
		fmt.Fprintf(&b, "\n_Confidence: %.0f%% (%s)_\n", finding.ConfidenceScore*100, finding.ConfidenceExplanation)
	}
	if includeSuggestedFix && finding.SuggestedFix != "" {
		fmt.Fprintf(&b, "\n```suggestion\n%s\n```\n", finding.SuggestedFix)
	}

	b.WriteString("\n")
	b.WriteString(TagMarker(tag))
	return b.String()
}

// NoteBody renders a non-blocking note.
func NoteBody(note *models.Note, tag string) string {
	return fmt.Sprintf("**[NOTE]** %s\n\n%s", note.Text, TagMarker(tag))
}

// SummaryBody renders the top-level summary comment: the summary text, a
// priority breakdown, and any findings whose diff position could not be
// resolved.
func SummaryBody(requestID string, result *models.ReviewResult, unlocated []models.Finding) string {
	var b strings.Builder

	b.WriteString("## Code Review\n\n")
	b.WriteString(strings.TrimSpace(result.Summary))
	b.WriteString("\n")

	var critical, high, medium, low int
	for i := range result.Issues {
		switch w := result.Issues[i].Severity.Weight(); {
		case w >= 10:
			critical++
		case w >= 7:
			high++
		case w >= 4:
			medium++
		default:
			low++
		}
	}
	fmt.Fprintf(&b, "\n**Priority breakdown**: %d critical, %d high, %d medium, %d low (%d issues, %d notes)\n",
		critical, high, medium, low, len(result.Issues), len(result.Notes))

	if result.Provider != "" || result.Model != "" {
		fmt.Fprintf(&b, "\n_Reviewed by %s/%s_\n", result.Provider, result.Model)
	}

	if len(unlocated) > 0 {
		b.WriteString("\n### Unlocated findings\n")
		b.WriteString("These issues reference lines not present in the diff view:\n\n")
		for i := range unlocated {
			f := &unlocated[i]
			fmt.Fprintf(&b, "- `%s:%d` **[%s]** %s: %s\n", f.File, f.StartLine, f.Severity, f.Title, f.Suggestion)
		}
	}

	b.WriteString("\n")
	b.WriteString(TagMarker(IdempotencyTag(requestID, "", 0, "summary")))
	return b.String()
}
