// Package aggregate fuses findings from multiple sources into one deduped,
// filtered, prioritized result. Dedup is similarity-based so near-identical
// titles from different chunks or sources collapse to the strongest member.
package aggregate

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/codescout/pkg/models"
)

// Options tunes deduplication and filtering.
type Options struct {
	DeduplicationEnabled bool
	SimilarityThreshold  float64
	LineTolerance        int
	MinConfidence        float64
	MaxIssuesPerFile     int
}

// DefaultOptions matches the documented defaults.
func DefaultOptions() Options {
	return Options{
		DeduplicationEnabled: true,
		SimilarityThreshold:  0.85,
		LineTolerance:        5,
		MinConfidence:        0.7,
		MaxIssuesPerFile:     10,
	}
}

// Aggregated is the fused output of all finding sources for one review.
type Aggregated struct {
	Issues  []models.Finding
	Notes   []models.Note
	Summary string

	DuplicatesMerged      int
	RejectedLowConfidence int
	RejectedOverCap       int
}

// Rejected is the total number of findings dropped by filtering, reported
// in the published summary.
func (a *Aggregated) Rejected() int {
	return a.RejectedLowConfidence + a.RejectedOverCap
}

// Aggregate merges the given finding lists, deduplicates, and filters.
// Lists arrive in source order; within a duplicate group the strongest
// member survives regardless of arrival order.
func Aggregate(opts Options, summary string, notes []models.Note, lists ...[]models.Finding) *Aggregated {
	var merged []models.Finding
	for _, list := range lists {
		merged = append(merged, list...)
	}

	agg := &Aggregated{Notes: notes, Summary: summary}

	if opts.DeduplicationEnabled {
		merged, agg.DuplicatesMerged = deduplicate(merged, opts)
	}

	kept := merged[:0]
	for _, f := range merged {
		if f.ConfidenceScore < opts.MinConfidence {
			agg.RejectedLowConfidence++
			continue
		}
		kept = append(kept, f)
	}

	agg.Issues, agg.RejectedOverCap = capPerFile(kept, opts.MaxIssuesPerFile)
	return agg
}

// deduplicate collapses duplicate groups, keeping the member with the
// highest confidence; ties break by severity weight, then source
// precedence. Merging can shift a survivor's anchor line into another
// survivor's tolerance window, so passes repeat until none merges.
func deduplicate(findings []models.Finding, opts Options) ([]models.Finding, int) {
	survivors, total := findings, 0
	for {
		next, merged := dedupePass(survivors, opts)
		survivors = next
		total += merged
		if merged == 0 {
			return survivors, total
		}
	}
}

func dedupePass(findings []models.Finding, opts Options) ([]models.Finding, int) {
	var survivors []models.Finding
	merged := 0

	for _, candidate := range findings {
		dupAt := -1
		for i := range survivors {
			if isDuplicate(&survivors[i], &candidate, opts) {
				dupAt = i
				break
			}
		}
		if dupAt < 0 {
			survivors = append(survivors, candidate)
			continue
		}
		merged++
		if stronger(&candidate, &survivors[dupAt]) {
			survivors[dupAt] = candidate
		}
	}
	return survivors, merged
}

func isDuplicate(a, b *models.Finding, opts Options) bool {
	if a.File != b.File || a.Severity != b.Severity {
		return false
	}
	if delta := a.StartLine - b.StartLine; delta > opts.LineTolerance || delta < -opts.LineTolerance {
		return false
	}
	return titleSimilarity(a.Title, b.Title) >= opts.SimilarityThreshold
}

func stronger(a, b *models.Finding) bool {
	if a.ConfidenceScore != b.ConfidenceScore {
		return a.ConfidenceScore > b.ConfidenceScore
	}
	if aw, bw := a.Severity.Weight(), b.Severity.Weight(); aw != bw {
		return aw > bw
	}
	return a.Source.Precedence() > b.Source.Precedence()
}

// titleSimilarity compares normalized titles on a [0,1] scale derived from
// edit distance.
func titleSimilarity(a, b string) float64 {
	na, nb := normalizeTitle(a), normalizeTitle(b)
	if na == nb {
		return 1
	}
	longest := len(na)
	if len(nb) > longest {
		longest = len(nb)
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(dist)/float64(longest)
}

// normalizeTitle lowercases and collapses punctuation runs to single
// spaces so "null-check" and "null check" compare equal.
func normalizeTitle(title string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// capPerFile keeps at most max findings per file after sorting each file's
// findings by severity weight, then confidence, descending. Returns the
// surviving findings in the capped order plus the rejected count.
func capPerFile(findings []models.Finding, max int) ([]models.Finding, int) {
	if max <= 0 {
		return findings, 0
	}

	byFile := make(map[string][]models.Finding)
	var order []string
	for _, f := range findings {
		if _, seen := byFile[f.File]; !seen {
			order = append(order, f.File)
		}
		byFile[f.File] = append(byFile[f.File], f)
	}

	var kept []models.Finding
	rejected := 0
	for _, file := range order {
		group := byFile[file]
		sort.SliceStable(group, func(i, j int) bool {
			if iw, jw := group[i].Severity.Weight(), group[j].Severity.Weight(); iw != jw {
				return iw > jw
			}
			return group[i].ConfidenceScore > group[j].ConfidenceScore
		})
		if len(group) > max {
			rejected += len(group) - max
			group = group[:max]
		}
		kept = append(kept, group...)
	}
	return kept, rejected
}
