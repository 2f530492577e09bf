package aggregate

import (
	"fmt"
	"strings"

	"github.com/codescout/pkg/models"
)

// Metrics summarizes a prioritization pass.
type Metrics struct {
	InputCount        int     `json:"input_count"`
	AverageConfidence float64 `json:"average_confidence"`
}

// Prioritized groups findings into severity buckets. Informational
// findings fall below the lowest bucket and count as filtered.
type Prioritized struct {
	CriticalIssues       []models.Finding `json:"critical_issues"`
	HighPriorityIssues   []models.Finding `json:"high_priority_issues"`
	MediumPriorityIssues []models.Finding `json:"medium_priority_issues"`
	LowPriorityIssues    []models.Finding `json:"low_priority_issues"`
	Metrics              Metrics          `json:"metrics"`
	TotalIncludedCount   int              `json:"total_included_count"`
	TotalFilteredCount   int              `json:"total_filtered_count"`
}

// Prioritize buckets findings by severity weight. Included plus filtered
// always equals the input count.
func Prioritize(findings []models.Finding) *Prioritized {
	p := &Prioritized{Metrics: Metrics{InputCount: len(findings)}}

	var confidenceSum float64
	for _, f := range findings {
		confidenceSum += f.ConfidenceScore
		switch w := f.Severity.Weight(); {
		case w >= 10:
			p.CriticalIssues = append(p.CriticalIssues, f)
		case w >= 7:
			p.HighPriorityIssues = append(p.HighPriorityIssues, f)
		case w >= 4:
			p.MediumPriorityIssues = append(p.MediumPriorityIssues, f)
		case w >= 1:
			p.LowPriorityIssues = append(p.LowPriorityIssues, f)
		default:
			p.TotalFilteredCount++
		}
	}

	p.TotalIncludedCount = len(findings) - p.TotalFilteredCount
	if len(findings) > 0 {
		p.Metrics.AverageConfidence = confidenceSum / float64(len(findings))
	}
	return p
}

// All returns the included findings in bucket-concatenated order, most
// severe first.
func (p *Prioritized) All() []models.Finding {
	all := make([]models.Finding, 0, p.TotalIncludedCount)
	all = append(all, p.CriticalIssues...)
	all = append(all, p.HighPriorityIssues...)
	all = append(all, p.MediumPriorityIssues...)
	all = append(all, p.LowPriorityIssues...)
	return all
}

// SummaryText rebuilds the published summary from the prioritization
// buckets, appending filtering statistics when anything was dropped.
func SummaryText(llmSummary string, p *Prioritized, rejected int) string {
	var b strings.Builder

	if s := strings.TrimSpace(llmSummary); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "%d issues surfaced: %d critical, %d high, %d medium, %d low.",
		p.TotalIncludedCount,
		len(p.CriticalIssues), len(p.HighPriorityIssues),
		len(p.MediumPriorityIssues), len(p.LowPriorityIssues))

	dropped := rejected + p.TotalFilteredCount
	if dropped > 0 {
		fmt.Fprintf(&b, " %d findings were filtered out by confidence, per-file caps, or severity.", dropped)
	}
	return b.String()
}
