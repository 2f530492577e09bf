// Package prompt builds the system and user segments sent to the review
// model: a persona/output-contract directive, and a user message carrying
// repository metadata, the line-numbered diff, optional related-file
// context, and optional ticket context.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/codescout/internal/diff"
)

// systemDirective establishes the reviewer persona and the output contract.
// The response must be a bare JSON document; the validator rejects prose.
const systemDirective = `You are a senior software engineer performing a focused code review of a change request.

Review the supplied diff for correctness, security, concurrency, and maintainability problems. Anchor every issue to a line that exists on the new side of the diff (an added or context line), using the line numbers printed in the diff.

Respond with a single JSON document and nothing else: no prose, no code fences. The document must have this shape:

{
  "summary": "<short overall assessment>",
  "issues": [
    {
      "file": "<path>",
      "start_line": <line number on the new side>,
      "severity": "critical" | "major" | "minor" | "info",
      "title": "<one-line description>",
      "suggestion": "<how to fix it>",
      "confidence_score": <number between 0 and 1>,
      "confidence_explanation": "<why you are confident>"
    }
  ],
  "non_blocking_notes": [
    {"file": "<path>", "line": <line number>, "note": "<advisory remark>"}
  ]
}

Only report issues you can justify from the diff. Prefer fewer, higher-confidence findings over speculation.`

// ContextFile describes a related repository file included for context.
type ContextFile struct {
	Path       string
	Confidence float64
	Reason     string
	Evidence   string
}

// Ticket is resolved business context for the change.
type Ticket struct {
	ID   string
	Body string
}

// Input is everything the user segment can carry. Only the document is
// mandatory.
type Input struct {
	Doc          *diff.Document
	Title        string
	Description  string
	ContextFiles []ContextFile
	Ticket       *Ticket
}

// Composer renders prompts. Redaction patterns are applied to every piece
// of repository-derived text before it reaches the model.
type Composer struct {
	language string
	focus    string
	redact   []*regexp.Regexp
}

// NewComposer compiles the redaction pattern list. Invalid patterns are
// rejected up front so a config typo cannot silently disable redaction.
func NewComposer(language, focus string, redactPatterns []string) (*Composer, error) {
	patterns := redactPatterns
	if len(patterns) == 0 {
		patterns = defaultRedactPatterns
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redact pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	return &Composer{language: language, focus: focus, redact: compiled}, nil
}

// defaultRedactPatterns cover the common credential shapes that end up in
// diffs: cloud keys, bearer tokens, and key=value secrets.
var defaultRedactPatterns = []string{
	`(?i)(api[_-]?key|secret|token|password|passwd)\s*[:=]\s*['"][^'"]{8,}['"]`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)bearer\s+[a-z0-9._\-]{20,}`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
}

// SystemPrompt returns the reviewer persona and output contract.
func (c *Composer) SystemPrompt() string {
	return systemDirective
}

// UserPrompt renders the user segment for one diff chunk.
func (c *Composer) UserPrompt(in Input) string {
	var b strings.Builder

	b.WriteString("## Repository\n")
	if c.language != "" {
		fmt.Fprintf(&b, "language: %s\n", c.language)
	}
	if c.focus != "" {
		fmt.Fprintf(&b, "focus: %s\n", c.focus)
	}
	if in.Title != "" {
		fmt.Fprintf(&b, "title: %s\n", c.Redact(in.Title))
	}
	if in.Description != "" {
		fmt.Fprintf(&b, "description: %s\n", c.Redact(in.Description))
	}

	b.WriteString("\n## Diff\n")
	b.WriteString(c.Redact(RenderDiff(in.Doc)))

	if len(in.ContextFiles) > 0 {
		b.WriteString("\n## Related files\n")
		for _, cf := range in.ContextFiles {
			fmt.Fprintf(&b, "- %s (confidence %.2f): %s\n", cf.Path, cf.Confidence, cf.Reason)
			if cf.Evidence != "" {
				fmt.Fprintf(&b, "  evidence: %s\n", c.Redact(cf.Evidence))
			}
		}
	}

	if in.Ticket != nil && strings.TrimSpace(in.Ticket.Body) != "" {
		fmt.Fprintf(&b, "\n## Ticket %s\n%s\n", in.Ticket.ID, c.Redact(in.Ticket.Body))
	}

	return b.String()
}

// Redact replaces every configured pattern match with a placeholder.
func (c *Composer) Redact(text string) string {
	for _, re := range c.redact {
		text = re.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}

// RenderDiff renders the document with explicit new-side line numbers in
// the form "<newLineNo> │ <marker> <text>". Removed lines carry no new-side
// number; the model is told to anchor findings only to numbered lines.
func RenderDiff(doc *diff.Document) string {
	var b strings.Builder

	for i := range doc.Files {
		f := &doc.Files[i]
		fmt.Fprintf(&b, "### %s\n", f.Path())

		for j := range f.Hunks {
			h := &f.Hunks[j]
			b.WriteString(h.Header())
			b.WriteByte('\n')

			newLine := h.NewStart - 1
			for _, l := range h.Lines {
				switch l.Marker {
				case diff.MarkerAdd, diff.MarkerContext:
					newLine++
					fmt.Fprintf(&b, "%5d │ %c %s\n", newLine, l.Marker, l.Text)
				case diff.MarkerRemove:
					fmt.Fprintf(&b, "      │ - %s\n", l.Text)
				}
			}
		}
		b.WriteByte('\n')
	}

	return b.String()
}
