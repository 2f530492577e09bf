// Package diff parses unified diffs into a file/hunk/line tree, maps
// (path, new line) targets to provider comment positions, and splits large
// documents into LLM-sized chunks without ever breaking a hunk.
package diff

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedDiff is returned when a file or hunk header cannot be parsed.
var ErrMalformedDiff = errors.New("malformed diff")

// Line markers as they appear in hunk content.
const (
	MarkerAdd     byte = '+'
	MarkerRemove  byte = '-'
	MarkerContext byte = ' '
	MarkerMeta    byte = '\\' // "\ No newline at end of file"
)

// Line is a single hunk content line: its marker and the text after it.
type Line struct {
	Marker byte
	Text   string
}

// Hunk is one @@-delimited block of a file modification.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line

	// rawHeader preserves the exact @@ line (including any trailing section
	// heading) so serialization round-trips byte-for-byte.
	rawHeader string
}

// Header returns the hunk header line. The original text is preserved when
// the hunk came from a parse; otherwise a canonical header is built.
func (h *Hunk) Header() string {
	if h.rawHeader != "" {
		return h.rawHeader
	}
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
}

// LineSpan is the number of unified-diff lines the hunk occupies, header
// included. The position mapper skips non-target files by this amount.
func (h *Hunk) LineSpan() int {
	return 1 + len(h.Lines)
}

// Validate checks the hunk count invariants: added+context lines must equal
// NewCount and removed+context lines must equal OldCount.
func (h *Hunk) Validate() error {
	var oldLines, newLines int
	for _, l := range h.Lines {
		switch l.Marker {
		case MarkerAdd:
			newLines++
		case MarkerRemove:
			oldLines++
		case MarkerContext:
			oldLines++
			newLines++
		}
	}
	if newLines != h.NewCount {
		return fmt.Errorf("%w: hunk @@ -%d,%d +%d,%d @@ has %d new-side lines, header says %d",
			ErrMalformedDiff, h.OldStart, h.OldCount, h.NewStart, h.NewCount, newLines, h.NewCount)
	}
	if oldLines != h.OldCount {
		return fmt.Errorf("%w: hunk @@ -%d,%d +%d,%d @@ has %d old-side lines, header says %d",
			ErrMalformedDiff, h.OldStart, h.OldCount, h.NewStart, h.NewCount, oldLines, h.OldCount)
	}
	return nil
}

// FileModification is one file's worth of hunks. At least one of OldPath or
// NewPath is always set.
type FileModification struct {
	OldPath string
	NewPath string
	Hunks   []Hunk

	// rawOld / rawNew keep the header text exactly as parsed ("a/x" vs "x")
	// for byte-exact serialization.
	rawOld string
	rawNew string
}

// Path returns the path reviewers should anchor comments to: the new path
// when present, otherwise the old one (deleted files).
func (f *FileModification) Path() string {
	if f.NewPath != "" {
		return f.NewPath
	}
	return f.OldPath
}

// LineSpan is the total number of diff lines the file occupies, excluding
// the two path header lines.
func (f *FileModification) LineSpan() int {
	total := 0
	for i := range f.Hunks {
		total += f.Hunks[i].LineSpan()
	}
	return total
}

// Document is an ordered sequence of file modifications.
type Document struct {
	Files []FileModification

	// trailingNewline records whether the parsed input ended with a newline,
	// so Serialize can reproduce it exactly.
	trailingNewline bool
}

// TotalLines counts all hunk lines across the document, headers included.
// The chunker packs against this measure.
func (d *Document) TotalLines() int {
	total := 0
	for i := range d.Files {
		total += d.Files[i].LineSpan()
	}
	return total
}

// Serialize renders the document back to unified-diff text. For documents
// produced by Parse from LF input the output is byte-identical.
func (d *Document) Serialize() string {
	var b strings.Builder
	for i := range d.Files {
		f := &d.Files[i]
		b.WriteString("--- ")
		b.WriteString(f.oldHeader())
		b.WriteByte('\n')
		b.WriteString("+++ ")
		b.WriteString(f.newHeader())
		b.WriteByte('\n')
		for j := range f.Hunks {
			h := &f.Hunks[j]
			b.WriteString(h.Header())
			b.WriteByte('\n')
			for _, l := range h.Lines {
				b.WriteByte(l.Marker)
				b.WriteString(l.Text)
				b.WriteByte('\n')
			}
		}
	}
	out := b.String()
	if !d.trailingNewline {
		out = strings.TrimSuffix(out, "\n")
	}
	return out
}

func (f *FileModification) oldHeader() string {
	if f.rawOld != "" {
		return f.rawOld
	}
	if f.OldPath == "" {
		return "/dev/null"
	}
	return "a/" + f.OldPath
}

func (f *FileModification) newHeader() string {
	if f.rawNew != "" {
		return f.rawNew
	}
	if f.NewPath == "" {
		return "/dev/null"
	}
	return "b/" + f.NewPath
}
