package diff

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// hunkHeaderRe matches "@@ -s[,c] +s[,c] @@" with optional trailing section
// heading. Counts default to 1 when omitted.
var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Parse parses unified-diff text into a Document.
//
// "--- " and "+++ " lines open a file (optional "a/" and "b/" prefixes are
// stripped, "/dev/null" maps to an empty path); "@@" lines open a hunk;
// lines starting with '+', '-', ' ' or '\' are hunk content. Anything else
// (git metadata such as "diff --git", "index", "new file mode") is
// tolerated and skipped. A malformed file or hunk header fails with
// ErrMalformedDiff.
func Parse(text string) (*Document, error) {
	doc := &Document{trailingNewline: strings.HasSuffix(text, "\n")}
	if strings.TrimSpace(text) == "" {
		return doc, nil
	}

	lines := strings.Split(text, "\n")
	if doc.trailingNewline {
		lines = lines[:len(lines)-1]
	}

	var (
		current *FileModification
		hunk    *Hunk
	)

	closeHunk := func() error {
		if hunk == nil {
			return nil
		}
		if err := hunk.Validate(); err != nil {
			return err
		}
		current.Hunks = append(current.Hunks, *hunk)
		hunk = nil
		return nil
	}
	closeFile := func() error {
		if err := closeHunk(); err != nil {
			return err
		}
		if current != nil {
			doc.Files = append(doc.Files, *current)
			current = nil
		}
		return nil
	}

	for i, line := range lines {
		// While a hunk still expects content, marker lines belong to it.
		// This also disambiguates a removed line whose text begins with
		// "-- " from a new "--- " file header.
		if hunk != nil && !hunkSatisfied(hunk) {
			if len(line) > 0 && isMarker(line[0]) {
				hunk.Lines = append(hunk.Lines, Line{Marker: line[0], Text: line[1:]})
				continue
			}
			if line == "" {
				// Some producers strip the leading space from blank context
				// lines; accept them while the hunk is still open.
				hunk.Lines = append(hunk.Lines, Line{Marker: MarkerContext, Text: ""})
				continue
			}
		}
		// A '\' meta line (e.g. "\ No newline at end of file") may trail a
		// hunk whose counts are already satisfied.
		if hunk != nil && len(line) > 0 && line[0] == MarkerMeta {
			hunk.Lines = append(hunk.Lines, Line{Marker: MarkerMeta, Text: line[1:]})
			continue
		}

		switch {
		case strings.HasPrefix(line, "--- "):
			if err := closeFile(); err != nil {
				return nil, err
			}
			raw := line[len("--- "):]
			current = &FileModification{rawOld: raw, OldPath: stripPathPrefix(raw, "a/")}

		case strings.HasPrefix(line, "+++ "):
			if current == nil {
				return nil, fmt.Errorf("%w: line %d: +++ without preceding ---", ErrMalformedDiff, i+1)
			}
			raw := line[len("+++ "):]
			current.rawNew = raw
			current.NewPath = stripPathPrefix(raw, "b/")
			if current.OldPath == "" && current.NewPath == "" {
				return nil, fmt.Errorf("%w: line %d: file with neither old nor new path", ErrMalformedDiff, i+1)
			}

		case strings.HasPrefix(line, "@@"):
			if current == nil || current.rawNew == "" {
				return nil, fmt.Errorf("%w: line %d: hunk header outside a file", ErrMalformedDiff, i+1)
			}
			if err := closeHunk(); err != nil {
				return nil, err
			}
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedDiff, i+1, err)
			}
			hunk = h

		default:
			// Unknown metadata between files or hunks is tolerated, but it
			// terminates any open hunk.
			if err := closeHunk(); err != nil {
				return nil, err
			}
		}
	}

	if err := closeFile(); err != nil {
		return nil, err
	}
	return doc, nil
}

// hunkSatisfied reports whether the hunk has consumed every line its header
// declared on both sides.
func hunkSatisfied(h *Hunk) bool {
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
	return oldLines >= h.OldCount && newLines >= h.NewCount
}

func isMarker(b byte) bool {
	return b == MarkerAdd || b == MarkerRemove || b == MarkerContext || b == MarkerMeta
}

func parseHunkHeader(line string) (*Hunk, error) {
	m := hunkHeaderRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("invalid hunk header %q", line)
	}

	atoi := func(s string, def int) int {
		if s == "" {
			return def
		}
		n, _ := strconv.Atoi(s)
		return n
	}

	return &Hunk{
		OldStart:  atoi(m[1], 0),
		OldCount:  atoi(m[2], 1),
		NewStart:  atoi(m[3], 0),
		NewCount:  atoi(m[4], 1),
		rawHeader: line,
	}, nil
}

// stripPathPrefix removes the conventional "a/"/"b/" prefix and maps
// /dev/null to an empty path. Timestamps after a tab are dropped.
func stripPathPrefix(raw, prefix string) string {
	if idx := strings.IndexByte(raw, '\t'); idx >= 0 {
		raw = raw[:idx]
	}
	if raw == "/dev/null" {
		return ""
	}
	return strings.TrimPrefix(raw, prefix)
}
