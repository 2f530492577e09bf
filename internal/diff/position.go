package diff

import (
	"errors"
)

// PositionNotFound is the sentinel returned when a (path, line) target is
// not represented on the added/context side of the diff.
const PositionNotFound = -1

// ErrPositionNotFound is returned alongside the sentinel by callers that
// prefer error plumbing.
var ErrPositionNotFound = errors.New("target line not present in diff")

// Position maps a (path, new-side line) target to the 1-based line index
// within the unified-diff text scoped across files, counting one line per
// hunk header plus one per content line. This is the coordinate the
// position-addressed provider expects for inline comments.
//
// Files that do not match the target path contribute their full line span.
// Within the matching file the running position is returned as soon as the
// accumulated new-side line number reaches the target. PositionNotFound is
// returned when the target line is unreachable (removed side, outside any
// hunk, or unknown path).
func (d *Document) Position(path string, targetLine int) int {
	if targetLine < 1 {
		return PositionNotFound
	}

	position := 0
	for i := range d.Files {
		f := &d.Files[i]
		if f.Path() != path {
			position += f.LineSpan()
			continue
		}

		for j := range f.Hunks {
			h := &f.Hunks[j]
			position++ // hunk header

			newLine := h.NewStart - 1
			for _, l := range h.Lines {
				position++
				if l.Marker == MarkerAdd || l.Marker == MarkerContext {
					newLine++
					if newLine == targetLine {
						return position
					}
				}
			}
		}
		return PositionNotFound
	}
	return PositionNotFound
}
