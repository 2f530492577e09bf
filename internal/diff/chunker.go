package diff

// Chunks splits the document into sub-documents whose total hunk line count
// (headers included) stays within maxLines, packing greedily in order.
// Hunks are never split: the LLM must always see a hunk intact, so a single
// hunk larger than the cap is emitted as its own chunk. Files are split at
// hunk boundaries only when the whole file does not fit.
func (d *Document) Chunks(maxLines int) []*Document {
	if maxLines < 1 || d.TotalLines() <= maxLines {
		if len(d.Files) == 0 {
			return nil
		}
		return []*Document{d}
	}

	var (
		chunks  []*Document
		current *Document
		used    int
	)

	flush := func() {
		if current != nil && len(current.Files) > 0 {
			chunks = append(chunks, current)
		}
		current = nil
		used = 0
	}
	ensure := func() *Document {
		if current == nil {
			current = &Document{}
		}
		return current
	}
	appendHunks := func(f *FileModification, hunks []Hunk) {
		c := ensure()
		n := len(c.Files)
		if n == 0 || c.Files[n-1].Path() != f.Path() {
			c.Files = append(c.Files, FileModification{
				OldPath: f.OldPath,
				NewPath: f.NewPath,
				rawOld:  f.rawOld,
				rawNew:  f.rawNew,
			})
			n++
		}
		c.Files[n-1].Hunks = append(c.Files[n-1].Hunks, hunks...)
		for i := range hunks {
			used += hunks[i].LineSpan()
		}
	}

	for i := range d.Files {
		f := &d.Files[i]

		// Whole file fits in the current chunk, or in a fresh one.
		if span := f.LineSpan(); used+span <= maxLines {
			appendHunks(f, f.Hunks)
			continue
		} else if span <= maxLines {
			flush()
			appendHunks(f, f.Hunks)
			continue
		}

		// Pack hunk by hunk, flushing when full.
		for j := range f.Hunks {
			h := f.Hunks[j]
			span := h.LineSpan()

			if span > maxLines {
				// Oversized hunk travels alone.
				flush()
				appendHunks(f, []Hunk{h})
				flush()
				continue
			}
			if used+span > maxLines {
				flush()
			}
			appendHunks(f, []Hunk{h})
		}
	}
	flush()

	return chunks
}
