// Package chunker splits loaded documents into overlapping chunks that keep
// their page and line provenance.
package chunker

import (
	"strings"
	"unicode"

	"github.com/kalambet/notebook/internal/loader"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Metadata locates a chunk inside its source document.
type Metadata struct {
	SourceID string `json:"sourceId"`
	Page     int    `json:"page"`
	LineFrom int    `json:"lineFrom"`
	LineTo   int    `json:"lineTo"`
}

// Chunk is a bounded span of document text.
type Chunk struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// Options controls chunk sizing. Sizes are counted in runes.
type Options struct {
	Size    int
	Overlap int
}

func (o Options) normalized() Options {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.Size {
		o.Overlap = o.Size / 5
	}
	return o
}

// separators are tried coarsest first; "" splits between runes.
var separators = []string{"\n\n", "\n", " ", ""}

// Split chunks every page of doc in reading order. Chunks never span pages.
// The result is deterministic for a given document and options.
func Split(sourceID string, doc loader.Document, opts Options) []Chunk {
	opts = opts.normalized()

	var out []Chunk
	for _, page := range doc.Pages {
		out = append(out, splitPage(sourceID, page, opts)...)
	}
	return out
}

type span struct{ start, end int }

func (s span) len() int { return s.end - s.start }

func splitPage(sourceID string, page loader.Page, opts Options) []Chunk {
	text := []rune(page.Text)
	if len(text) == 0 {
		return nil
	}

	// newlines[i] is the number of '\n' in text[:i].
	newlines := make([]int, len(text)+1)
	for i, r := range text {
		newlines[i+1] = newlines[i]
		if r == '\n' {
			newlines[i+1]++
		}
	}

	atoms := atomize(text, span{0, len(text)}, separators, opts.Size)

	var out []Chunk
	for _, w := range merge(atoms, opts) {
		s := trimSpan(text, w)
		if s.len() == 0 {
			continue
		}
		from := 1 + newlines[s.start]
		out = append(out, Chunk{
			Text: string(text[s.start:s.end]),
			Metadata: Metadata{
				SourceID: sourceID,
				Page:     page.Number,
				LineFrom: from,
				LineTo:   from + newlines[s.end] - newlines[s.start],
			},
		})
	}
	return out
}

// atomize breaks s into contiguous spans no longer than size, using the
// coarsest separator that occurs in s and recursing into oversized pieces.
func atomize(text []rune, s span, seps []string, size int) []span {
	if s.len() <= size {
		return []span{s}
	}

	sep, rest := pickSeparator(text[s.start:s.end], seps)
	var out []span
	for _, p := range cut(text, s, sep) {
		if p.len() > size && len(rest) > 0 {
			out = append(out, atomize(text, p, rest, size)...)
			continue
		}
		out = append(out, p)
	}
	return out
}

func pickSeparator(text []rune, seps []string) (string, []string) {
	for i, sep := range seps {
		if sep == "" || indexRunes(text, []rune(sep), 0) >= 0 {
			return sep, seps[i+1:]
		}
	}
	return "", nil
}

// cut splits s after every occurrence of sep, so the pieces cover s exactly
// and each separator stays attached to the piece before it.
func cut(text []rune, s span, sep string) []span {
	if sep == "" {
		out := make([]span, 0, s.len())
		for i := s.start; i < s.end; i++ {
			out = append(out, span{i, i + 1})
		}
		return out
	}

	sr := []rune(sep)
	var out []span
	start := s.start
	for {
		idx := indexRunes(text[:s.end], sr, start)
		if idx < 0 {
			break
		}
		out = append(out, span{start, idx + len(sr)})
		start = idx + len(sr)
	}
	if start < s.end {
		out = append(out, span{start, s.end})
	}
	return out
}

func indexRunes(text, sep []rune, from int) int {
	for i := from; i+len(sep) <= len(text); i++ {
		match := true
		for j := range sep {
			if text[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// merge packs atoms into windows of at most opts.Size runes. Each window
// after the first starts with trailing atoms of the previous one totalling
// no more than opts.Overlap runes.
func merge(atoms []span, opts Options) []span {
	var out []span
	i := 0
	for i < len(atoms) {
		j, total := i, 0
		for j < len(atoms) && (j == i || total+atoms[j].len() <= opts.Size) {
			total += atoms[j].len()
			j++
		}
		out = append(out, span{atoms[i].start, atoms[j-1].end})
		if j == len(atoms) {
			break
		}

		next, carried := j, 0
		for next > i+1 && carried+atoms[next-1].len() <= opts.Overlap {
			carried += atoms[next-1].len()
			next--
		}
		// Drop carried atoms until the next atom fits alongside them.
		for next < j && carried+atoms[j].len() > opts.Size {
			carried -= atoms[next].len()
			next++
		}
		i = next
	}
	return out
}

func trimSpan(text []rune, s span) span {
	for s.start < s.end && unicode.IsSpace(text[s.start]) {
		s.start++
	}
	for s.end > s.start && unicode.IsSpace(text[s.end-1]) {
		s.end--
	}
	return s
}

// Join concatenates chunk texts with blank lines, mainly for previews.
func Join(chunks []Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, "\n\n")
}
