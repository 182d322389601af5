package loader

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// loadPDF extracts text row by row so that each visual line becomes one
// "\n"-separated line. Blank pages are skipped but keep their numbering.
func loadPDF(data []byte) (pages []Page, err error) {
	// The pdf package panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := pageText(p)
		if err != nil {
			return nil, fmt.Errorf("reading page %d: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}

// pageText prefers positioned rows. Content streams that move with Td or T*
// instead of Tm report every run at the same Y, so the rows collapse into
// one; the plain text then carries the line breaks.
func pageText(p pdf.Page) (string, error) {
	rows, err := p.GetTextByRow()
	if err == nil && !collapsed(rows) {
		return joinRows(rows), nil
	}

	plain, perr := p.GetPlainText(nil)
	if perr != nil {
		if err != nil {
			return "", perr
		}
		return joinRows(rows), nil
	}
	plain = strings.Trim(normalizeNewlines(plain), "\n")
	if err == nil && !strings.Contains(plain, "\n") {
		return joinRows(rows), nil
	}
	return plain, nil
}

// collapsed reports whether all text landed in a single row made of
// several separately shown runs.
func collapsed(rows pdf.Rows) bool {
	var nonEmpty []*pdf.Row
	for _, row := range rows {
		for _, t := range row.Content {
			if t.S != "" {
				nonEmpty = append(nonEmpty, row)
				break
			}
		}
	}
	if len(nonEmpty) != 1 {
		return false
	}
	runs := 0
	for _, t := range nonEmpty[0].Content {
		if t.S != "" {
			runs++
		}
	}
	return runs > 1
}

// joinRows writes one line per row. Runs placed at different X positions
// are separated by a space; fragments sharing a position are concatenated.
func joinRows(rows pdf.Rows) string {
	var b strings.Builder
	first := true
	for _, row := range rows {
		var line strings.Builder
		var prevX float64
		for _, t := range row.Content {
			if t.S == "" {
				continue
			}
			if line.Len() > 0 && t.X != prevX && !endsWithSpace(line.String()) && !startsWithSpace(t.S) {
				line.WriteByte(' ')
			}
			line.WriteString(t.S)
			prevX = t.X
		}
		if line.Len() == 0 {
			continue
		}
		if !first {
			b.WriteByte('\n')
		}
		b.WriteString(line.String())
		first = false
	}
	return b.String()
}

func startsWithSpace(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r)
}

func endsWithSpace(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return unicode.IsSpace(r)
}
