// Package loader turns raw upload bytes into page-indexed text.
package loader

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/notebook/internal/apperr"
)

// Page is the text of one page. Number is 1-based. Lines within Text are
// separated by "\n" and line numbers are derived from them.
type Page struct {
	Number int
	Text   string
}

// Document is a loaded file.
type Document struct {
	Name   string
	Format Format
	Pages  []Page
}

// Format identifies a supported input format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
	FormatText Format = "text"
)

var pdfMagic = []byte("%PDF-")

// Detect picks a format from the file contents, falling back to the
// extension. Unrecognised binary content is rejected.
func Detect(name string, data []byte) (Format, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%s is empty: %w", name, apperr.ErrIngestion)
	}
	if bytes.HasPrefix(data, pdfMagic) {
		return FormatPDF, nil
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "", fmt.Errorf("%s: missing PDF header: %w", name, apperr.ErrIngestion)
	case ".html", ".htm":
		return FormatHTML, nil
	}
	if utf8.Valid(data) {
		return FormatText, nil
	}
	return "", fmt.Errorf("%s: unsupported format: %w", name, apperr.ErrIngestion)
}

// Load detects the format and extracts pages. Errors wrap apperr.ErrIngestion.
func Load(name string, data []byte) (Document, error) {
	format, err := Detect(name, data)
	if err != nil {
		return Document{}, err
	}

	var pages []Page
	switch format {
	case FormatPDF:
		pages, err = loadPDF(data)
	case FormatHTML:
		pages, err = loadHTML(data)
	default:
		pages = []Page{{Number: 1, Text: normalizeNewlines(string(data))}}
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading %s: %w: %w", name, apperr.ErrIngestion, err)
	}
	if len(pages) == 0 {
		return Document{}, fmt.Errorf("loading %s: no text extracted: %w", name, apperr.ErrIngestion)
	}
	return Document{Name: name, Format: format, Pages: pages}, nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
