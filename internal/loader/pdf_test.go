package loader_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kalambet/notebook/internal/chunker"
	"github.com/kalambet/notebook/internal/loader"
)

// lines.pdf has two pages: the first moves between lines with Td and T*,
// the second positions every line with Tm.
func TestLoad_PDFLines(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "lines.pdf"))
	if err != nil {
		t.Fatal(err)
	}

	doc, err := loader.Load("lines.pdf", data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Format != loader.FormatPDF {
		t.Errorf("Format = %q, want %q", doc.Format, loader.FormatPDF)
	}

	want := []loader.Page{
		{Number: 1, Text: "Hello first line\nSecond line here"},
		{Number: 2, Text: "Third line\nFourth line"},
	}
	if len(doc.Pages) != len(want) {
		t.Fatalf("got %d pages, want %d: %+v", len(doc.Pages), len(want), doc.Pages)
	}
	for i, p := range doc.Pages {
		if p != want[i] {
			t.Errorf("page %d = %+v, want %+v", i, p, want[i])
		}
	}
}

func TestLoad_PDFLineSpans(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "lines.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	doc, err := loader.Load("lines.pdf", data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	chunks := chunker.Split("src", doc, chunker.Options{Size: 25, Overlap: 0})
	want := []chunker.Chunk{
		{Text: "Hello first line", Metadata: chunker.Metadata{SourceID: "src", Page: 1, LineFrom: 1, LineTo: 1}},
		{Text: "Second line here", Metadata: chunker.Metadata{SourceID: "src", Page: 1, LineFrom: 2, LineTo: 2}},
		{Text: "Third line\nFourth line", Metadata: chunker.Metadata{SourceID: "src", Page: 2, LineFrom: 1, LineTo: 2}},
	}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d: %+v", len(chunks), len(want), chunks)
	}
	for i, c := range chunks {
		if c != want[i] {
			t.Errorf("chunk %d = %+v, want %+v", i, c, want[i])
		}
	}
}
