package chunker

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/kalambet/notebook/internal/loader"
)

func doc(pages ...string) loader.Document {
	d := loader.Document{Name: "test.txt", Format: loader.FormatText}
	for i, p := range pages {
		d.Pages = append(d.Pages, loader.Page{Number: i + 1, Text: p})
	}
	return d
}

func texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func TestSplit_ShortPageIsOneChunk(t *testing.T) {
	chunks := Split("src", doc("first line\nsecond line\nthird"), Options{})
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	want := Metadata{SourceID: "src", Page: 1, LineFrom: 1, LineTo: 3}
	if chunks[0].Metadata != want {
		t.Errorf("Metadata = %+v, want %+v", chunks[0].Metadata, want)
	}
}

func TestSplit_Overlap(t *testing.T) {
	chunks := Split("src", doc("aaaa bbbb cccc dddd eeee"), Options{Size: 10, Overlap: 5})
	want := []string{"aaaa bbbb", "bbbb cccc", "cccc dddd", "dddd eeee"}
	if got := texts(chunks); !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %q, want %q", got, want)
	}
}

func TestSplit_NoOverlap(t *testing.T) {
	chunks := Split("src", doc("aaaa bbbb cccc dddd eeee"), Options{Size: 10, Overlap: 0})
	want := []string{"aaaa bbbb", "cccc dddd", "eeee"}
	if got := texts(chunks); !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %q, want %q", got, want)
	}
}

func TestSplit_LineRanges(t *testing.T) {
	tests := []struct {
		size int
		want []Metadata
	}{
		{size: 5, want: []Metadata{
			{SourceID: "s", Page: 1, LineFrom: 1, LineTo: 1},
			{SourceID: "s", Page: 1, LineFrom: 2, LineTo: 2},
			{SourceID: "s", Page: 1, LineFrom: 3, LineTo: 3},
			{SourceID: "s", Page: 1, LineFrom: 4, LineTo: 4},
		}},
		{size: 6, want: []Metadata{
			{SourceID: "s", Page: 1, LineFrom: 1, LineTo: 2},
			{SourceID: "s", Page: 1, LineFrom: 3, LineTo: 4},
		}},
	}
	for _, tt := range tests {
		chunks := Split("s", doc("l1\nl2\nl3\nl4"), Options{Size: tt.size, Overlap: 0})
		got := make([]Metadata, len(chunks))
		for i, c := range chunks {
			got[i] = c.Metadata
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("size %d: metadata = %+v, want %+v", tt.size, got, tt.want)
		}
	}
}

func TestSplit_RespectsSize(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString("lorem ipsum dolor sit amet")
		if i%7 == 0 {
			b.WriteString("\n\n")
		} else if i%3 == 0 {
			b.WriteString("\n")
		} else {
			b.WriteString(" ")
		}
	}
	b.WriteString(strings.Repeat("x", 250))

	chunks := Split("src", doc(b.String()), Options{Size: 100, Overlap: 20})
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c.Text); n > 100 {
			t.Errorf("chunk %d has %d runes, want <= 100", i, n)
		}
		if c.Metadata.LineFrom > c.Metadata.LineTo {
			t.Errorf("chunk %d: LineFrom %d > LineTo %d", i, c.Metadata.LineFrom, c.Metadata.LineTo)
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	d := doc(strings.Repeat("alpha beta gamma\n", 200), strings.Repeat("delta ", 500))
	first := Split("src", d, Options{Size: 120, Overlap: 30})
	second := Split("src", d, Options{Size: 120, Overlap: 30})
	if !reflect.DeepEqual(first, second) {
		t.Error("Split is not deterministic for identical input")
	}
}

func TestSplit_PagesStaySeparate(t *testing.T) {
	chunks := Split("src", doc("page one text", "   \n  ", "page three text"), Options{})
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Metadata.Page != 1 || chunks[1].Metadata.Page != 3 {
		t.Errorf("pages = %d, %d; want 1, 3", chunks[0].Metadata.Page, chunks[1].Metadata.Page)
	}
}

func TestSplit_MultibyteRunes(t *testing.T) {
	chunks := Split("src", doc("ééééé ààààà"), Options{Size: 6, Overlap: 0})
	want := []string{"ééééé", "ààààà"}
	if got := texts(chunks); !reflect.DeepEqual(got, want) {
		t.Errorf("chunks = %q, want %q", got, want)
	}
}

func TestOptions_Normalized(t *testing.T) {
	tests := []struct {
		in, want Options
	}{
		{Options{}, Options{Size: DefaultSize, Overlap: 0}},
		{Options{Size: 100, Overlap: 100}, Options{Size: 100, Overlap: 20}},
		{Options{Size: 100, Overlap: -3}, Options{Size: 100, Overlap: 0}},
	}
	for _, tt := range tests {
		if got := tt.in.normalized(); got != tt.want {
			t.Errorf("normalized(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
