package answer

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/kalambet/notebook/internal/apperr"
	"github.com/kalambet/notebook/internal/chunker"
)

const referencePath = "/source/"

// Reference points at the lines of a source page that support a citation.
type Reference struct {
	SourceID string `json:"fileId"`
	Page     int    `json:"page"`
	LineFrom int    `json:"lineFrom"`
	LineTo   int    `json:"lineTo"`
}

// ReferenceFor builds the reference of a chunk.
func ReferenceFor(m chunker.Metadata) Reference {
	return Reference{SourceID: m.SourceID, Page: m.Page, LineFrom: m.LineFrom, LineTo: m.LineTo}
}

// String returns the reader href, e.g. /source/?fileid=abc&page=1&from=6&to=10.
func (r Reference) String() string {
	return fmt.Sprintf("%s?fileid=%s&page=%d&from=%d&to=%d",
		referencePath, url.QueryEscape(r.SourceID), r.Page, r.LineFrom, r.LineTo)
}

// ParseReference inverts Reference.String.
func ParseReference(href string) (Reference, error) {
	u, err := url.Parse(href)
	if err != nil {
		return Reference{}, fmt.Errorf("parsing reference %q: %w: %w", href, apperr.ErrInvalidInput, err)
	}
	if u.Path != referencePath {
		return Reference{}, fmt.Errorf("reference %q: path must be %s: %w", href, referencePath, apperr.ErrInvalidInput)
	}
	q := u.Query()
	ref := Reference{SourceID: q.Get("fileid")}
	if ref.SourceID == "" {
		return Reference{}, fmt.Errorf("reference %q: missing fileid: %w", href, apperr.ErrInvalidInput)
	}
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"page", &ref.Page},
		{"from", &ref.LineFrom},
		{"to", &ref.LineTo},
	} {
		n, err := strconv.Atoi(q.Get(f.key))
		if err != nil {
			return Reference{}, fmt.Errorf("reference %q: bad %s: %w", href, f.key, apperr.ErrInvalidInput)
		}
		*f.dst = n
	}
	return ref, nil
}

var citationPattern = regexp.MustCompile(`\[source:(\d+)\]`)

// RewriteCitations replaces every [source:N] marker whose N is in sources
// with a markdown link [N](href). Markers for unknown N, including ones
// written with leading zeros, are left as they are. Nothing else changes.
func RewriteCitations(text string, sources map[int]Reference) string {
	if len(sources) == 0 || !strings.Contains(text, "[source:") {
		return text
	}
	return citationPattern.ReplaceAllStringFunc(text, func(marker string) string {
		digits := citationPattern.FindStringSubmatch(marker)[1]
		n, err := strconv.Atoi(digits)
		if err != nil || strconv.Itoa(n) != digits {
			return marker
		}
		ref, ok := sources[n]
		if !ok {
			return marker
		}
		return fmt.Sprintf("[%d](%s)", n, ref)
	})
}
