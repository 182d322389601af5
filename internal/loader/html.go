package loader

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"pre": true, "blockquote": true, "section": true, "article": true,
	"header": true, "footer": true, "table": true, "ul": true, "ol": true,
}

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "head": true, "template": true,
}

// loadHTML renders the visible text of an HTML document as a single page,
// emitting a line break at block element boundaries.
func loadHTML(data []byte) ([]Page, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			text := strings.Join(strings.Fields(n.Data), " ")
			if text != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	walk(root)

	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil, nil
	}
	return []Page{{Number: 1, Text: text}}, nil
}
