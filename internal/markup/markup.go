// Package markup converts report titles, which may contain HTML, into plain text.
package markup

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// PlainText strips tags from s and decodes entities. Runs of whitespace are
// collapsed to a single space.
func PlainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return strings.Join(strings.Fields(s), " ")
			}
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawText(name) {
				skip++
			} else if isBreak(name) {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawText(name) && skip > 0 {
				skip--
			}
		case html.SelfClosingTagToken:
			if name, _ := z.TagName(); isBreak(name) {
				b.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isRawText(name []byte) bool {
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}

func isBreak(name []byte) bool {
	switch string(name) {
	case "br", "p", "div", "li":
		return true
	}
	return false
}
