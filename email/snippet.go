package email

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// snippetLimit is the maximum snippet length in runes, ellipsis included.
const snippetLimit = 160

// snippet reduces a post body to a single line of plain text. Bodies may be
// HTML written by the rich text editor or plain text.
func snippet(body string) string {
	return truncate(plainText(body), snippetLimit)
}

// plainText extracts the visible text from an HTML fragment.
func plainText(body string) string {
	if !strings.ContainsRune(body, '<') {
		return body
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}
	doc.Find("script, style, noscript").Remove()
	// Block elements run together in Text() without this.
	doc.Find("p, div, br, li, blockquote, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return doc.Text()
}

// truncate collapses whitespace and shortens s to at most max runes, cutting
// at a word boundary where one exists in the back half.
func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}

	runes := []rune(s)
	cut := string(runes[:max-1])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ") + "…"
}
