package email

import (
	"fmt"
	"strings"
)

func formatDigestBody(v *digestView) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #1f2937; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".preview { display: none; max-height: 0; overflow: hidden; }\n")
	b.WriteString(".header { border-bottom: 2px solid #0f766e; padding-bottom: 16px; margin-bottom: 24px; }\n")
	b.WriteString(".header-row { display: flex; align-items: center; justify-content: space-between; }\n")
	b.WriteString(".logo { width: 40px; height: 40px; border-radius: 8px; }\n")
	b.WriteString(".button { background: #0f766e; color: #fff; padding: 8px 14px; border-radius: 6px; font-weight: 600; font-size: 0.9em; }\n")
	b.WriteString(".kicker { color: #6b7280; text-transform: uppercase; letter-spacing: 0.05em; font-size: 0.8em; margin: 16px 0 0; }\n")
	b.WriteString("h1 { font-size: 1.6em; margin: 4px 0; }\n")
	b.WriteString(".subhead { color: #6b7280; margin: 0; }\n")
	b.WriteString(".post { margin-bottom: 24px; padding-bottom: 24px; border-bottom: 1px solid #e5e7eb; }\n")
	b.WriteString(".post:last-of-type { border-bottom: none; }\n")
	b.WriteString(".post h2 { font-size: 1.15em; margin: 0 0 4px; }\n")
	b.WriteString(".author { color: #6b7280; font-size: 0.9em; margin: 0 0 8px; }\n")
	b.WriteString(".snippet { margin: 8px 0; }\n")
	b.WriteString(".thumb { max-width: 100%; height: auto; border-radius: 8px; margin: 8px 0; display: block; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #e5e7eb; font-size: 0.85em; color: #6b7280; }\n")
	b.WriteString(".footer a { color: #6b7280; text-decoration: underline; }\n")
	b.WriteString("a { color: #0f766e; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #111827; color: #e5e7eb; }\n")
	b.WriteString(".header { border-bottom-color: #2dd4bf; }\n")
	b.WriteString(".kicker, .subhead, .author { color: #9ca3af; }\n")
	b.WriteString(".post { border-bottom-color: #374151; }\n")
	b.WriteString(".thumb { opacity: 0.9; }\n")
	b.WriteString(".footer { border-top-color: #374151; color: #9ca3af; }\n")
	b.WriteString(".footer a { color: #9ca3af; }\n")
	b.WriteString("a { color: #2dd4bf; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString(fmt.Sprintf("<div class=\"preview\">%s</div>\n", escapeHTML(v.Preview)))

	b.WriteString("<div class=\"header\">\n")
	b.WriteString("<div class=\"header-row\">\n")
	b.WriteString(fmt.Sprintf("<img src=\"%s\" class=\"logo\" width=\"40\" height=\"40\" alt=\"Trippy\">\n", escapeHTML(v.LogoURL)))
	b.WriteString(fmt.Sprintf("<a href=\"%s\" class=\"button\">Go to group</a>\n", escapeHTML(v.GroupURL)))
	b.WriteString("</div>\n")
	b.WriteString("<p class=\"kicker\">Trippy update</p>\n")
	b.WriteString(fmt.Sprintf("<h1>%s</h1>\n", escapeHTML(v.GroupName)))
	b.WriteString(fmt.Sprintf("<p class=\"subhead\">%s in the last %d days.</p>\n", postCount(len(v.Posts)), v.LookbackDays))
	b.WriteString("</div>\n")

	for _, p := range v.Posts {
		b.WriteString("<div class=\"post\">\n")
		b.WriteString(fmt.Sprintf("<h2><a href=\"%s\">%s</a></h2>\n", escapeHTML(p.URL), escapeHTML(p.Title)))
		if p.AuthorName != "" {
			b.WriteString(fmt.Sprintf("<p class=\"author\">by %s</p>\n", escapeHTML(p.AuthorName)))
		}
		// Preview URLs come from user uploads.
		if p.ImageURL != "" && isSafeURL(p.ImageURL) {
			b.WriteString(fmt.Sprintf("<a href=\"%s\"><img src=\"%s\" class=\"thumb\" alt=\"\"></a>\n",
				escapeHTML(p.URL), escapeHTML(p.ImageURL)))
		}
		if p.Snippet != "" {
			b.WriteString(fmt.Sprintf("<p class=\"snippet\">%s</p>\n", escapeHTML(p.Snippet)))
		}
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Open post</a>\n", escapeHTML(p.URL)))
		b.WriteString("</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<p>You're receiving this because you're a member of %s.</p>\n", escapeHTML(v.GroupName)))
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Unsubscribe from these emails</a>\n", escapeHTML(v.UnsubscribeURL)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func postCount(n int) string {
	if n == 1 {
		return "1 new post"
	}
	return fmt.Sprintf("%d new posts", n)
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL validates that a URL is safe for use in emails.
// Only allows http, https, and relative URLs. Blocks javascript:, data:, etc.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))

	for _, protocol := range []string{"javascript:", "data:", "vbscript:", "file:", "about:"} {
		if strings.HasPrefix(urlStr, protocol) {
			return false
		}
	}

	return strings.HasPrefix(urlStr, "http://") ||
		strings.HasPrefix(urlStr, "https://") ||
		strings.HasPrefix(urlStr, "/") ||
		strings.HasPrefix(urlStr, "./") ||
		strings.HasPrefix(urlStr, "../") ||
		(!strings.Contains(urlStr, ":") && len(urlStr) > 0)
}
