package util

import (
	"html"
	"regexp"
	"strings"
)

var (
	whitespace   = regexp.MustCompile(`[ \t]+`)
	urlPattern   = regexp.MustCompile(`https?://[^\s<]+[^\s<.,:;"')\]!?]`)
	mentionToken = regexp.MustCompile(`(^|[^\w@])@(\w{1,15})\b`)
	hashtagToken = regexp.MustCompile(`(^|[^\w&#])#(\w+)`)
	shortLink    = regexp.MustCompile(`\s*https://t\.co/\w+\s*$`)
)

// NormalizeWhitespace trims and collapses runs of spaces and tabs. Newlines
// are kept since they carry paragraph structure.
func NormalizeWhitespace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(whitespace.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// StripTrailingShortLink drops the t.co link the source appends for attached media.
func StripTrailingShortLink(s string) string {
	return shortLink.ReplaceAllString(s, "")
}

// NoteHTML renders post text as note HTML: escaped, links and hashtags
// anchored, mentions pointed at the mirrored account on this instance,
// blank-line separated paragraphs, single newlines as <br/>.
func NoteHTML(text, domain string) string {
	text = NormalizeWhitespace(text)
	if text == "" {
		return ""
	}
	paras := strings.Split(text, "\n\n")
	out := make([]string, 0, len(paras))
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, "<p>"+strings.ReplaceAll(linkify(p, domain), "\n", "<br/>")+"</p>")
	}
	return strings.Join(out, "")
}

func linkify(p, domain string) string {
	// URLs are cut out first so mentions and hashtags inside them stay untouched.
	var b strings.Builder
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(p, -1) {
		b.WriteString(decorate(html.EscapeString(p[last:loc[0]]), domain))
		u := p[loc[0]:loc[1]]
		b.WriteString(`<a href="` + html.EscapeString(u) + `" rel="nofollow noopener noreferrer" target="_blank">` + html.EscapeString(u) + `</a>`)
		last = loc[1]
	}
	b.WriteString(decorate(html.EscapeString(p[last:]), domain))
	return b.String()
}

func decorate(s, domain string) string {
	s = mentionToken.ReplaceAllStringFunc(s, func(m string) string {
		sub := mentionToken.FindStringSubmatch(m)
		handle := strings.ToLower(sub[2])
		return sub[1] + `<span class="h-card"><a href="https://` + domain + `/users/` + handle + `" class="u-url mention">@<span>` + sub[2] + `</span></a></span>`
	})
	return hashtagToken.ReplaceAllStringFunc(s, func(m string) string {
		sub := hashtagToken.FindStringSubmatch(m)
		return sub[1] + `<a href="https://` + domain + `/tags/` + strings.ToLower(sub[2]) + `" class="mention hashtag" rel="tag">#<span>` + sub[2] + `</span></a>`
	})
}
