package queue

import (
	"html"
	"regexp"
	"strings"
)

// Upstream items arrive with markup and source boilerplate attached.
// Sanitize produces the text handed to the delivery driver; Normalize
// produces the canonical form used only for duplicate comparison.

var (
	reParagraph = regexp.MustCompile(`(?is)<p[^>]*>(.*?)</p>`)
	reBreak     = regexp.MustCompile(`(?i)<br\s*/?>`)
	reTag       = regexp.MustCompile(`<[^>]+>`)
	reSpaces    = regexp.MustCompile(`[ \t]+`)

	// Known source prefixes that add no content ("PANews快讯:", "BlockBeats消息,").
	reBoilerplate = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*panews(?:\s*快讯)?\s*[:：-]*\s*`),
		regexp.MustCompile(`(?i)^\s*blockbeats\s*消息[，,:：-]*\s*`),
	}
)

// Sanitize strips markup from raw upstream text: paragraph/line-break tags
// become newlines, remaining tags are dropped, HTML entities are decoded and
// horizontal whitespace runs collapse. The result may legitimately be empty;
// callers decide what an empty payload means.
func Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	if ps := reParagraph.FindAllStringSubmatch(raw, -1); len(ps) > 0 {
		cleaned := make([]string, 0, len(ps))
		for _, m := range ps {
			if p := sanitizeFragment(m[1]); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		return strings.Join(cleaned, "\n")
	}
	return sanitizeFragment(raw)
}

func sanitizeFragment(s string) string {
	s = strings.ReplaceAll(s, "</p><p>", "\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Normalize maps raw text to its canonical duplicate-comparison form:
// sanitized, boilerplate prefixes stripped, all whitespace collapsed to
// single spaces. Stored item text keeps the original; only the comparison
// uses this.
func Normalize(raw string) string {
	s := Sanitize(raw)
	for _, re := range reBoilerplate {
		s = re.ReplaceAllString(s, "")
	}
	s = strings.Join(strings.Fields(s), " ")
	return s
}
