package conversation

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxReplyLength bounds replies in characters.
const DefaultMaxReplyLength = 640

var (
	customerSectionRe = regexp.MustCompile(`(?is)customer\s+message\s*:\s*`)
	toolSectionRe     = regexp.MustCompile(`(?is)^\s*tool\s+calls\s*:.*?(\n\s*\n|$)`)
	noToolLineRe      = regexp.MustCompile(`(?im)^\s*no\s+tool\s+call\s+needed\.?\s*$`)
	strictPolicy      = bluemonday.StrictPolicy()
)

// SanitizeReply turns raw model output into plain SMS text: only the
// customer-message section is kept, markup is stripped, whitespace is
// collapsed and the result is cut to maxLen characters.
func SanitizeReply(raw string, maxLen int) string {
	text := raw
	if locs := customerSectionRe.FindAllStringIndex(text, -1); len(locs) > 0 {
		text = text[locs[len(locs)-1][1]:]
	} else {
		text = toolSectionRe.ReplaceAllString(text, "")
	}
	text = noToolLineRe.ReplaceAllString(text, "")
	text = html.UnescapeString(strictPolicy.Sanitize(text))
	text = strings.Join(strings.Fields(text), " ")
	return truncate(text, maxLen)
}

// ComposeReply appends lines not already present in body, trimming body so
// the appended lines always fit within maxLen.
func ComposeReply(body string, lines []string, maxLen int) string {
	var extra []string
	for _, l := range lines {
		if l != "" && !strings.Contains(body, lastField(l)) {
			extra = append(extra, l)
		}
	}
	if len(extra) == 0 {
		return truncate(body, maxLen)
	}
	tail := strings.Join(extra, " ")
	if maxLen > 0 {
		room := maxLen - utf8.RuneCountInString(tail) - 1
		if room <= 0 {
			return tail
		}
		body = truncate(body, room)
	}
	if body == "" {
		return tail
	}
	return body + " " + tail
}

// lastField is the URL at the end of a "Here is your link: URL" line.
func lastField(line string) string {
	f := strings.Fields(line)
	if len(f) == 0 {
		return line
	}
	return f[len(f)-1]
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)[:maxLen]
	cut := string(r)
	if i := strings.LastIndexByte(cut, ' '); i > maxLen/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
