// Package text turns model output into plain text suitable for a Telegram
// message sent without a parse mode.
package text

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	controlCharsRegex     = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	blockBreakRegex       = regexp.MustCompile(`(?i)(?:\s*(?:<br\s*/?>|</?(?:p|div|pre|li|ul|ol|blockquote|h[1-6])>))+\s*`)
	multipleNewlinesRegex = regexp.MustCompile(`\n{3,}`)
	markdownHintRegex     = regexp.MustCompile("(?m)(\\*\\*|__|`|^#{1,6}\\s|^\\s*[-*+]\\s|^\\s*\\d+\\.\\s|\\[[^\\]]+\\]\\([^)]+\\)|<[a-zA-Z/][^>]*>)")

	unicodeReplacer = strings.NewReplacer(
		"\u2060", "",
		"\uFEFF", "",
		"\u00AD", "",
		"\u200E", "",
		"\u200F", "",
		"\u2028", "\n",
		"\u2029", "\n\n",
		"\u200B", " ",
		"\u200C", " ",
		"\u2009", " ",
		"\u200A", " ",
		"\u202F", " ",
	)
)

// Sanitizer strips markdown and HTML from generated text.
// It is safe for concurrent use.
type Sanitizer struct {
	policy   *bluemonday.Policy
	markdown goldmark.Markdown
}

// NewSanitizer creates a Sanitizer with a strict (no tags) HTML policy.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		policy:   bluemonday.StrictPolicy(),
		markdown: goldmark.New(),
	}
}

// Plain returns s without markdown or HTML markup and with normalized
// whitespace. Text that shows no markup is only normalized.
func (p *Sanitizer) Plain(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}

	if markdownHintRegex.MatchString(s) {
		var buf bytes.Buffer
		if err := p.markdown.Convert([]byte(s), &buf); err == nil {
			rendered := blockBreakRegex.ReplaceAllString(buf.String(), "\n")
			s = html.UnescapeString(p.policy.Sanitize(rendered))
		}
	}

	return Normalize(s)
}

// Normalize unifies line endings, removes invisible and control characters,
// collapses runs of spaces within lines and limits blank lines to one.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = unicodeReplacer.Replace(s)
	s = controlCharsRegex.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = normalizeLineWhitespace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = multipleNewlinesRegex.ReplaceAllString(s, "\n\n")

	return strings.TrimSpace(s)
}

func normalizeLineWhitespace(line string) string {
	var b strings.Builder
	space := false
	for _, r := range line {
		if unicode.IsSpace(r) {
			if !space {
				b.WriteRune(' ')
				space = true
			}
			continue
		}
		b.WriteRune(r)
		space = false
	}
	return strings.TrimSpace(b.String())
}
