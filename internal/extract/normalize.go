package extract

import (
	"regexp"
	"strings"
)

var (
	hyphenBreakRe  = regexp.MustCompile(`([\p{L}\p{N}_])-\s*\n\s*([\p{L}\p{N}_])`)
	newlineSpaceRe = regexp.MustCompile(`[ \t\r\f\v]*\n[ \t\r\f\v]*`)
	inlineSpaceRe  = regexp.MustCompile(`[ \t]+`)
	blankLinesRe   = regexp.MustCompile(`\n{3,}`)
)

// Normalize cleans extracted text. Words hyphenated across a line break are
// joined and at most one blank line is kept between paragraphs.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = strings.ReplaceAll(text, "\u200b", "")
	text = hyphenBreakRe.ReplaceAllString(text, "${1}${2}")
	text = newlineSpaceRe.ReplaceAllString(text, "\n")
	text = inlineSpaceRe.ReplaceAllString(text, " ")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
