package answer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ExtractiveModel is reported as the model of extractive answers.
const ExtractiveModel = "fallback"

var (
	camelBoundaryRe = regexp.MustCompile(`([a-z])([A-Z])`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
	lineBreakRe     = regexp.MustCompile(`[\n\r]+`)
	definitionRe    = regexp.MustCompile(`\b(?:what is|define|explain)\s+([a-z0-9+\- ]{2,40})\??`)
)

var (
	summaryTokens  = []string{"document about", "summar", "overview", "tell me about"}
	followUpTokens = []string{"tell me more", "more details", "elaborate", "explain more", "go deeper", "continue"}
	profileTokens  = []string{"work experience", "technical skills", "profile summary", "resume"}
)

// Extractive answers by quoting sentences from the context. It needs no
// external service and does not fail on valid input.
type Extractive struct{}

var _ Generator = Extractive{}

func (Extractive) Generate(_ context.Context, req Request) (Answer, error) {
	if err := validate(req); err != nil {
		return Answer{}, err
	}
	return Answer{Text: extractiveAnswer(req), Model: ExtractiveModel}, nil
}

func extractiveAnswer(req Request) string {
	sentences := contextSentences(req.Snippets)
	if len(sentences) == 0 {
		return EnsureFollowUp("I found the document, but I could not extract enough clean text to answer confidently.")
	}
	q := strings.ToLower(strings.TrimSpace(req.Question))

	if term := DefinitionTerm(req.Question); term != "" {
		var words []string
		for _, w := range strings.Fields(term) {
			if len(w) >= 2 {
				words = append(words, w)
			}
		}
		var matches []string
		for _, s := range sentences {
			if containsAny(strings.ToLower(s), words) {
				matches = append(matches, s)
			}
		}
		if len(matches) > 0 {
			return EnsureFollowUp("From your document, here is what I found:\n" + bullets(matches, 3))
		}
		return EnsureFollowUp(fmt.Sprintf("Your document mentions '%s', but it does not clearly define it. "+
			"I can still give a general explanation if you want.", term))
	}

	if containsAny(q, summaryTokens) {
		hint := ""
		if containsAny(strings.ToLower(strings.Join(sentences, " ")), profileTokens) {
			hint = "This document looks like a resume/profile.\n"
		}
		return EnsureFollowUp(hint + "Main points from your document:\n" + bullets(sentences, 5))
	}

	if IsFollowUp(req.Question) {
		lead := "Here are more details from the document:\n"
		if topic := priorTopic(req.Conversation); topic != "" {
			lead = fmt.Sprintf("Continuing from your previous question about %q, here are more details:\n", topic)
		}
		return EnsureFollowUp(lead + bullets(sentences, 5))
	}

	return EnsureFollowUp("Based on the document, this is the most relevant information:\n" + bullets(sentences, 4))
}

// IsFollowUp reports whether the question asks to continue the previous
// topic rather than naming a new one.
func IsFollowUp(question string) bool {
	return containsAny(strings.ToLower(strings.TrimSpace(question)), followUpTokens)
}

// DefinitionTerm returns X for questions like "what is X" or "define X".
func DefinitionTerm(question string) string {
	m := definitionRe.FindStringSubmatch(strings.ToLower(question))
	if m == nil {
		return ""
	}
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(m[1], " "))
}

// CleanLine removes invisible spaces, splits glued camelCase words and
// collapses whitespace.
func CleanLine(text string) string {
	line := strings.NewReplacer("\u00a0", " ", "\u200b", " ").Replace(text)
	line = camelBoundaryRe.ReplaceAllString(line, "${1} ${2}")
	line = whitespaceRe.ReplaceAllString(line, " ")
	return strings.Trim(line, " -\t\n\r")
}

// contextSentences splits snippets into distinct, reasonably long sentences.
func contextSentences(snippets []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, snippet := range snippets {
		for _, part := range splitSentences(snippet) {
			line := CleanLine(part)
			if utf8.RuneCountInString(line) < 20 || letterCount(line) < 12 {
				continue
			}
			key := strings.ToLower(line)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, line)
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	for _, line := range lineBreakRe.Split(text, -1) {
		start := 0
		for i := 0; i < len(line); i++ {
			c := line[i]
			if (c == '.' || c == '!' || c == '?') && i+1 < len(line) && unicode.IsSpace(rune(line[i+1])) {
				out = append(out, line[start:i+1])
				start = i + 1
			}
		}
		out = append(out, line[start:])
	}
	return out
}

func bullets(sentences []string, limit int) string {
	var lines []string
	for _, s := range sentences {
		if len(lines) >= limit {
			break
		}
		runes := []rune(s)
		if len(runes) > 220 {
			s = string(runes[:220])
		}
		lines = append(lines, "- "+strings.TrimRight(s, " ,;:"))
	}
	return strings.Join(lines, "\n")
}

func priorTopic(conversation []string) string {
	for _, turn := range conversation {
		line := CleanLine(turn)
		if utf8.RuneCountInString(line) >= 20 {
			runes := []rune(line)
			if len(runes) > 140 {
				runes = runes[:140]
			}
			return string(runes)
		}
	}
	return ""
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
