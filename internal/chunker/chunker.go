// Package chunker splits normalized document text into overlapping,
// sentence-aligned retrieval units.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/knowstack/internal/extract"
)

const (
	DefaultMaxSize = 800
	DefaultOverlap = 120
)

// Chunker holds the size parameters. Sizes are measured in characters.
type Chunker struct {
	maxSize int
	overlap int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxSize sets the target chunk size. Non-positive values are ignored.
func WithMaxSize(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithOverlap sets how many trailing characters of a chunk seed the next
// one. Negative values are ignored.
func WithOverlap(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

func New(opts ...Option) *Chunker {
	c := &Chunker{maxSize: DefaultMaxSize, overlap: DefaultOverlap}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Split normalizes text and splits it into chunks. Blank input yields nil.
//
// Sentences are accumulated greedily while the buffer plus a joining space
// plus the next sentence fits in maxSize. When it does not, the buffer is
// emitted and the next buffer starts from its last overlap characters. A
// single sentence longer than maxSize becomes its own oversized chunk.
func (c *Chunker) Split(text string) []string {
	text = extract.Normalize(text)
	if text == "" {
		return nil
	}

	var chunks []string
	current := ""
	for _, sentence := range Sentences(text) {
		if runeLen(current)+runeLen(sentence)+1 <= c.maxSize {
			current = join(current, sentence)
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
			current = tail(current, c.overlap)
		}
		current = join(current, sentence)
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// Split is shorthand for New(WithMaxSize(maxSize), WithOverlap(overlap)).Split(text).
func Split(text string, maxSize, overlap int) []string {
	return New(WithMaxSize(maxSize), WithOverlap(overlap)).Split(text)
}

// Sentences splits text after '.', '!' or '?' when followed by whitespace.
// The whitespace run between sentences is dropped.
func Sentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var out []string
	start := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		end := i
		for i < len(text) {
			next, n := utf8.DecodeRuneInString(text[i:])
			if !unicode.IsSpace(next) {
				break
			}
			i += n
		}
		if i > end {
			out = append(out, text[start:end])
			start = i
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func join(buf, sentence string) string {
	return strings.TrimSpace(buf + " " + sentence)
}

// tail returns the last n characters of s, or "" when s is not longer than n.
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return ""
	}
	return string(runes[len(runes)-n:])
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
