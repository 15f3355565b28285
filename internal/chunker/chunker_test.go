package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentences builds n sentences of exactly width characters each.
func sentences(n, width int) []string {
	out := make([]string, n)
	for i := range out {
		prefix := fmt.Sprintf("Sentence %02d ", i)
		out[i] = prefix + strings.Repeat("x", width-len(prefix)-1) + "."
	}
	return out
}

func TestSplitTwoThousandCharsIntoThreeChunks(t *testing.T) {
	parts := sentences(20, 99)
	parts[19] += "!"
	text := strings.Join(parts, " ")
	require.Equal(t, 2000, len(text))

	chunks := Split(text, 800, 120)
	require.Len(t, chunks, 3)

	assert.Equal(t, strings.Join(parts[:8], " "), chunks[0])
	assert.True(t, strings.HasSuffix(chunks[1], parts[13]))
	assert.True(t, strings.HasPrefix(chunks[1], chunks[0][len(chunks[0])-120:]),
		"second chunk starts with the tail of the first")
	assert.True(t, strings.HasSuffix(chunks[2], parts[19]))
}

func TestSplitDeterministic(t *testing.T) {
	text := strings.Join(sentences(57, 73), " ")
	first := Split(text, 300, 40)
	second := Split(text, 300, 40)
	assert.Equal(t, first, second)
}

func TestSplitBoundsChunkLength(t *testing.T) {
	text := strings.Join(sentences(120, 61), " ")
	for _, c := range New().Split(text) {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), DefaultMaxSize+DefaultOverlap)
	}
}

func TestSplitBlank(t *testing.T) {
	assert.Empty(t, Split("", 800, 120))
	assert.Empty(t, Split(" \n\t  ", 800, 120))
}

func TestSplitShortText(t *testing.T) {
	assert.Equal(t, []string{"One sentence. Two sentences!"}, Split("One sentence.   Two sentences!", 800, 120))
}

func TestSplitOversizedSentence(t *testing.T) {
	long := strings.Repeat("word ", 100) + "end."
	chunks := Split("Short. "+long, 50, 10)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Short.", chunks[0])
	assert.True(t, strings.HasSuffix(chunks[1], "end."))
}

func TestSplitNoOverlapWhenChunkShorterThanOverlap(t *testing.T) {
	chunks := Split("Tiny. "+strings.Repeat("y", 30)+".", 20, 10)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Tiny.", chunks[0])
	assert.Equal(t, strings.Repeat("y", 30)+".", chunks[1])
}

func TestSentences(t *testing.T) {
	got := Sentences("Is it? Yes!  It is. e.g.this stays 3.14 too.\nNext line")
	assert.Equal(t, []string{"Is it?", "Yes!", "It is.", "e.g.this stays 3.14 too.", "Next line"}, got)
}

func TestOptions(t *testing.T) {
	c := New(WithMaxSize(0), WithOverlap(-1))
	assert.Equal(t, DefaultMaxSize, c.maxSize)
	assert.Equal(t, DefaultOverlap, c.overlap)

	c = New(WithMaxSize(100), WithOverlap(0))
	assert.Equal(t, 100, c.maxSize)
	assert.Equal(t, 0, c.overlap)
}
