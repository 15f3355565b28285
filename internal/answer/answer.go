// Package answer turns a question plus ranked context snippets into a
// grounded answer.
package answer

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/knowstack/internal/apperr"
)

// Request is the input to a Generator. Snippets must not be empty.
type Request struct {
	Question     string
	Snippets     []string
	Conversation []string // recent turns, newest first
}

// Answer is a generated reply and the model that produced it.
type Answer struct {
	Text  string
	Model string
}

// Generator produces an answer from context. Implementations backed by a
// remote service return apperr.ErrStoreUnavailable when it cannot be used.
type Generator interface {
	Generate(ctx context.Context, req Request) (Answer, error)
}

func validate(req Request) error {
	if len(req.Snippets) == 0 {
		return apperr.New(apperr.KindInvalid, "at least one context snippet is required")
	}
	return nil
}

const systemPrompt = "You are KnowStack, a friendly document assistant. " +
	"Answer only from provided context and never invent facts. " +
	"Be natural, clear, and question-oriented. " +
	"After each answer, end with one short follow-up question to continue the conversation."

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User question:\n%s\n\n", req.Question)
	if len(req.Conversation) > 0 {
		b.WriteString("Recent conversation:\n")
		for i, turn := range req.Conversation {
			if i == 4 {
				break
			}
			fmt.Fprintf(&b, "- %s\n", turn)
		}
		b.WriteString("\n")
	}
	b.WriteString("Document context:\n")
	for i, s := range req.Snippets {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s\n", s)
	}
	b.WriteString("\nOutput rules:\n" +
		"1) Start directly with the answer, no meta text.\n" +
		"2) Use simple language.\n" +
		"3) If user asks to summarize, use short bullets.\n" +
		"4) If evidence is weak, say exactly what is missing from the document.\n" +
		"5) End with one short line that asks what the user wants next.\n")
	return b.String()
}

var followUpPrompts = []string{
	"what would you like to ask next?",
	"what should i help you with next?",
	"do you want me to explain any part in more detail?",
}

// EnsureFollowUp appends a follow-up question unless text already ends the
// turn with one.
func EnsureFollowUp(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	lower := strings.ToLower(text)
	for _, p := range followUpPrompts {
		if strings.Contains(lower, p) {
			return text
		}
	}
	return text + "\n\nWhat would you like to ask next?"
}
