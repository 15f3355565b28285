// Package qa answers questions about an owner's documents with citations.
package qa

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kalambet/knowstack/internal/answer"
	"github.com/kalambet/knowstack/internal/apperr"
	"github.com/kalambet/knowstack/internal/ratelimit"
	"github.com/kalambet/knowstack/internal/retrieval"
)

const (
	minQuestionLength = 3
	maxSnippetLength  = 320
	maxHistory        = 4

	// NoContextModel is reported when nothing could be retrieved.
	NoContextModel = "none"

	noContextAnswer = "I could not find enough processed content in your documents yet. " +
		"Please upload and process a document first.\n\nWhat would you like to do next?"
)

// AskRequest is a question, optionally limited to one document. History
// holds the owner's previous questions in this conversation, newest first.
type AskRequest struct {
	Question   string   `json:"question"`
	DocumentID string   `json:"document_id,omitempty"`
	History    []string `json:"history,omitempty"`
}

type Citation struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	Page         int    `json:"page"`
	Section      string `json:"section"`
	Snippet      string `json:"snippet"`
}

type AskResponse struct {
	Answer            string     `json:"answer"`
	Model             string     `json:"model"`
	Citations         []Citation `json:"citations"`
	FallbackRetrieval bool       `json:"fallback_retrieval"`
}

// Retriever is the ranking step used by Ask.
type Retriever interface {
	Retrieve(ctx context.Context, ownerID, question, documentID string) ([]retrieval.Candidate, error)
}

// Service runs the ask flow: rate limit, retrieve, generate.
type Service struct {
	retriever Retriever
	generator answer.Generator
	limiter   ratelimit.Limiter
	logger    *zap.Logger
}

// NewService creates a Service. limiter may be nil to disable limiting.
func NewService(retriever Retriever, generator answer.Generator, limiter ratelimit.Limiter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{retriever: retriever, generator: generator, limiter: limiter, logger: logger.Named("qa")}
}

func (s *Service) Ask(ctx context.Context, ownerID string, req AskRequest) (AskResponse, error) {
	question := strings.TrimSpace(req.Question)
	if utf8.RuneCountInString(question) < minQuestionLength {
		return AskResponse{}, apperr.New(apperr.KindInvalid, "question must be at least %d characters", minQuestionLength)
	}

	if err := s.allow(ctx, ownerID); err != nil {
		return AskResponse{}, err
	}

	history := req.History
	if len(history) > maxHistory {
		history = history[:maxHistory]
	}
	effective := EffectiveQuestion(question, history)

	candidates, err := s.retriever.Retrieve(ctx, ownerID, effective, req.DocumentID)
	if err != nil {
		return AskResponse{}, err
	}

	resp := AskResponse{Citations: make([]Citation, 0, len(candidates))}
	snippets := make([]string, 0, len(candidates))
	for _, c := range candidates {
		snippet := truncate(CleanSnippet(c.Content), maxSnippetLength)
		snippets = append(snippets, snippet)
		resp.Citations = append(resp.Citations, Citation{
			DocumentID:   c.DocumentID,
			DocumentName: c.Filename,
			Page:         c.Page,
			Section:      c.Section,
			Snippet:      snippet,
		})
		if c.Fallback {
			resp.FallbackRetrieval = true
		}
	}

	if len(snippets) == 0 {
		resp.Answer = noContextAnswer
		resp.Model = NoContextModel
		return resp, nil
	}

	ans, err := s.generator.Generate(ctx, answer.Request{
		Question:     question,
		Snippets:     snippets,
		Conversation: history,
	})
	if err != nil {
		return AskResponse{}, err
	}
	resp.Answer = ans.Text
	resp.Model = ans.Model

	s.logger.Info("question answered",
		zap.String("owner_id", ownerID),
		zap.String("model", ans.Model),
		zap.Int("citations", len(resp.Citations)),
		zap.Bool("fallback_retrieval", resp.FallbackRetrieval))
	return resp, nil
}

// allow admits the request when the limiter's backing store is down.
func (s *Service) allow(ctx context.Context, ownerID string) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.Allow(ctx, ownerID)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrStoreUnavailable) {
		s.logger.Warn("rate limiter unavailable, admitting request", zap.String("owner_id", ownerID), zap.Error(err))
		return nil
	}
	return err
}

// EffectiveQuestion prefixes a follow-up question with the previous one so
// retrieval has a topic to match.
func EffectiveQuestion(question string, history []string) string {
	if len(history) == 0 {
		return question
	}
	if !answer.IsFollowUp(question) && len(retrieval.Terms(retrieval.NormalizeQuestion(question))) > 0 {
		return question
	}
	prev := strings.TrimSpace(history[0])
	if prev == "" {
		return question
	}
	return prev + " " + question
}

var (
	invisibleSpaces = strings.NewReplacer("\u00a0", " ", "\u200b", " ")
	camelCaseRe     = regexp.MustCompile(`([a-z])([A-Z])`)
	spacesRe        = regexp.MustCompile(`\s+`)
	punctuationRe   = regexp.MustCompile(`\s*([,.;:])\s*`)
)

// CleanSnippet tidies chunk text for display and prompting.
func CleanSnippet(text string) string {
	s := invisibleSpaces.Replace(text)
	s = camelCaseRe.ReplaceAllString(s, "${1} ${2}")
	s = spacesRe.ReplaceAllString(s, " ")
	s = punctuationRe.ReplaceAllString(s, "$1 ")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
