// Package retrieval ranks an owner's chunks against a question using term
// overlap plus vector similarity, with a recency fallback.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kalambet/knowstack/internal/storage"
)

const (
	DefaultCandidateLimit = 200
	DefaultVectorLimit    = 20
	DefaultTopK           = 5

	minTermLength = 3
	maxTerms      = 10
)

// ChunkSource reads the chunk windows the retriever ranks.
type ChunkSource interface {
	RecentChunks(ctx context.Context, ownerID, documentID string, limit int) ([]storage.ChunkHit, error)
	FallbackChunks(ctx context.Context, ownerID, documentID string, limit int) ([]storage.ChunkHit, error)
}

// VectorQuerier returns similarity scores keyed by chunk id.
type VectorQuerier interface {
	Query(ctx context.Context, ownerID, text string, limit int) (map[int64]float32, error)
}

// Options bounds the retrieval windows. Zero values take the defaults.
type Options struct {
	CandidateLimit int
	VectorLimit    int
	TopK           int
}

func (o Options) withDefaults() Options {
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = DefaultCandidateLimit
	}
	if o.VectorLimit <= 0 {
		o.VectorLimit = DefaultVectorLimit
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	return o
}

// Candidate is a ranked chunk. Fallback is set when it came from the
// recency tier rather than scoring.
type Candidate struct {
	storage.ChunkHit
	Score    float64
	Fallback bool
}

// Retriever combines lexical term overlap with vector similarity.
type Retriever struct {
	chunks  ChunkSource
	vectors VectorQuerier
	opts    Options
	logger  *zap.Logger
}

// New creates a Retriever. vectors may be nil, which disables the vector
// signal.
func New(chunks ChunkSource, vectors VectorQuerier, opts Options, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{chunks: chunks, vectors: vectors, opts: opts.withDefaults(), logger: logger}
}

// TopK returns the configured result bound.
func (r *Retriever) TopK() int { return r.opts.TopK }

// Retrieve returns at most TopK candidates for question, optionally limited
// to one document. When nothing scores above zero it returns the most
// recent chunks of processed documents instead. An empty result is not an
// error.
func (r *Retriever) Retrieve(ctx context.Context, ownerID, question, documentID string) ([]Candidate, error) {
	normalized := NormalizeQuestion(question)
	terms := Terms(normalized)

	window, err := r.chunks.RecentChunks(ctx, ownerID, documentID, r.opts.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("loading candidate chunks: %w", err)
	}

	vectorScores := r.vectorScores(ctx, ownerID, normalized)

	scored := make([]Candidate, 0, len(window))
	for _, hit := range window {
		score := float64(termHits(strings.ToLower(hit.Content), terms)) + float64(vectorScores[hit.ID])
		if score > 0 {
			scored = append(scored, Candidate{ChunkHit: hit, Score: score})
		}
	}
	if len(scored) > 0 {
		sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
		if len(scored) > r.opts.TopK {
			scored = scored[:r.opts.TopK]
		}
		return scored, nil
	}

	fallback, err := r.chunks.FallbackChunks(ctx, ownerID, documentID, r.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("loading fallback chunks: %w", err)
	}
	out := make([]Candidate, 0, len(fallback))
	for _, hit := range fallback {
		out = append(out, Candidate{ChunkHit: hit, Fallback: true})
	}
	return out, nil
}

func (r *Retriever) vectorScores(ctx context.Context, ownerID, normalized string) map[int64]float32 {
	if r.vectors == nil || normalized == "" {
		return nil
	}
	scores, err := r.vectors.Query(ctx, ownerID, normalized, r.opts.VectorLimit)
	if err != nil {
		r.logger.Warn("vector query unavailable, ranking lexically", zap.String("owner_id", ownerID), zap.Error(err))
		return nil
	}
	return scores
}

// NormalizeQuestion lowercases q and collapses whitespace runs.
func NormalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Terms returns the words of a normalized question that are at least three
// characters long, at most ten of them.
func Terms(normalized string) []string {
	var terms []string
	for _, w := range strings.Fields(normalized) {
		if len([]rune(w)) < minTermLength {
			continue
		}
		terms = append(terms, w)
		if len(terms) == maxTerms {
			break
		}
	}
	return terms
}

// termHits counts how many terms occur in content.
func termHits(content string, terms []string) int {
	n := 0
	for _, t := range terms {
		if strings.Contains(content, t) {
			n++
		}
	}
	return n
}
