// Package vector embeds chunk text and stores the vectors in an
// owner-scoped similarity index.
//
// Index backends report every failure as apperr.ErrStoreUnavailable so
// callers can treat the vector signal as optional without guessing.
package vector

import (
	"context"
	"time"
)

// DefaultTimeout bounds each call to a vector backend.
const DefaultTimeout = 5 * time.Second

// Record is one chunk to index. The vector is computed by the index.
type Record struct {
	ChunkID    int64
	OwnerID    string
	DocumentID string
	Text       string
}

// Index stores chunk vectors and answers similarity queries for one owner.
type Index interface {
	// Upsert writes or overwrites the vectors of the given chunks.
	Upsert(ctx context.Context, records []Record) error
	// Query returns up to limit chunk ids of the owner most similar to text,
	// with their cosine similarity.
	Query(ctx context.Context, ownerID, text string, limit int) (map[int64]float32, error)
	// DeleteDocument removes every vector of one document.
	DeleteDocument(ctx context.Context, ownerID, documentID string) error
}
