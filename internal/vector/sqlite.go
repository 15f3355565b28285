package vector

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/kalambet/knowstack/internal/apperr"
)

var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex keeps vectors in the chunk_vectors table and answers queries
// with a brute-force cosine scan over the owner's rows.
type SQLiteIndex struct {
	db       *sql.DB
	embedder Embedder
	timeout  time.Duration
}

// NewSQLiteIndex wraps an existing *sql.DB. The chunk_vectors table must
// already exist (created via storage migrations).
func NewSQLiteIndex(db *sql.DB, embedder Embedder, timeout time.Duration) *SQLiteIndex {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SQLiteIndex{db: db, embedder: embedder, timeout: timeout}
}

func (s *SQLiteIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err, "beginning vector upsert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_vectors (chunk_id, owner_id, document_id, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			document_id = excluded.document_id,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		return unavailable(err, "preparing vector upsert")
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range records {
		blob := encodeFloat32s(s.embedder.Embed(r.Text))
		if _, err := stmt.ExecContext(ctx, r.ChunkID, r.OwnerID, r.DocumentID, blob, now); err != nil {
			return unavailable(err, "upserting vector for chunk %d", r.ChunkID)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err, "committing vector upsert")
	}
	return nil
}

// idScore holds only the chunk id and score during the scan.
type idScore struct {
	ID    int64
	Score float32
}

func (s *SQLiteIndex) Query(ctx context.Context, ownerID, text string, limit int) (map[int64]float32, error) {
	if limit <= 0 {
		return map[int64]float32{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.embedder.Embed(text)
	queryNorm := norm(query)
	if queryNorm == 0 {
		return map[int64]float32{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, embedding FROM chunk_vectors WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, unavailable(err, "querying vectors")
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reused across rows to avoid per-row allocations.
	var buf []float32
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, unavailable(err, "scanning vector row")
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, unavailable(err, "decoding vector for chunk %d", id)
		}

		score := cosine(query, buf, queryNorm)
		if h.Len() < limit {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterating vector rows")
	}

	scores := make(map[int64]float32, h.Len())
	for _, item := range *h {
		scores[item.ID] = item.Score
	}
	return scores, nil
}

func (s *SQLiteIndex) DeleteDocument(ctx context.Context, ownerID, documentID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE owner_id = ? AND document_id = ?`,
		ownerID, documentID); err != nil {
		return unavailable(err, "deleting vectors of document %s", documentID)
	}
	return nil
}

// Count returns the number of stored vectors for an owner.
func (s *SQLiteIndex) Count(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_vectors WHERE owner_id = ?`, ownerID).Scan(&n)
	if err != nil {
		return 0, unavailable(err, "counting vectors")
	}
	return n, nil
}

func unavailable(err error, format string, args ...any) error {
	return apperr.Wrap(apperr.KindStoreUnavailable, err, format, args...)
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, growing it when
// needed. A length that is not a multiple of 4 means the blob is corrupt.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed norm of a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
