package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/knowstack/internal/apperr"
)

var _ Index = (*QdrantIndex)(nil)

// QdrantConfig configures the Qdrant REST backend.
type QdrantConfig struct {
	URL        string
	Collection string
	APIKey     string
	Timeout    time.Duration
}

// QdrantIndex stores vectors in a Qdrant collection over its REST API.
// Points are keyed by chunk id and carry owner and document payload fields
// used for filtering.
type QdrantIndex struct {
	baseURL    string
	collection string
	apiKey     string
	http       *http.Client
	embedder   Embedder

	mu    sync.Mutex
	ready bool
}

func NewQdrantIndex(cfg QdrantConfig, embedder Embedder) (*QdrantIndex, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, apperr.New(apperr.KindConfig, "qdrant url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, err, "invalid qdrant url")
	}
	if cfg.Collection == "" {
		return nil, apperr.New(apperr.KindConfig, "qdrant collection is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &QdrantIndex{
		baseURL:    base,
		collection: cfg.Collection,
		apiKey:     cfg.APIKey,
		http:       &http.Client{Timeout: timeout},
		embedder:   embedder,
	}, nil
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type qdrantPoint struct {
	ID      int64          `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type qdrantCondition struct {
	Key   string         `json:"key"`
	Match map[string]any `json:"match"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must"`
}

func ownerFilter(ownerID string, documentID string) qdrantFilter {
	f := qdrantFilter{Must: []qdrantCondition{{Key: "owner_id", Match: map[string]any{"value": ownerID}}}}
	if documentID != "" {
		f.Must = append(f.Must, qdrantCondition{Key: "document_id", Match: map[string]any{"value": documentID}})
	}
	return f
}

func (q *QdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]qdrantPoint, 0, len(records))
	for _, r := range records {
		points = append(points, qdrantPoint{
			ID:     r.ChunkID,
			Vector: q.embedder.Embed(r.Text),
			Payload: map[string]any{
				"owner_id":    r.OwnerID,
				"document_id": r.DocumentID,
				"chunk_id":    r.ChunkID,
			},
		})
	}
	req := map[string]any{"points": points}
	return q.doJSON(ctx, "upsert", http.MethodPut, q.collectionPath("/points?wait=true"), req, nil)
}

func (q *QdrantIndex) Query(ctx context.Context, ownerID, text string, limit int) (map[int64]float32, error) {
	if limit <= 0 {
		return map[int64]float32{}, nil
	}
	if err := q.ensureCollection(ctx); err != nil {
		return nil, err
	}

	req := map[string]any{
		"vector":       q.embedder.Embed(text),
		"limit":        limit,
		"with_payload": false,
		"filter":       ownerFilter(ownerID, ""),
	}
	var hits []struct {
		ID    int64   `json:"id"`
		Score float32 `json:"score"`
	}
	if err := q.doJSON(ctx, "search", http.MethodPost, q.collectionPath("/points/search"), req, &hits); err != nil {
		return nil, err
	}

	scores := make(map[int64]float32, len(hits))
	for _, h := range hits {
		scores[h.ID] = h.Score
	}
	return scores, nil
}

func (q *QdrantIndex) DeleteDocument(ctx context.Context, ownerID, documentID string) error {
	if err := q.ensureCollection(ctx); err != nil {
		return err
	}
	req := map[string]any{"filter": ownerFilter(ownerID, documentID)}
	return q.doJSON(ctx, "delete", http.MethodPost, q.collectionPath("/points/delete?wait=true"), req, nil)
}

// ensureCollection creates the collection with cosine distance the first
// time it is found missing.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready {
		return nil
	}

	status, err := q.status(ctx, q.collectionPath(""))
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		req := map[string]any{
			"vectors": map[string]any{"size": q.embedder.Dim(), "distance": "Cosine"},
		}
		if err := q.doJSON(ctx, "create collection", http.MethodPut, q.collectionPath(""), req, nil); err != nil {
			return err
		}
	default:
		return apperr.New(apperr.KindStoreUnavailable, "qdrant collection check returned status %d", status)
	}
	q.ready = true
	return nil
}

func (q *QdrantIndex) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(q.collection) + suffix
}

func (q *QdrantIndex) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	return req, nil
}

func (q *QdrantIndex) status(ctx context.Context, path string) (int, error) {
	req, err := q.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, unavailable(err, "building qdrant request")
	}
	resp, err := q.http.Do(req)
	if err != nil {
		return 0, unavailable(err, "qdrant collection check")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (q *QdrantIndex) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return fmt.Errorf("encoding qdrant %s request: %w", op, err)
		}
		body = &buf
	}

	req, err := q.newRequest(ctx, method, path, body)
	if err != nil {
		return unavailable(err, "building qdrant %s request", op)
	}
	resp, err := q.http.Do(req)
	if err != nil {
		return unavailable(err, "qdrant %s", op)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return unavailable(err, "reading qdrant %s response", op)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.New(apperr.KindStoreUnavailable, "qdrant %s returned status %d: %s", op, resp.StatusCode, truncate(raw, 256))
	}
	if out == nil {
		return nil
	}

	var env qdrantEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return unavailable(err, "decoding qdrant %s response", op)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return unavailable(err, "decoding qdrant %s result", op)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
