package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kalambet/knowstack/internal/apperr"
	"github.com/kalambet/knowstack/internal/ingest"
	"github.com/kalambet/knowstack/internal/qa"
	"github.com/kalambet/knowstack/internal/storage"
)

// multipartOverhead is the allowance for multipart framing on top of the
// upload size limit.
const multipartOverhead = 1 << 20

// DocumentService is implemented by *ingest.Service.
type DocumentService interface {
	Upload(ctx context.Context, ownerID, filename, contentType string, data []byte) (ingest.Result, error)
	Register(ctx context.Context, ownerID string, req ingest.RegisterRequest) (ingest.Result, error)
	ProcessNow(ctx context.Context, ownerID, documentID string) (int, error)
	Enqueue(ctx context.Context, ownerID, documentID string) (storage.Job, error)
	List(ctx context.Context, ownerID string, status storage.DocumentStatus, page, pageSize int) (ingest.Page, error)
}

// JobReader looks up jobs by id regardless of owner.
type JobReader interface {
	GetJob(ctx context.Context, id string) (storage.Job, error)
}

// JobRunner is implemented by *jobs.Runner.
type JobRunner interface {
	Run(ctx context.Context, jobID string) (storage.Job, error)
}

// MetricsReader is implemented by *storage.Store.
type MetricsReader interface {
	Metrics(ctx context.Context, since time.Time) (storage.Metrics, error)
}

// Asker is implemented by *qa.Service.
type Asker interface {
	Ask(ctx context.Context, ownerID string, req qa.AskRequest) (qa.AskResponse, error)
}

type Deps struct {
	Documents      DocumentService
	Jobs           JobReader
	Runner         JobRunner
	QA             Asker
	Metrics        MetricsReader
	Auth           AuthConfig
	MaxUploadBytes int64
	Logger         *zap.Logger
}

type handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewRouter returns the HTTP API: GET /health and the authenticated /v1
// routes.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = ingest.DefaultMaxUploadBytes
	}
	h := &handler{deps: deps, logger: deps.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(Authenticate(deps.Auth))

		r.Post("/documents", h.handleRegister)
		r.Post("/documents/upload", h.handleUpload)
		r.Get("/documents", h.handleListDocuments)
		r.Post("/documents/{id}/process", h.handleProcess)
		r.Post("/documents/{id}/process-async", h.handleProcessAsync)
		r.Get("/jobs/{id}", h.handleGetJob)
		r.Post("/jobs/{id}/run", h.handleRunJob)
		r.Post("/chat/ask", h.handleAsk)
		r.Get("/admin/metrics", h.handleAdminMetrics)
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "api"})
}

type documentJSON struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Status      string    `json:"status"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

func toDocumentJSON(d storage.Document) documentJSON {
	return documentJSON{
		ID:          d.ID,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		Status:      string(d.Status),
		SizeBytes:   d.SizeBytes,
		CreatedAt:   d.CreatedAt,
	}
}

type createResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	IsDuplicate bool      `json:"is_duplicate"`
}

func toCreateResponse(res ingest.Result) createResponse {
	return createResponse{
		ID:          res.Document.ID,
		Status:      string(res.Document.Status),
		CreatedAt:   res.Document.CreatedAt,
		IsDuplicate: res.IsDuplicate,
	}
}

// JobJSON is the wire form of a job used by the HTTP routes and MCP tools.
type JobJSON struct {
	JobID       string     `json:"job_id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	Error       *string    `json:"error"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRunAt   time.Time  `json:"next_run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

func ToJobJSON(j storage.Job) JobJSON {
	out := JobJSON{
		JobID:       j.ID,
		JobType:     string(j.Type),
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		NextRunAt:   j.NextRunAt,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
	if j.Error != "" {
		msg := j.Error
		out.Error = &msg
	}
	return out
}

func principal(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

func (h *handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req ingest.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, h.logger, decodeErr(err))
		return
	}
	res, err := h.deps.Documents.Register(r.Context(), principal(r).UserID, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreateResponse(res))
}

func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes+multipartOverhead)
	defer r.Body.Close()

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeError(w, r, h.logger, apperr.New(apperr.KindInvalid, "multipart field \"file\" is required"))
			return
		}
		writeError(w, r, h.logger, decodeErr(err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.deps.MaxUploadBytes+1))
	if err != nil {
		writeError(w, r, h.logger, decodeErr(err))
		return
	}

	res, err := h.deps.Documents.Upload(r.Context(), principal(r).UserID,
		header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreateResponse(res))
}

func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parseIntParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, r, h.logger, apperr.New(apperr.KindInvalid, "page must be a positive integer"))
		return
	}
	pageSize, err := parseIntParam(q.Get("page_size"), ingest.DefaultPageSize)
	if err != nil || pageSize < 1 || pageSize > ingest.MaxPageSize {
		writeError(w, r, h.logger, apperr.New(apperr.KindInvalid, "page_size must be between 1 and %d", ingest.MaxPageSize))
		return
	}

	res, err := h.deps.Documents.List(r.Context(), principal(r).UserID,
		storage.DocumentStatus(q.Get("status")), page, pageSize)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	items := make([]documentJSON, 0, len(res.Items))
	for _, d := range res.Items {
		items = append(items, toDocumentJSON(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"total":     res.Total,
		"page":      res.Page,
		"page_size": res.PageSize,
	})
}

func (h *handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.deps.Documents.ProcessNow(r.Context(), principal(r).UserID, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": id,
		"status":      string(storage.DocumentProcessed),
		"chunk_count": n,
	})
}

func (h *handler) handleProcessAsync(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Documents.Enqueue(r.Context(), principal(r).UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"created_at": job.CreatedAt,
	})
}

func (h *handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.deps.Jobs.GetJob(r.Context(), id)
	if err == nil && job.OwnerID != principal(r).UserID {
		err = apperr.New(apperr.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ToJobJSON(job))
}

func (h *handler) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p := principal(r)
	job, err := h.deps.Jobs.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if job.OwnerID != p.UserID && !p.IsAdmin() {
		writeError(w, r, h.logger, apperr.New(apperr.KindForbidden, "not allowed to run job %s", id))
		return
	}

	job, err = h.deps.Runner.Run(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ToJobJSON(job))
}

func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req qa.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, h.logger, decodeErr(err))
		return
	}
	resp, err := h.deps.QA.Ask(r.Context(), principal(r).UserID, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// metricsWindow is the lookback for the failed job count.
const metricsWindow = 24 * time.Hour

type metricsJSON struct {
	TotalUsers        int `json:"total_users"`
	TotalDocuments    int `json:"total_documents"`
	JobsQueued        int `json:"jobs_queued"`
	JobsFailedLast24h int `json:"jobs_failed_last_24h"`
}

func (h *handler) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsAdmin() {
		writeError(w, r, h.logger, apperr.New(apperr.KindForbidden, "admin role required"))
		return
	}
	m, err := h.deps.Metrics.Metrics(r.Context(), time.Now().Add(-metricsWindow))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, metricsJSON{
		TotalUsers:        m.TotalOwners,
		TotalDocuments:    m.TotalDocuments,
		JobsQueued:        m.JobsQueued,
		JobsFailedLast24h: m.JobsFailedInRange,
	})
}

// decodeErr classifies a request body failure. Oversized bodies keep their
// *http.MaxBytesError so writeError reports 413.
func decodeErr(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return err
	}
	return apperr.Wrap(apperr.KindInvalid, err, "invalid request body")
}

func parseIntParam(s string, defaultVal int) (int, error) {
	if s == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(s)
}
