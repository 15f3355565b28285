package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/knowstack/internal/apperr"
	"github.com/kalambet/knowstack/internal/blob"
	"github.com/kalambet/knowstack/internal/extract"
	"github.com/kalambet/knowstack/internal/storage"
)

const (
	DefaultMaxUploadBytes = 25 << 20
	DefaultPageSize       = 20
	MaxPageSize           = 100
)

// Store is the persistence the ingest service needs.
type Store interface {
	CreateDocument(ctx context.Context, d storage.Document) (storage.Document, error)
	FindDocumentByHash(ctx context.Context, ownerID, sha256 string) (storage.Document, error)
	GetDocument(ctx context.Context, ownerID, id string) (storage.Document, error)
	ListDocuments(ctx context.Context, ownerID string, status storage.DocumentStatus, limit, offset int) ([]storage.Document, int, error)
	SetDocumentStatus(ctx context.Context, id string, status storage.DocumentStatus) error
	EnqueueJob(ctx context.Context, job storage.Job) (storage.Job, error)
}

// Processor runs the document pipeline.
type Processor interface {
	Process(ctx context.Context, ownerID, documentID string) (int, error)
}

// DocumentProcessPayload is the payload of a document_process job.
type DocumentProcessPayload struct {
	DocumentID string `json:"document_id"`
}

// Result is a stored or deduplicated document.
type Result struct {
	Document    storage.Document
	IsDuplicate bool
}

// RegisterRequest describes a document by metadata only.
type RegisterRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
}

// Page is one page of an owner's documents.
type Page struct {
	Items    []storage.Document
	Total    int
	Page     int
	PageSize int
}

type Options struct {
	MaxUploadBytes int64
	MaxAttempts    int
}

// Service accepts documents and schedules their processing.
type Service struct {
	store     Store
	blobs     blob.Writer
	processor Processor
	opts      Options
	logger    *zap.Logger
}

func NewService(store Store, blobs blob.Writer, processor Processor, opts Options, logger *zap.Logger) *Service {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = storage.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, blobs: blobs, processor: processor, opts: opts, logger: logger.Named("ingest")}
}

// Upload stores a file for the owner. Uploading content the owner already
// has returns the existing document with IsDuplicate set and writes
// nothing.
func (s *Service) Upload(ctx context.Context, ownerID, filename, contentType string, data []byte) (Result, error) {
	format := extract.DetectFormat(contentType, filename)
	if format == extract.FormatUnknown {
		return Result{}, apperr.New(apperr.KindInvalid, "only PDF, DOCX, and TXT are allowed")
	}
	if len(data) == 0 {
		return Result{}, apperr.New(apperr.KindInvalid, "uploaded file is empty")
	}
	if int64(len(data)) > s.opts.MaxUploadBytes {
		return Result{}, apperr.New(apperr.KindTooLarge, "file exceeds %d MB limit", s.opts.MaxUploadBytes>>20)
	}
	if strings.TrimSpace(filename) == "" {
		filename = "upload.bin"
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if existing, ok, err := s.findDuplicate(ctx, ownerID, hash); err != nil || ok {
		return existing, err
	}

	id := uuid.New().String()
	locator, err := s.blobs.WriteBytes(ctx, ownerID, id, filename, data)
	if err != nil {
		return Result{}, fmt.Errorf("storing upload: %w", err)
	}

	res, err := s.create(ctx, storage.Document{
		ID:          id,
		OwnerID:     ownerID,
		Filename:    filename,
		ContentType: format.MIMEType(),
		SHA256:      hash,
		SizeBytes:   int64(len(data)),
		StorageKey:  locator,
	})
	if err != nil || res.IsDuplicate {
		// The blob belongs to no document.
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), locator); derr != nil {
			s.logger.Warn("removing orphaned upload", zap.String("locator", locator), zap.Error(derr))
		}
	}
	return res, err
}

// Register records a document without content. It cannot be processed
// until a file is uploaded for it.
func (s *Service) Register(ctx context.Context, ownerID string, req RegisterRequest) (Result, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return Result{}, apperr.New(apperr.KindInvalid, "filename is required")
	}
	format := extract.DetectFormat(req.ContentType, req.Filename)
	if format == extract.FormatUnknown {
		return Result{}, apperr.New(apperr.KindInvalid, "only PDF, DOCX, and TXT are allowed")
	}
	if req.SizeBytes < 0 {
		return Result{}, apperr.New(apperr.KindInvalid, "size_bytes must not be negative")
	}
	hash := strings.ToLower(strings.TrimSpace(req.SHA256))
	if b, err := hex.DecodeString(hash); err != nil || len(b) != sha256.Size {
		return Result{}, apperr.New(apperr.KindInvalid, "sha256 must be 64 hex characters")
	}

	if existing, ok, err := s.findDuplicate(ctx, ownerID, hash); err != nil || ok {
		return existing, err
	}
	return s.create(ctx, storage.Document{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Filename:    req.Filename,
		ContentType: format.MIMEType(),
		SHA256:      hash,
		SizeBytes:   req.SizeBytes,
	})
}

func (s *Service) findDuplicate(ctx context.Context, ownerID, hash string) (Result, bool, error) {
	existing, err := s.store.FindDocumentByHash(ctx, ownerID, hash)
	switch {
	case err == nil:
		return Result{Document: existing, IsDuplicate: true}, true, nil
	case errors.Is(err, apperr.ErrNotFound):
		return Result{}, false, nil
	default:
		return Result{}, false, fmt.Errorf("checking for duplicate: %w", err)
	}
}

// create inserts d, resolving a concurrent insert of the same content to
// the row that won.
func (s *Service) create(ctx context.Context, d storage.Document) (Result, error) {
	doc, err := s.store.CreateDocument(ctx, d)
	if errors.Is(err, storage.ErrDuplicate) {
		existing, ok, ferr := s.findDuplicate(ctx, d.OwnerID, d.SHA256)
		if ferr != nil {
			return Result{}, ferr
		}
		if ok {
			return existing, nil
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("creating document: %w", err)
	}
	s.logger.Info("document accepted",
		zap.String("document_id", doc.ID),
		zap.String("owner_id", doc.OwnerID),
		zap.String("content_type", doc.ContentType),
		zap.Int64("size_bytes", doc.SizeBytes))
	return Result{Document: doc}, nil
}

// ProcessNow runs the pipeline inline. Any failure leaves the document
// marked failed.
func (s *Service) ProcessNow(ctx context.Context, ownerID, documentID string) (int, error) {
	if _, err := s.store.GetDocument(ctx, ownerID, documentID); err != nil {
		return 0, err
	}
	n, err := s.processor.Process(ctx, ownerID, documentID)
	if err != nil {
		if serr := s.store.SetDocumentStatus(ctx, documentID, storage.DocumentFailed); serr != nil {
			s.logger.Error("marking document failed", zap.String("document_id", documentID), zap.Error(serr))
		}
		return 0, err
	}
	return n, nil
}

// Enqueue schedules a document_process job for the owner's document.
func (s *Service) Enqueue(ctx context.Context, ownerID, documentID string) (storage.Job, error) {
	if _, err := s.store.GetDocument(ctx, ownerID, documentID); err != nil {
		return storage.Job{}, err
	}
	payload, err := json.Marshal(DocumentProcessPayload{DocumentID: documentID})
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding payload: %w", err)
	}
	job, err := s.store.EnqueueJob(ctx, storage.Job{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Type:        storage.JobTypeDocumentProcess,
		Payload:     string(payload),
		MaxAttempts: s.opts.MaxAttempts,
	})
	if err != nil {
		return storage.Job{}, err
	}
	s.logger.Info("job enqueued", zap.String("job_id", job.ID), zap.String("document_id", documentID))
	return job, nil
}

// List returns one page of the owner's documents. page starts at 1.
func (s *Service) List(ctx context.Context, ownerID string, status storage.DocumentStatus, page, pageSize int) (Page, error) {
	if status != "" && !status.Valid() {
		return Page{}, apperr.New(apperr.KindInvalid, "unknown status %q", status)
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	docs, total, err := s.store.ListDocuments(ctx, ownerID, status, pageSize, (page-1)*pageSize)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: docs, Total: total, Page: page, PageSize: pageSize}, nil
}
