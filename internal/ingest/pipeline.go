// Package ingest accepts documents and turns them into indexed chunks.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kalambet/knowstack/internal/apperr"
	"github.com/kalambet/knowstack/internal/storage"
	"github.com/kalambet/knowstack/internal/vector"
)

// DocumentStore is the persistence the pipeline needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, ownerID, id string) (storage.Document, error)
	SetDocumentStatus(ctx context.Context, id string, status storage.DocumentStatus) error
	ReplaceChunks(ctx context.Context, documentID, ownerID string, inputs []storage.ChunkInput) ([]storage.Chunk, error)
}

// TextExtractor returns the normalized text of a stored document.
type TextExtractor interface {
	Extract(ctx context.Context, locator, contentType string) (string, error)
}

// Splitter cuts text into chunks.
type Splitter interface {
	Split(text string) []string
}

// Pipeline runs extract, chunk, persist and index for one document.
type Pipeline struct {
	docs      DocumentStore
	extractor TextExtractor
	splitter  Splitter
	index     vector.Index
	logger    *zap.Logger
}

// NewPipeline creates a Pipeline. index may be nil, which skips vector
// indexing.
func NewPipeline(docs DocumentStore, extractor TextExtractor, splitter Splitter, index vector.Index, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		docs:      docs,
		extractor: extractor,
		splitter:  splitter,
		index:     index,
		logger:    logger.Named("pipeline"),
	}
}

// Process extracts, chunks and indexes the owner's document and marks it
// processed. It returns the number of chunks written. An extraction failure
// marks the document failed before the error is returned. Reprocessing
// replaces all earlier chunks.
func (p *Pipeline) Process(ctx context.Context, ownerID, documentID string) (int, error) {
	doc, err := p.docs.GetDocument(ctx, ownerID, documentID)
	if err != nil {
		return 0, err
	}
	if doc.StorageKey == "" {
		return 0, apperr.New(apperr.KindInvalid, "document %s has no stored file", documentID)
	}

	text, err := p.extractor.Extract(ctx, doc.StorageKey, doc.ContentType)
	if err != nil {
		if errors.Is(err, apperr.ErrExtraction) {
			p.markFailed(ctx, doc.ID)
		}
		return 0, err
	}

	pieces := p.splitter.Split(text)
	inputs := make([]storage.ChunkInput, len(pieces))
	for i, piece := range pieces {
		inputs[i] = storage.ChunkInput{Content: piece}
	}

	chunks, err := p.docs.ReplaceChunks(ctx, doc.ID, ownerID, inputs)
	if err != nil {
		return 0, fmt.Errorf("storing chunks: %w", err)
	}

	p.indexChunks(ctx, ownerID, doc.ID, chunks)

	if err := p.docs.SetDocumentStatus(ctx, doc.ID, storage.DocumentProcessed); err != nil {
		return 0, fmt.Errorf("marking document processed: %w", err)
	}

	p.logger.Info("document processed",
		zap.String("document_id", doc.ID),
		zap.String("owner_id", ownerID),
		zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

// indexChunks drops the document's old vectors and writes the new ones.
// Vector store failures are logged; retrieval still works lexically.
func (p *Pipeline) indexChunks(ctx context.Context, ownerID, documentID string, chunks []storage.Chunk) {
	if p.index == nil {
		return
	}
	if err := p.index.DeleteDocument(ctx, ownerID, documentID); err != nil {
		p.logger.Warn("removing stale vectors failed", zap.String("document_id", documentID), zap.Error(err))
	}
	if len(chunks) == 0 {
		return
	}
	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vector.Record{ChunkID: c.ID, OwnerID: ownerID, DocumentID: documentID, Text: c.Content}
	}
	if err := p.index.Upsert(ctx, records); err != nil {
		p.logger.Warn("vector upsert failed", zap.String("document_id", documentID), zap.Int("chunks", len(records)), zap.Error(err))
	}
}

// markFailed sets the document status to failed, logging any error.
func (p *Pipeline) markFailed(ctx context.Context, documentID string) {
	if err := p.docs.SetDocumentStatus(ctx, documentID, storage.DocumentFailed); err != nil {
		p.logger.Error("marking document failed", zap.String("document_id", documentID), zap.Error(err))
	}
}
