package storage

import (
	"errors"
	"time"
)

// ErrDuplicate is returned by CreateDocument when the owner already has a
// document with the same content hash.
var ErrDuplicate = errors.New("duplicate document")

type DocumentStatus string

const (
	DocumentQueued    DocumentStatus = "queued"
	DocumentProcessed DocumentStatus = "processed"
	DocumentFailed    DocumentStatus = "failed"
)

// Valid reports whether s is one of the known document statuses.
func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentQueued, DocumentProcessed, DocumentFailed:
		return true
	}
	return false
}

type Document struct {
	ID          string
	OwnerID     string
	Filename    string
	ContentType string
	SHA256      string
	SizeBytes   int64
	StorageKey  string // blob locator; empty for metadata-only registrations
	Status      DocumentStatus
	CreatedAt   time.Time
}

type Chunk struct {
	ID         int64
	DocumentID string
	OwnerID    string
	Index      int
	Page       int
	Section    string
	Content    string
	CreatedAt  time.Time
}

// ChunkInput is one chunk to be written by ReplaceChunks. Index is assigned
// from its position.
type ChunkInput struct {
	Content string
	Page    int
	Section string
}

// ChunkHit is a chunk joined with the filename of its document.
type ChunkHit struct {
	Chunk
	Filename string
}

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobType identifies the handler for a job. The set is closed; the runner
// fails jobs with any other type.
type JobType string

const (
	JobTypeDocumentProcess JobType = "document_process"
)

type Job struct {
	ID          string
	OwnerID     string
	Type        JobType
	Payload     string // JSON, shape depends on Type
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}
