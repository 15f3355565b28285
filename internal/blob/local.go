// Package blob stores uploaded document bytes and hands back a locator the
// extractor can read them from later.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/knowstack/internal/apperr"
)

// Reader fetches stored bytes by locator.
type Reader interface {
	ReadBytes(ctx context.Context, locator string) ([]byte, error)
}

// Writer stores bytes and returns their locator. Delete removes a blob
// that never became part of a document.
type Writer interface {
	WriteBytes(ctx context.Context, ownerID, documentID, filename string, data []byte) (string, error)
	Delete(ctx context.Context, locator string) error
}

// LocalStore keeps blobs on the local filesystem under Dir, laid out as
// <dir>/<owner>/<document id>_<filename>.
type LocalStore struct {
	Dir string
}

var (
	_ Reader = (*LocalStore)(nil)
	_ Writer = (*LocalStore)(nil)
)

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	return &LocalStore{Dir: dir}, nil
}

// SafeName strips path separators from a client-supplied filename.
func SafeName(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}

func (s *LocalStore) WriteBytes(ctx context.Context, ownerID, documentID, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(s.Dir, SafeName(ownerID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating owner directory: %w", err)
	}
	path := filepath.Join(dir, documentID+"_"+SafeName(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", path, err)
	}
	return path, nil
}

func (s *LocalStore) ReadBytes(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(locator)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "source file not found")
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", locator, err)
	}
	return data, nil
}

// Delete removes the blob at locator. A missing blob is not an error.
func (s *LocalStore) Delete(_ context.Context, locator string) error {
	if err := os.Remove(locator); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing blob %s: %w", locator, err)
	}
	return nil
}
