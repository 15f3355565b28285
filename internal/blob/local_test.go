package blob

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/knowstack/internal/apperr"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	loc, err := s.WriteBytes(ctx, "alice", "doc1", "notes.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir, "alice", "doc1_notes.txt"), loc)

	data, err := s.ReadBytes(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestLocalStoreSanitizesNames(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	loc, err := s.WriteBytes(context.Background(), "alice", "doc1", "../../etc/passwd", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir, "alice", "doc1_.._.._etc_passwd"), loc)
}

func TestLocalStoreMissing(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.ReadBytes(context.Background(), filepath.Join(s.Dir, "nope"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "a_b", SafeName("a/b"))
	assert.Equal(t, "a_b", SafeName(`a\b`))
	assert.Equal(t, "upload", SafeName("  "))
	assert.Equal(t, "upload", SafeName(".."))
}

func TestLocalStoreDelete(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	loc, err := s.WriteBytes(ctx, "alice", "doc1", "notes.txt", []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, loc))

	_, err = s.ReadBytes(ctx, loc)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// Already gone.
	assert.NoError(t, s.Delete(ctx, loc))
}
