package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/knowstack/internal/apperr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err, "Open(:memory:)")
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeClock is a settable time source for scheduling tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func withClock(t *testing.T, s *Store) *fakeClock {
	t.Helper()
	c := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.SetClock(c.now)
	return c
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	v1, err := s1.AppliedMigrations()
	require.NoError(t, err)
	s1.Close()

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	v2, err := s2.AppliedMigrations()
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, []int{1, 2, 3}, v2)
}

func TestMigrationStatementsReapplySafely(t *testing.T) {
	s := openTestStore(t)

	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	for _, e := range entries {
		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		require.NoError(t, err)
		_, err = s.db.Exec(string(content))
		assert.NoError(t, err, "re-applying %s", e.Name())
	}
}

func TestTablesExist(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"documents", "chunks", "jobs", "chunk_vectors"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %q", table)
	}
}

// --- Documents ---

func newDoc(id, owner, sha string) Document {
	return Document{
		ID:          id,
		OwnerID:     owner,
		Filename:    id + ".txt",
		ContentType: "text/plain",
		SHA256:      sha,
		SizeBytes:   12,
		StorageKey:  "/tmp/" + id,
	}
}

func TestCreateAndGetDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateDocument(ctx, newDoc("d1", "alice", "abc"))
	require.NoError(t, err)
	assert.Equal(t, DocumentQueued, created.Status)

	got, err := s.GetDocument(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1.txt", got.Filename)
	assert.Equal(t, int64(12), got.SizeBytes)
	assert.True(t, got.CreatedAt.Equal(created.CreatedAt))
}

func TestGetDocumentScopedToOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateDocument(ctx, newDoc("d1", "alice", "abc"))
	require.NoError(t, err)

	_, err = s.GetDocument(ctx, "bob", "d1")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCreateDocumentDuplicateHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateDocument(ctx, newDoc("d1", "alice", "abc"))
	require.NoError(t, err)

	_, err = s.CreateDocument(ctx, newDoc("d2", "alice", "abc"))
	assert.ErrorIs(t, err, ErrDuplicate)

	// Same hash for a different owner is a separate document.
	_, err = s.CreateDocument(ctx, newDoc("d3", "bob", "abc"))
	assert.NoError(t, err)

	found, err := s.FindDocumentByHash(ctx, "alice", "abc")
	require.NoError(t, err)
	assert.Equal(t, "d1", found.ID)
}

func TestListDocumentsFilterAndPaging(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(t, s)
	ctx := context.Background()

	for i := range 5 {
		_, err := s.CreateDocument(ctx, newDoc(fmt.Sprintf("d%d", i), "alice", fmt.Sprintf("h%d", i)))
		require.NoError(t, err)
		clock.advance(time.Second)
	}
	require.NoError(t, s.SetDocumentStatus(ctx, "d1", DocumentProcessed))
	require.NoError(t, s.SetDocumentStatus(ctx, "d3", DocumentProcessed))

	docs, total, err := s.ListDocuments(ctx, "alice", "", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, docs, 2)
	assert.Equal(t, "d4", docs[0].ID)
	assert.Equal(t, "d3", docs[1].ID)

	docs, total, err = s.ListDocuments(ctx, "alice", DocumentProcessed, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "d3", docs[0].ID)
	assert.Equal(t, "d1", docs[1].ID)
}

// --- Chunks ---

func TestReplaceChunksReplacesSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CreateDocument(ctx, newDoc("d1", "alice", "abc"))
	require.NoError(t, err)

	first, err := s.ReplaceChunks(ctx, "d1", "alice", []ChunkInput{{Content: "a"}, {Content: "b"}, {Content: "c"}})
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := s.ReplaceChunks(ctx, "d1", "alice", []ChunkInput{{Content: "x"}, {Content: "y"}})
	require.NoError(t, err)

	chunks, err := s.ListChunks(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 1, c.Page)
		assert.Equal(t, "Body", c.Section)
		assert.Equal(t, second[i].ID, c.ID)
	}
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestRecentChunksOwnerAndDocumentFilter(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(t, s)
	ctx := context.Background()

	for _, d := range []Document{newDoc("d1", "alice", "1"), newDoc("d2", "alice", "2"), newDoc("d3", "bob", "3")} {
		_, err := s.CreateDocument(ctx, d)
		require.NoError(t, err)
	}
	_, err := s.ReplaceChunks(ctx, "d1", "alice", []ChunkInput{{Content: "old one"}, {Content: "old two"}})
	require.NoError(t, err)
	clock.advance(time.Minute)
	_, err = s.ReplaceChunks(ctx, "d2", "alice", []ChunkInput{{Content: "new"}})
	require.NoError(t, err)
	_, err = s.ReplaceChunks(ctx, "d3", "bob", []ChunkInput{{Content: "bob's"}})
	require.NoError(t, err)

	hits, err := s.RecentChunks(ctx, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "new", hits[0].Content)
	assert.Equal(t, "d2.txt", hits[0].Filename)

	hits, err = s.RecentChunks(ctx, "alice", "d1", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].DocumentID)
}

func TestFallbackChunksOrdering(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(t, s)
	ctx := context.Background()

	_, err := s.CreateDocument(ctx, newDoc("older", "alice", "1"))
	require.NoError(t, err)
	clock.advance(time.Hour)
	_, err = s.CreateDocument(ctx, newDoc("newer", "alice", "2"))
	require.NoError(t, err)
	clock.advance(time.Hour)
	_, err = s.CreateDocument(ctx, newDoc("pending", "alice", "3"))
	require.NoError(t, err)

	for _, id := range []string{"older", "newer", "pending"} {
		_, err := s.ReplaceChunks(ctx, id, "alice", []ChunkInput{{Content: id + "-0"}, {Content: id + "-1"}})
		require.NoError(t, err)
	}
	require.NoError(t, s.SetDocumentStatus(ctx, "older", DocumentProcessed))
	require.NoError(t, s.SetDocumentStatus(ctx, "newer", DocumentProcessed))

	hits, err := s.FallbackChunks(ctx, "alice", "", 3)
	require.NoError(t, err)
	var got []string
	for _, h := range hits {
		got = append(got, h.Content)
	}
	assert.Equal(t, []string{"newer-0", "newer-1", "older-0"}, got)
}

// --- Jobs ---

func enqueue(t *testing.T, s *Store, id string) Job {
	t.Helper()
	j, err := s.EnqueueJob(context.Background(), Job{
		ID:      id,
		OwnerID: "alice",
		Type:    JobTypeDocumentProcess,
		Payload: `{"document_id":"d1"}`,
	})
	require.NoError(t, err)
	return j
}

func TestEnqueueDefaults(t *testing.T) {
	s := openTestStore(t)
	j := enqueue(t, s, "j1")

	assert.Equal(t, JobQueued, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)

	got, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, JobTypeDocumentProcess, got.Type)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
	assert.True(t, got.NextRunAt.Equal(got.CreatedAt))
}

func TestGetJobNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestClaimJobIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueue(t, s, "j1")

	first, err := s.ClaimJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, JobProcessing, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.NotNil(t, first.StartedAt)

	second, err := s.ClaimJob(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, second, "a processing job must not be claimed twice")
}

func TestClaimJobRespectsNextRunAt(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(t, s)
	ctx := context.Background()

	_, err := s.EnqueueJob(ctx, Job{ID: "later", OwnerID: "alice", Type: JobTypeDocumentProcess,
		NextRunAt: clock.t.Add(time.Minute)})
	require.NoError(t, err)

	j, err := s.ClaimJob(ctx, "later")
	require.NoError(t, err)
	assert.Nil(t, j)

	clock.advance(time.Minute)
	j, err = s.ClaimJob(ctx, "later")
	require.NoError(t, err)
	assert.NotNil(t, j)
}

func TestDueJobIDsOrdering(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(t, s)
	ctx := context.Background()

	base := clock.t
	_, err := s.EnqueueJob(ctx, Job{ID: "b", OwnerID: "u", Type: JobTypeDocumentProcess, NextRunAt: base.Add(-time.Second)})
	require.NoError(t, err)
	clock.advance(time.Millisecond)
	_, err = s.EnqueueJob(ctx, Job{ID: "a", OwnerID: "u", Type: JobTypeDocumentProcess, NextRunAt: base.Add(-2 * time.Second)})
	require.NoError(t, err)
	clock.advance(time.Millisecond)
	_, err = s.EnqueueJob(ctx, Job{ID: "c", OwnerID: "u", Type: JobTypeDocumentProcess, NextRunAt: base.Add(-time.Second)})
	require.NoError(t, err)
	_, err = s.EnqueueJob(ctx, Job{ID: "future", OwnerID: "u", Type: JobTypeDocumentProcess, NextRunAt: base.Add(time.Hour)})
	require.NoError(t, err)

	ids, err := s.DueJobIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	ids, err = s.DueJobIDs(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestClaimNextJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j, err := s.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, j)

	enqueue(t, s, "j1")
	j, err = s.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "j1", j.ID)

	j, err = s.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestCompleteJobRequiresProcessing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueue(t, s, "j1")

	err := s.CompleteJob(ctx, "j1", 0)
	assert.ErrorIs(t, err, apperr.ErrConflict, "queued job cannot complete")

	_, err = s.ClaimJob(ctx, "j1")
	require.NoError(t, err)
	require.NoError(t, s.CompleteJob(ctx, "j1", 1))

	j, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, j.Status)
	assert.NotNil(t, j.FinishedAt)

	// Terminal states are sticky.
	assert.ErrorIs(t, s.FailJob(ctx, "j1", 1, "late"), apperr.ErrConflict)
	assert.ErrorIs(t, s.RetryJob(ctx, "j1", 1, "late", time.Now()), apperr.ErrConflict)
	claimed, err := s.ClaimJob(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestRetryJobRequeuesUntilAttemptsExhausted(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(t, s)
	ctx := context.Background()
	enqueue(t, s, "j1")

	for attempt := 1; attempt < DefaultMaxAttempts; attempt++ {
		j, err := s.ClaimJob(ctx, "j1")
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d", attempt)
		require.NoError(t, s.RetryJob(ctx, "j1", j.Attempts, "boom", clock.t.Add(time.Second)))
		clock.advance(time.Second)
	}

	j, err := s.ClaimJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, DefaultMaxAttempts, j.Attempts)

	err = s.RetryJob(ctx, "j1", j.Attempts, "boom", clock.t.Add(time.Second))
	assert.ErrorIs(t, err, apperr.ErrConflict, "no retry after the last attempt")

	require.NoError(t, s.FailJob(ctx, "j1", j.Attempts, "boom"))
	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, got.MaxAttempts, got.Attempts)
}

func TestRecoverStaleJobs(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(t, s)
	ctx := context.Background()

	enqueue(t, s, "retryable")
	_, err := s.EnqueueJob(ctx, Job{ID: "last", OwnerID: "u", Type: JobTypeDocumentProcess, MaxAttempts: 1})
	require.NoError(t, err)
	for _, id := range []string{"retryable", "last"} {
		j, err := s.ClaimJob(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, j)
	}

	n, err := s.RecoverStaleJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh jobs are left alone")

	clock.advance(11 * time.Minute)
	n, err = s.RecoverStaleJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	j, err := s.GetJob(ctx, "retryable")
	require.NoError(t, err)
	assert.Equal(t, JobQueued, j.Status)
	j, err = s.GetJob(ctx, "last")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, j.Status)
}

func TestTransitionsRejectSupersededClaim(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(t, s)
	ctx := context.Background()
	enqueue(t, s, "j1")

	first, err := s.ClaimJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, first)

	clock.advance(16 * time.Minute)
	n, err := s.RecoverStaleJobs(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second, err := s.ClaimJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Attempts)

	// The first runner finishing late must not touch the second claim.
	assert.ErrorIs(t, s.CompleteJob(ctx, "j1", first.Attempts), apperr.ErrConflict)
	assert.ErrorIs(t, s.RetryJob(ctx, "j1", first.Attempts, "late", clock.t), apperr.ErrConflict)
	assert.ErrorIs(t, s.FailJob(ctx, "j1", first.Attempts, "late"), apperr.ErrConflict)

	j, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobProcessing, j.Status)

	require.NoError(t, s.FailJob(ctx, "j1", second.Attempts, "boom"))
	j, err = s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, j.Status)
}

func TestMetrics(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(t, s)
	ctx := context.Background()

	for _, d := range []Document{newDoc("d1", "alice", "a"), newDoc("d2", "alice", "b"), newDoc("d3", "bob", "c")} {
		_, err := s.CreateDocument(ctx, d)
		require.NoError(t, err)
	}

	// failed two days ago, outside the window
	_, err := s.EnqueueJob(ctx, Job{ID: "old", OwnerID: "alice", Type: JobTypeDocumentProcess, MaxAttempts: 1})
	require.NoError(t, err)
	old, err := s.ClaimJob(ctx, "old")
	require.NoError(t, err)
	require.NoError(t, s.FailJob(ctx, "old", old.Attempts, "boom"))

	clock.advance(48 * time.Hour)
	_, err = s.EnqueueJob(ctx, Job{ID: "recent", OwnerID: "bob", Type: JobTypeDocumentProcess, MaxAttempts: 1})
	require.NoError(t, err)
	recent, err := s.ClaimJob(ctx, "recent")
	require.NoError(t, err)
	require.NoError(t, s.FailJob(ctx, "recent", recent.Attempts, "boom"))
	enqueue(t, s, "waiting")

	m, err := s.Metrics(ctx, clock.t.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Metrics{TotalOwners: 2, TotalDocuments: 3, JobsQueued: 1, JobsFailedInRange: 1}, m)
}

func TestMetricsEmpty(t *testing.T) {
	s := openTestStore(t)
	m, err := s.Metrics(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, m)
}
