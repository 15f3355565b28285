//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/knowstack/internal/apperr"
)

func TestRedisWindow_Integration(t *testing.T) {
	url := os.Getenv("KNOWSTACK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("KNOWSTACK_TEST_REDIS_URL not set")
	}

	l, err := NewRedisWindow(url, 5, time.Minute)
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.Ping(ctx))

	now := time.Now()
	l.now = func() time.Time { return now }
	identity := "test-" + uuid.NewString()

	for range 5 {
		require.NoError(t, l.Allow(ctx, identity))
	}
	assert.ErrorIs(t, l.Allow(ctx, identity), apperr.ErrRateLimited)

	now = now.Add(61 * time.Second)
	assert.NoError(t, l.Allow(ctx, identity))
}
