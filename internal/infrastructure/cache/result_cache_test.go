package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/pkg/logger"
)

type fakeStore struct {
	data map[string]*models.AnalysisResult
	err  error
	sets int
}

func (s *fakeStore) GetResult(_ context.Context, digest string) (*models.AnalysisResult, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	r, ok := s.data[digest]
	return r, ok, nil
}

func (s *fakeStore) SetResult(_ context.Context, digest string, r *models.AnalysisResult, _ time.Duration) error {
	s.sets++
	if s.err != nil {
		return s.err
	}
	s.data[digest] = r
	return nil
}

func TestResultCache_LocalOnly(t *testing.T) {
	ctx := context.Background()
	c, err := NewResultCache(2, time.Hour, nil, logger.NewNop())
	require.NoError(t, err)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)

	c.Put(ctx, "a", &models.AnalysisResult{PackageName: "a"})
	c.Put(ctx, "b", &models.AnalysisResult{PackageName: "b"})
	c.Put(ctx, "c", &models.AnalysisResult{PackageName: "c"})
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get(ctx, "a")
	assert.False(t, ok, "evicted")
	r, ok := c.Get(ctx, "c")
	require.True(t, ok)
	assert.Equal(t, "c", r.PackageName)
}

func TestResultCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c, err := NewResultCache(8, time.Minute, nil, logger.NewNop())
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.Put(ctx, "a", &models.AnalysisResult{PackageName: "a"})

	now = now.Add(30 * time.Second)
	_, ok := c.Get(ctx, "a")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestResultCache_RemoteFallback(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{data: map[string]*models.AnalysisResult{
		"remote": {PackageName: "remote"},
	}}
	c, err := NewResultCache(8, time.Hour, store, logger.NewNop())
	require.NoError(t, err)

	r, ok := c.Get(ctx, "remote")
	require.True(t, ok)
	assert.Equal(t, "remote", r.PackageName)
	assert.Equal(t, 1, c.Len(), "promoted to the local layer")

	c.Put(ctx, "new", &models.AnalysisResult{PackageName: "new"})
	assert.Contains(t, store.data, "new")

	store.err = errors.New("connection refused")
	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok, "store errors degrade to a miss")
	c.Put(ctx, "other", &models.AnalysisResult{})
	assert.Equal(t, 2, store.sets)
}

func TestDigest(t *testing.T) {
	a := Digest("v1", []byte(`{"apk_name":"x"}`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Digest("v1", []byte(`{"apk_name":"x"}`)))
	assert.NotEqual(t, a, Digest("v2", []byte(`{"apk_name":"x"}`)))
	assert.NotEqual(t, a, Digest("v1", []byte(`{"apk_name":"y"}`)))
}
