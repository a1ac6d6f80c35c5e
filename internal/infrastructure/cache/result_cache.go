package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/metrics"
	"apkscore-lab/pkg/logger"
)

// ResultStore is a shared second-level store for analysis results
type ResultStore interface {
	GetResult(ctx context.Context, digest string) (*models.AnalysisResult, bool, error)
	SetResult(ctx context.Context, digest string, r *models.AnalysisResult, ttl time.Duration) error
}

type lruEntry struct {
	result    *models.AnalysisResult
	expiresAt time.Time
}

// ResultCache keeps recent results in process and, when a store is set,
// falls back to it on a miss. Store errors degrade to a miss.
type ResultCache struct {
	local  *lru.Cache[string, lruEntry]
	remote ResultStore
	ttl    time.Duration
	now    func() time.Time
	logger *logger.Logger
}

// NewResultCache creates a new ResultCache. remote may be nil.
func NewResultCache(size int, ttl time.Duration, remote ResultStore, log *logger.Logger) (*ResultCache, error) {
	if size <= 0 {
		size = 1024
	}
	local, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU: %w", err)
	}
	return &ResultCache{
		local:  local,
		remote: remote,
		ttl:    ttl,
		now:    time.Now,
		logger: log.WithComponent("result-cache"),
	}, nil
}

// Digest keys a bundle body under a rule-table version
func Digest(rulesVersion string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(rulesVersion))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Get looks the digest up locally, then in the store
func (c *ResultCache) Get(ctx context.Context, digest string) (*models.AnalysisResult, bool) {
	if e, ok := c.local.Get(digest); ok {
		if c.ttl <= 0 || c.now().Before(e.expiresAt) {
			metrics.RecordCacheLookup("lru", true)
			return e.result, true
		}
		c.local.Remove(digest)
	}
	metrics.RecordCacheLookup("lru", false)

	if c.remote == nil {
		return nil, false
	}
	r, ok, err := c.remote.GetResult(ctx, digest)
	if err != nil {
		c.logger.Warn().Err(err).Msg("result store lookup failed")
		return nil, false
	}
	metrics.RecordCacheLookup("redis", ok)
	if !ok {
		return nil, false
	}
	c.local.Add(digest, lruEntry{result: r, expiresAt: c.now().Add(c.ttl)})
	return r, true
}

// Put stores a result in both layers
func (c *ResultCache) Put(ctx context.Context, digest string, r *models.AnalysisResult) {
	c.local.Add(digest, lruEntry{result: r, expiresAt: c.now().Add(c.ttl)})
	if c.remote == nil {
		return
	}
	if err := c.remote.SetResult(ctx, digest, r, c.ttl); err != nil {
		c.logger.Warn().Err(err).Msg("failed to store result")
	}
}

// Len returns the number of locally cached results
func (c *ResultCache) Len() int {
	return c.local.Len()
}
