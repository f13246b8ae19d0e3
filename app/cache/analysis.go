package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// AnalysisCache stores raw classification output keyed by page content, so
// a changed page misses without any explicit invalidation.
type AnalysisCache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewAnalysisCache(store Store, ttl time.Duration) *AnalysisCache {
	return &AnalysisCache{store: store, ttl: ttl, now: time.Now}
}

func ContentHash(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

func AnalysisKey(url, contentHash, model, promptSignature string) string {
	return HashKey(url, contentHash, model, promptSignature)
}

func (c *AnalysisCache) Get(ctx context.Context, url, contentHash, model, promptSignature string) ([]byte, bool) {
	entry, err := c.store.Get(ctx, AnalysisKey(url, contentHash, model, promptSignature))
	if err != nil {
		slog.Warn("Analysis cache read failed", "url", url, "error", err)
		return nil, false
	}
	if entry == nil || !entry.Fresh(c.now()) {
		return nil, false
	}
	return entry.Payload, true
}

func (c *AnalysisCache) Put(ctx context.Context, url, contentHash, model, promptSignature string, payload []byte) {
	entry := &Entry{
		Key:       AnalysisKey(url, contentHash, model, promptSignature),
		Payload:   payload,
		FetchedAt: c.now(),
		TTL:       c.ttl,
	}
	if err := c.store.Put(ctx, entry); err != nil {
		slog.Warn("Analysis cache write failed", "url", url, "error", err)
	}
}
