package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/lysyi3m/outing-planner/app/search"
)

type Searcher interface {
	Search(ctx context.Context, query string, count int, recency string) ([]search.Result, error)
	SearchImage(ctx context.Context, query string) (string, error)
}

var _ Searcher = (*search.Client)(nil)

// SearchCache never returns errors: provider failures degrade to empty
// results and are not cached, so the next call retries the provider.
type SearchCache struct {
	store    Store
	searcher Searcher
	ttl      time.Duration
	recency  string
	now      func() time.Time
}

func NewSearchCache(store Store, searcher Searcher, ttl time.Duration, recency string) *SearchCache {
	return &SearchCache{
		store:    store,
		searcher: searcher,
		ttl:      ttl,
		recency:  recency,
		now:      time.Now,
	}
}

func (c *SearchCache) Search(ctx context.Context, query string, count int) []search.Result {
	key := HashKey("web", query, strconv.Itoa(count), c.recency)

	if entry := c.lookup(ctx, key); entry != nil {
		var results []search.Result
		if err := json.Unmarshal(entry.Payload, &results); err == nil {
			return results
		}
	}

	results, err := c.searcher.Search(ctx, query, count, c.recency)
	if err != nil {
		slog.Warn("Search failed", "query", query, "error", err)
		return []search.Result{}
	}
	if len(results) == 0 {
		return []search.Result{}
	}

	c.save(ctx, key, results)
	return results
}

// SearchImage returns "" when the provider has nothing or fails.
func (c *SearchCache) SearchImage(ctx context.Context, query string) string {
	key := HashKey("image", query)

	if entry := c.lookup(ctx, key); entry != nil {
		var imageURL string
		if err := json.Unmarshal(entry.Payload, &imageURL); err == nil && imageURL != "" {
			return imageURL
		}
	}

	imageURL, err := c.searcher.SearchImage(ctx, query)
	if err != nil {
		slog.Warn("Image search failed", "query", query, "error", err)
		return ""
	}
	if imageURL == "" {
		return ""
	}

	c.save(ctx, key, imageURL)
	return imageURL
}

func (c *SearchCache) lookup(ctx context.Context, key string) *Entry {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		slog.Warn("Search cache read failed", "error", err)
		return nil
	}
	if entry == nil || !entry.Fresh(c.now()) {
		return nil
	}
	return entry
}

func (c *SearchCache) save(ctx context.Context, key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.store.Put(ctx, &Entry{Key: key, Payload: payload, FetchedAt: c.now(), TTL: c.ttl}); err != nil {
		slog.Warn("Search cache write failed", "error", err)
	}
}
