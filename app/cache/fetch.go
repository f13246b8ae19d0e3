package cache

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/lysyi3m/outing-planner/app/governor"
	"github.com/lysyi3m/outing-planner/app/web"
)

type Status string

const (
	StatusFresh       Status = "fresh"
	StatusRevalidated Status = "revalidated"
	StatusRefetched   Status = "refetched"
	StatusStale       Status = "stale"
	StatusMiss        Status = "miss"
)

type Page struct {
	URL       string
	Body      []byte
	Status    Status
	FetchedAt time.Time
}

func (p *Page) OK() bool {
	return p != nil && p.Status != StatusMiss
}

func (p *Page) Stale() bool {
	return p != nil && p.Status == StatusStale
}

type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, v web.Validators) (*web.Response, error)
}

var _ PageFetcher = (*web.Fetcher)(nil)

type FetchOptions struct {
	TTL             time.Duration
	StaleWindow     time.Duration
	MinContentBytes int
	ExcludedDomains []string
	FirstTimeout    time.Duration
	RetryTimeout    time.Duration
	RetryDelay      time.Duration
}

func DefaultFetchOptions() FetchOptions {
	return FetchOptions{
		TTL:             6 * time.Hour,
		StaleWindow:     7 * 24 * time.Hour,
		MinContentBytes: 512,
		FirstTimeout:    6 * time.Second,
		RetryTimeout:    7500 * time.Millisecond,
		RetryDelay:      500 * time.Millisecond,
	}
}

type FetchCache struct {
	store   Store
	fetcher PageFetcher
	pool    *governor.Pool
	opts    FetchOptions
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewFetchCache(store Store, fetcher PageFetcher, pool *governor.Pool, opts FetchOptions) *FetchCache {
	return &FetchCache{
		store:   store,
		fetcher: fetcher,
		pool:    pool,
		opts:    opts,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// ForRun returns a FetchCache sharing this one's backends behind a fresh
// in-process hot cache.
func (c *FetchCache) ForRun() *FetchCache {
	cp := *c
	cp.store = NewLayered(c.store)
	return &cp
}

// Get returns the page body for rawURL. Fresh entries never touch the
// network. The returned page is never nil; check OK.
func (c *FetchCache) Get(ctx context.Context, rawURL string) *Page {
	if web.HostExcluded(rawURL, c.opts.ExcludedDomains) {
		slog.Debug("Fetch skipped for excluded domain", "url", rawURL)
		return &Page{URL: rawURL, Status: StatusMiss}
	}

	key := HashKey(rawURL)

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		slog.Warn("Fetch cache read failed", "url", rawURL, "error", err)
		entry = nil
	}

	if entry != nil && entry.Fresh(c.now()) {
		return &Page{URL: rawURL, Body: entry.Payload, Status: StatusFresh, FetchedAt: entry.FetchedAt}
	}

	var validators web.Validators
	if entry != nil {
		validators = web.Validators{ETag: entry.ETag, LastModified: entry.LastModified}
	}

	timeouts := []time.Duration{c.opts.FirstTimeout, c.opts.RetryTimeout}
	for attempt, timeout := range timeouts {
		if attempt > 0 {
			delay := c.opts.RetryDelay + time.Duration(rand.Int63n(int64(c.opts.RetryDelay)+1))
			if err := c.sleep(ctx, delay); err != nil {
				break
			}
		}

		resp, err := c.fetchOnce(ctx, rawURL, validators, timeout)
		if err != nil {
			slog.Debug("Fetch attempt failed", "url", rawURL, "attempt", attempt+1, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		now := c.now()

		if resp.Status == http.StatusNotModified && entry != nil {
			if err := c.store.Touch(ctx, key, now); err != nil {
				slog.Warn("Fetch cache touch failed", "url", rawURL, "error", err)
			}
			return &Page{URL: rawURL, Body: entry.Payload, Status: StatusRevalidated, FetchedAt: now}
		}

		if resp.Status == http.StatusOK && len(resp.Body) >= c.opts.MinContentBytes {
			fresh := &Entry{
				Key:          key,
				Payload:      resp.Body,
				FetchedAt:    now,
				ETag:         resp.ETag,
				LastModified: resp.LastModified,
				TTL:          c.opts.TTL,
			}
			if err := c.store.Put(ctx, fresh); err != nil {
				slog.Warn("Fetch cache write failed", "url", rawURL, "error", err)
			}
			return &Page{URL: rawURL, Body: resp.Body, Status: StatusRefetched, FetchedAt: now}
		}

		if !retryableStatus(resp.Status) {
			slog.Debug("Fetch returned unusable response", "url", rawURL, "status", resp.Status, "bytes", len(resp.Body))
			break
		}
	}

	if entry != nil && entry.Within(c.opts.StaleWindow, c.now()) {
		slog.Warn("Fetch served stale", "url", rawURL, "fetched_at", entry.FetchedAt)
		return &Page{URL: rawURL, Body: entry.Payload, Status: StatusStale, FetchedAt: entry.FetchedAt}
	}

	return &Page{URL: rawURL, Status: StatusMiss}
}

// fetchOnce holds a fetch slot for the network call only; the timeout starts
// once the slot is acquired.
func (c *FetchCache) fetchOnce(ctx context.Context, rawURL string, v web.Validators, timeout time.Duration) (*web.Response, error) {
	var resp *web.Response
	err := c.pool.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var err error
		resp, err = c.fetcher.Fetch(callCtx, rawURL, v)
		return err
	})
	return resp, err
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
