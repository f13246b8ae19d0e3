package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lysyi3m/outing-planner/app/governor"
	"github.com/lysyi3m/outing-planner/app/web"
)

var bigBody = strings.Repeat("<p>dinosaur exhibition for families</p>", 40)

type fetchHarness struct {
	cache  *FetchCache
	store  *MemoryStore
	server *httptest.Server
	hits   *int32
	now    time.Time
}

func newFetchHarness(t *testing.T, handler http.HandlerFunc, mutate func(*FetchOptions)) *fetchHarness {
	t.Helper()

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	opts := DefaultFetchOptions()
	opts.RetryDelay = time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}

	store := NewMemoryStore()
	h := &fetchHarness{
		store:  store,
		server: server,
		hits:   &hits,
		now:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	c := NewFetchCache(store, web.NewFetcher(server.Client(), "TestAgent/1.0"), governor.NewPool("fetch", 1), opts)
	c.now = func() time.Time { return h.now }
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	h.cache = c

	return h
}

func (h *fetchHarness) seed(t *testing.T, url string, payload string, age time.Duration, etag string) {
	t.Helper()
	err := h.store.Put(context.Background(), &Entry{
		Key:       HashKey(url),
		Payload:   []byte(payload),
		FetchedAt: h.now.Add(-age),
		ETag:      etag,
		TTL:       6 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Failed to seed entry: %v", err)
	}
}

func TestFetchCache_FreshEntrySkipsNetwork(t *testing.T) {
	h := newFetchHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bigBody))
	}, nil)

	url := h.server.URL + "/event"
	h.seed(t, url, "cached body", time.Hour, "")

	page := h.cache.Get(context.Background(), url)

	if page.Status != StatusFresh {
		t.Errorf("Expected fresh status, got %s", page.Status)
	}
	if string(page.Body) != "cached body" {
		t.Errorf("Expected cached payload, got %q", page.Body)
	}
	if atomic.LoadInt32(h.hits) != 0 {
		t.Errorf("Expected no network call, got %d", *h.hits)
	}
}

func TestFetchCache_NotModifiedRevalidates(t *testing.T) {
	var gotETag string
	h := newFetchHarness(t, func(w http.ResponseWriter, r *http.Request) {
		gotETag = r.Header.Get("If-None-Match")
		w.WriteHeader(http.StatusNotModified)
	}, nil)

	url := h.server.URL + "/event"
	h.seed(t, url, "original payload", 8*time.Hour, `"abc"`)

	page := h.cache.Get(context.Background(), url)

	if page.Status != StatusRevalidated {
		t.Fatalf("Expected revalidated status, got %s", page.Status)
	}
	if string(page.Body) != "original payload" {
		t.Errorf("Expected payload unchanged, got %q", page.Body)
	}
	if gotETag != `"abc"` {
		t.Errorf("Expected stored etag to be sent, got %q", gotETag)
	}

	stored, _ := h.store.Get(context.Background(), HashKey(url))
	if !stored.FetchedAt.Equal(h.now) {
		t.Errorf("Expected fetchedAt refreshed to %v, got %v", h.now, stored.FetchedAt)
	}
	if string(stored.Payload) != "original payload" {
		t.Errorf("Expected stored payload unchanged, got %q", stored.Payload)
	}
}

func TestFetchCache_OKReplacesEntry(t *testing.T) {
	h := newFetchHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"new"`)
		w.Write([]byte(bigBody))
	}, nil)

	url := h.server.URL + "/event"
	h.seed(t, url, "old payload", 8*time.Hour, `"old"`)

	page := h.cache.Get(context.Background(), url)

	if page.Status != StatusRefetched {
		t.Fatalf("Expected refetched status, got %s", page.Status)
	}

	stored, _ := h.store.Get(context.Background(), HashKey(url))
	if string(stored.Payload) != bigBody {
		t.Error("Expected payload to be replaced")
	}
	if stored.ETag != `"new"` {
		t.Errorf("Expected validators replaced, got %q", stored.ETag)
	}
}

func TestFetchCache_FailureServesStale(t *testing.T) {
	h := newFetchHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, nil)

	url := h.server.URL + "/event"
	h.seed(t, url, "stale payload", 3*24*time.Hour, "")

	page := h.cache.Get(context.Background(), url)

	if page.Status != StatusStale || !page.Stale() {
		t.Fatalf("Expected stale status, got %s", page.Status)
	}
	if string(page.Body) != "stale payload" {
		t.Errorf("Expected stale payload, got %q", page.Body)
	}
	if got := atomic.LoadInt32(h.hits); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

func TestFetchCache_FailureBeyondWindowMisses(t *testing.T) {
	h := newFetchHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, nil)

	url := h.server.URL + "/event"
	h.seed(t, url, "ancient payload", 10*24*time.Hour, "")

	page := h.cache.Get(context.Background(), url)

	if page.Status != StatusMiss || page.OK() {
		t.Errorf("Expected miss, got %s", page.Status)
	}
}

func TestFetchCache_ClientErrorIsNotRetried(t *testing.T) {
	h := newFetchHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)

	page := h.cache.Get(context.Background(), h.server.URL+"/gone")

	if page.Status != StatusMiss {
		t.Errorf("Expected miss, got %s", page.Status)
	}
	if got := atomic.LoadInt32(h.hits); got != 1 {
		t.Errorf("Expected exactly 1 attempt, got %d", got)
	}
}

func TestFetchCache_ThinBodyIsNotStored(t *testing.T) {
	h := newFetchHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiny"))
	}, nil)

	url := h.server.URL + "/thin"
	page := h.cache.Get(context.Background(), url)

	if page.Status != StatusMiss {
		t.Errorf("Expected miss for thin body, got %s", page.Status)
	}
	if h.store.Len() != 0 {
		t.Error("Expected thin body not to be cached")
	}
}

func TestFetchCache_TimeoutRetriesThenMisses(t *testing.T) {
	h := newFetchHarness(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}, func(o *FetchOptions) {
		o.FirstTimeout = 30 * time.Millisecond
		o.RetryTimeout = 40 * time.Millisecond
	})

	page := h.cache.Get(context.Background(), h.server.URL+"/slow")

	if page.Status != StatusMiss {
		t.Errorf("Expected miss after timeouts, got %s", page.Status)
	}
	if got := atomic.LoadInt32(h.hits); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

func TestFetchCache_ExcludedDomain(t *testing.T) {
	h := newFetchHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bigBody))
	}, func(o *FetchOptions) {
		o.ExcludedDomains = []string{"127.0.0.1"}
	})

	page := h.cache.Get(context.Background(), h.server.URL+"/event")

	if page.Status != StatusMiss {
		t.Errorf("Expected miss for excluded domain, got %s", page.Status)
	}
	if got := atomic.LoadInt32(h.hits); got != 0 {
		t.Errorf("Expected no network call, got %d", got)
	}
}

func TestFetchCache_FetchPoolBound(t *testing.T) {
	var current, maxSeen int32
	h := newFetchHarness(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		w.Write([]byte(bigBody))
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.cache.Get(context.Background(), h.server.URL+"/event/"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	if maxSeen > 1 {
		t.Errorf("Expected at most 1 concurrent fetch, observed %d", maxSeen)
	}
}

type countingStore struct {
	*MemoryStore
	gets int32
}

func (s *countingStore) Get(ctx context.Context, key string) (*Entry, error) {
	atomic.AddInt32(&s.gets, 1)
	return s.MemoryStore.Get(ctx, key)
}

func TestLayered_HotCacheAvoidsPersistentReads(t *testing.T) {
	persistent := &countingStore{MemoryStore: NewMemoryStore()}
	ctx := context.Background()

	persistent.Put(ctx, &Entry{Key: "k", Payload: []byte("v"), FetchedAt: time.Now(), TTL: time.Hour})

	l := NewLayered(persistent)
	for i := 0; i < 3; i++ {
		e, err := l.Get(ctx, "k")
		if err != nil || e == nil {
			t.Fatalf("Expected hit, got %v (err %v)", e, err)
		}
	}

	if persistent.gets != 1 {
		t.Errorf("Expected 1 persistent read, got %d", persistent.gets)
	}

	at := time.Now().Add(time.Minute)
	if err := l.Touch(ctx, "k", at); err != nil {
		t.Fatalf("Unexpected touch error: %v", err)
	}
	e, _ := persistent.MemoryStore.Get(ctx, "k")
	if !e.FetchedAt.Equal(at) {
		t.Error("Expected touch to reach persistent store")
	}
}

func TestFetchCache_ForRunUsesHotCache(t *testing.T) {
	h := newFetchHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bigBody))
	}, nil)

	run := h.cache.ForRun()
	url := h.server.URL + "/event"

	if page := run.Get(context.Background(), url); page.Status != StatusRefetched {
		t.Fatalf("Expected refetched on first call, got %s", page.Status)
	}
	if page := run.Get(context.Background(), url); page.Status != StatusFresh {
		t.Errorf("Expected fresh on second call, got %s", page.Status)
	}
	if h.store.Len() != 1 {
		t.Error("Expected entry to be persisted to the backing store")
	}
	if got := atomic.LoadInt32(h.hits); got != 1 {
		t.Errorf("Expected 1 network call, got %d", got)
	}
}
