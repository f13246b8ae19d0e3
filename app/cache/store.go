package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Entry is the shared shape of fetch, search and analysis cache rows. The
// payload is never modified in place: an entry is either touched (FetchedAt
// only) or replaced whole.
type Entry struct {
	Key          string        `json:"key"`
	Payload      []byte        `json:"payload"`
	FetchedAt    time.Time     `json:"fetched_at"`
	ETag         string        `json:"etag,omitempty"`
	LastModified string        `json:"last_modified,omitempty"`
	TTL          time.Duration `json:"ttl"`
}

func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// Within reports whether the entry is younger than window, regardless of TTL.
func (e *Entry) Within(window time.Duration, now time.Time) bool {
	return now.Sub(e.FetchedAt) <= window
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}

// Store is a keyed entry store. Get returns nil, nil on a miss; Touch on a
// missing key is a no-op.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Touch(ctx context.Context, key string, at time.Time) error
}

// HashKey derives a stable key from its parts.
func HashKey(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:])
}
