package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	TableFetchCache    = "fetch_cache"
	TableSearchCache   = "search_cache"
	TableAnalysisCache = "analysis_cache"
)

type CacheRecord struct {
	Key          string
	Payload      []byte
	FetchedAt    time.Time
	ETag         string
	LastModified string
	TTLSeconds   int64
}

// CacheRepository persists one cache collection. Every collection shares the
// same row shape so one repository type serves all three tables.
type CacheRepository struct {
	db    *DB
	table string
}

func NewCacheRepository(db *DB, table string) (*CacheRepository, error) {
	switch table {
	case TableFetchCache, TableSearchCache, TableAnalysisCache:
	default:
		return nil, fmt.Errorf("unknown cache table %q", table)
	}
	return &CacheRepository{db: db, table: table}, nil
}

func (r *CacheRepository) Table() string {
	return r.table
}

// Get returns nil, nil when the key is absent.
func (r *CacheRepository) Get(ctx context.Context, key string) (*CacheRecord, error) {
	var rec CacheRecord
	var fetchedAt int64

	err := r.db.QueryRowContext(ctx, `
		SELECT key, payload, fetched_at, etag, last_modified, ttl_seconds
		FROM `+r.table+` WHERE key = ?`, key).
		Scan(&rec.Key, &rec.Payload, &fetchedAt, &rec.ETag, &rec.LastModified, &rec.TTLSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s entry: %w", r.table, err)
	}

	rec.FetchedAt = fromMillis(fetchedAt)
	return &rec, nil
}

// Put fully replaces the row for rec.Key.
func (r *CacheRepository) Put(ctx context.Context, rec CacheRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO `+r.table+` (key, payload, fetched_at, etag, last_modified, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at,
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			ttl_seconds = excluded.ttl_seconds`,
		rec.Key, rec.Payload, toMillis(rec.FetchedAt), rec.ETag, rec.LastModified, rec.TTLSeconds)
	if err != nil {
		return fmt.Errorf("failed to put %s entry: %w", r.table, err)
	}
	return nil
}

// Touch refreshes fetched_at without changing the payload.
func (r *CacheRepository) Touch(ctx context.Context, key string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE `+r.table+` SET fetched_at = ? WHERE key = ?`, toMillis(at), key)
	if err != nil {
		return fmt.Errorf("failed to touch %s entry: %w", r.table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *CacheRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+r.table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s entries: %w", r.table, err)
	}
	return count, nil
}
