package cache

import (
	"context"
	"errors"
	"time"

	"github.com/lysyi3m/outing-planner/app/database"
)

type RecordRepository interface {
	Get(ctx context.Context, key string) (*database.CacheRecord, error)
	Put(ctx context.Context, rec database.CacheRecord) error
	Touch(ctx context.Context, key string, at time.Time) error
}

var _ RecordRepository = (*database.CacheRepository)(nil)
var _ Store = (*SQLStore)(nil)

// SQLStore adapts a cache table repository to Store.
type SQLStore struct {
	repo RecordRepository
}

func NewSQLStore(repo RecordRepository) *SQLStore {
	return &SQLStore{repo: repo}
}

func (s *SQLStore) Get(ctx context.Context, key string) (*Entry, error) {
	rec, err := s.repo.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	return &Entry{
		Key:          rec.Key,
		Payload:      rec.Payload,
		FetchedAt:    rec.FetchedAt,
		ETag:         rec.ETag,
		LastModified: rec.LastModified,
		TTL:          time.Duration(rec.TTLSeconds) * time.Second,
	}, nil
}

func (s *SQLStore) Put(ctx context.Context, e *Entry) error {
	return s.repo.Put(ctx, database.CacheRecord{
		Key:          e.Key,
		Payload:      e.Payload,
		FetchedAt:    e.FetchedAt,
		ETag:         e.ETag,
		LastModified: e.LastModified,
		TTLSeconds:   int64(e.TTL / time.Second),
	})
}

func (s *SQLStore) Touch(ctx context.Context, key string, at time.Time) error {
	err := s.repo.Touch(ctx, key, at)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	return err
}
