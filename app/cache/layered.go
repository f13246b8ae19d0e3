package cache

import (
	"context"
	"log/slog"
	"time"
)

var _ Store = (*Layered)(nil)

// Layered mirrors a persistent store in an in-process hot cache. It is meant
// to live for one pipeline run.
type Layered struct {
	hot        *MemoryStore
	persistent Store
}

func NewLayered(persistent Store) *Layered {
	return &Layered{hot: NewMemoryStore(), persistent: persistent}
}

func (l *Layered) Get(ctx context.Context, key string) (*Entry, error) {
	if e, _ := l.hot.Get(ctx, key); e != nil {
		return e, nil
	}

	e, err := l.persistent.Get(ctx, key)
	if err != nil || e == nil {
		return e, err
	}

	l.hot.Put(ctx, e)
	return e, nil
}

func (l *Layered) Put(ctx context.Context, e *Entry) error {
	if err := l.persistent.Put(ctx, e); err != nil {
		return err
	}
	return l.hot.Put(ctx, e)
}

func (l *Layered) Touch(ctx context.Context, key string, at time.Time) error {
	if err := l.persistent.Touch(ctx, key, at); err != nil {
		slog.Warn("Failed to touch persistent cache entry", "key", key, "error", err)
		return err
	}
	return l.hot.Touch(ctx, key, at)
}
