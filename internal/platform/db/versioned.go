package db

import (
	"context"
	"errors"
	"time"
)

// ErrVersionConflict is returned when every optimistic attempt lost the version race.
var ErrVersionConflict = errors.New("platform/db: version conflict after retries")

const (
	defaultMaxRetries = 4
	defaultRetryDelay = 45 * time.Millisecond
)

// VersionedUpdater applies optimistic-concurrency updates to rows of one table.
// Read fetches the current row together with its version counter; Write issues a
// conditional update that must match the previously read version and bump it,
// reporting whether exactly one row was affected.
type VersionedUpdater[T any] struct {
	Read  func(ctx context.Context, q Querier, id int64) (*T, int64, error)
	Write func(ctx context.Context, q Querier, id int64, version int64, next *T) (bool, error)

	// MaxRetries bounds the attempts before giving up. RetryDelay is the fixed
	// pause between attempts; no backoff.
	MaxRetries int
	RetryDelay time.Duration
}

// Result reports the committed row and how many attempts it took.
type Result[T any] struct {
	Row      *T
	Attempts int
}

// Update runs the read-compute-write cycle until the conditional write lands or
// retries are exhausted. A missing row fails immediately without retrying. The
// compute callback receives the freshly read row on every attempt, so values
// derived from a stale read are never written.
func (u *VersionedUpdater[T]) Update(ctx context.Context, q Querier, id int64, compute func(*T) error) (Result[T], error) {
	retries := u.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	delay := u.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	var res Result[T]
	for attempt := 1; attempt <= retries; attempt++ {
		res.Attempts = attempt

		row, version, err := u.Read(ctx, q, id)
		if err != nil {
			return res, err
		}
		if err := compute(row); err != nil {
			return res, err
		}

		ok, err := u.Write(ctx, q, id, version, row)
		if err != nil {
			return res, err
		}
		if ok {
			updated, _, err := u.Read(ctx, q, id)
			if err != nil {
				return res, err
			}
			res.Row = updated
			return res, nil
		}

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(delay):
		}
	}
	return res, ErrVersionConflict
}
