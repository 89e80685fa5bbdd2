package kvstore

import (
	"context"
	"errors"
)

// Store abstracts the per-installation key-value persistence the metering
// core runs on. Implementations must be safe for concurrent use; atomicity
// of read-modify-write sequences is the caller's responsibility.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ErrNotFound is returned by Get when the key has never been written
// (or has been deleted). It is an expected condition, not a failure.
var ErrNotFound = errors.New("key not found")
