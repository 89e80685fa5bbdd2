package kvstore

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
)

// PruneDated deletes keys of the form <prefix><date> whose date portion,
// parsed with layout, sorts before cutoffKey. Keys whose suffix does not
// parse are left alone. Deletion failures are collected, not short-circuited,
// so one bad key does not strand the rest.
func PruneDated(ctx context.Context, s Store, prefix, layout, cutoffKey string) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, key := range keys {
		suffix := key[len(prefix):]
		if _, perr := time.Parse(layout, suffix); perr != nil {
			continue
		}
		if suffix >= cutoffKey {
			continue
		}
		if derr := s.Delete(ctx, key); derr != nil {
			result = multierror.Append(result, derr)
		}
	}
	return result.ErrorOrNil()
}
