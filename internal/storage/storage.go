// Package storage defines the key-value persistence contract used by the
// mutation queue and the read-through cache, with file and in-memory
// backends. The sqlite backend lives in internal/db.
package storage

import (
	"context"
	"fmt"
	"regexp"
)

// Store is an asynchronous key-value store. Each namespace (queue, cache)
// occupies one key and rewrites its whole JSON blob on every write.
type Store interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set replaces the value for key.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// Well-known namespace keys.
const (
	KeyQueue = "offline_queue"
	KeyCache = "offline_cache"
)

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// ValidateKey rejects keys that cannot be used as file names.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid storage key %q", key)
	}
	return nil
}
