// Package store holds the shared result store: a key/value store with per-key
// TTL that the serving process and out-of-band workers use to exchange job
// results and progress snapshots.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ProgressSuffix is appended to a result key to form its progress key.
const ProgressSuffix = "-progress"

// ErrUnsharedStore is returned by Open for drivers that cannot be reached
// from another process.
var ErrUnsharedStore = errors.New("store is not shareable across processes")

// Store is a key/value store shared across processes. Every operation is
// atomic for a single key. Missing keys are reported through the found flag,
// never as an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes value under key. A ttl <= 0 stores the value without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Expire resets the key's time to live and reports whether the key exists.
	// A ttl <= 0 removes any expiry.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Purger is implemented by stores that expire entries lazily and need
// periodic cleanup.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ProgressKey returns the key under which progress for key is reported.
func ProgressKey(key string) string {
	return key + ProgressSuffix
}

// CancelKey names the marker a terminated job leaves behind so that a
// worker which already finished the function does not publish its result.
func CancelKey(key, jobID string) string {
	return key + "-cancelled-" + jobID
}

// IsProgressKey reports whether key names a progress entry.
func IsProgressKey(key string) bool {
	return strings.HasSuffix(key, ProgressSuffix)
}
