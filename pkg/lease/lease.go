package lease

import (
	"context"
	"time"
)

// DefaultMoveTTL bounds how long an upload session may stay in flight before
// it counts as abandoned.
const DefaultMoveTTL = 24 * time.Hour

// KV is one key-value pair returned by a glob scan
type KV struct {
	Key   string
	Value []byte
}

// Store is the ephemeral keyed store with per-key TTL backing in-flight
// registrations (moves, multiparts, snapshots). Keys are addressed by glob
// patterns where `*` matches any run of characters. The store is
// linearisable per key.
type Store interface {
	// InsertWithLease stores value under key with the given TTL.
	InsertWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// UpdateWithLease replaces the value and refreshes the TTL; it fails
	// with errdefs.ErrLeaseExpired when the key no longer exists.
	UpdateWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetOneByKeyGlob returns one match or errdefs.ErrNotFound.
	GetOneByKeyGlob(ctx context.Context, pattern string) (*KV, error)

	// GetAllByKeyGlob returns every match; no matches is an empty slice.
	GetAllByKeyGlob(ctx context.Context, pattern string) ([]KV, error)

	// DeleteByKeyGlob removes every match and returns how many went away.
	DeleteByKeyGlob(ctx context.Context, pattern string) (int, error)

	// KeepAlive extends a key's lease to the given TTL from now.
	KeepAlive(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}
