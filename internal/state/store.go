// Package state defines the key/value store contract the harvest engine
// uses for run bookkeeping (§6 of the spec): new/pending/processing/complete
// markers, the spec cache entry, and the all-time run counter. The contract
// makes no assumption about the backing store beyond atomic get/set/delete/incr
// with TTL and prefix enumeration.
package state

import (
	"context"
	"time"
)

// Key prefixes, exactly as specified.
const (
	PrefixNew        = "new."
	PrefixPending    = "pending."
	PrefixProcessing = "processing."
	PrefixComplete   = "complete."
	PrefixRateLimit  = "ratelimit."
	PrefixAuthState  = "authstate."
	KeyAllTime       = "alltime"
	KeySpecCache     = "esijson."
)

// TTLs mandated by the spec.
const (
	TTLPending    = 70 * time.Second
	TTLProcessing = 2 * time.Hour
	TTLComplete   = 7 * 24 * time.Hour
	TTLRateLimit  = 60 * time.Second
	TTLAuthState  = 5 * time.Minute
	TTLSpecCache  = time.Hour
)

// Store is the key/value contract backing run lifecycle state. Reads on a
// missing key return (nil, false, nil) — not an error — so callers can treat
// a read failure as a cache miss per §7's "State-store failure" policy.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error)
	// Refresh extends a key's TTL without altering its value. Reading a
	// complete.<uuid> document refreshes it to 7 days per §6.
	Refresh(ctx context.Context, key string, ttl time.Duration) error
}
