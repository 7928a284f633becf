// Package idempotency defines the deduplication layer for capability
// executions. A Store tracks one Record per effective idempotency key: absent,
// in progress (with a completion signal concurrent duplicates wait on), or
// completed with a cached result. Failed executions always release their
// record so retries execute fresh; failures are never cached.
//
// Available implementations:
//
//   - memory: single-process store with a background expiry sweeper
//   - redis:  cross-process store using SetNX claims and pub/sub completion
//   - mongo:  cross-process store using $setOnInsert claims and polling waits
//
// New implementations must preserve the claim atomicity: at most one
// in-progress record per key, transitioned by compare-and-set semantics.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/opforge/toolrun/runtime/envelope"
	"github.com/opforge/toolrun/runtime/result"
)

// ErrClaimed is returned by Begin when the key already holds a live record.
// Callers should Wait for the outcome instead of executing.
var ErrClaimed = errors.New("idempotency: key already claimed")

// ErrNotFound is returned by Complete and Fail when no record holds the key.
var ErrNotFound = errors.New("idempotency: record not found")

// RecordStatus is the lifecycle state of a stored record.
type RecordStatus string

const (
	// StatusInProgress marks a claimed key whose execution has not finished.
	StatusInProgress RecordStatus = "in_progress"

	// StatusCompleted marks a key with a cached successful result.
	StatusCompleted RecordStatus = "completed"
)

type (
	// Record is the unit of deduplication state, one per effective key.
	Record struct {
		// IdempotencyKey is the effective key (explicit or derived).
		IdempotencyKey string `json:"idempotency_key"`

		// RequestID identifies the request that claimed the key.
		RequestID string `json:"request_id"`

		// ToolName, CapabilityName, CompanyID, and UserID describe the claim
		// for diagnostics and tenant-scoped queries.
		ToolName       string `json:"tool_name"`
		CapabilityName string `json:"capability_name"`
		CompanyID      string `json:"company_id"`
		UserID         string `json:"user_id"`

		// Status is in_progress or completed. Expired records are purged or
		// treated as absent rather than stored.
		Status RecordStatus `json:"status"`

		// Result is the cached outcome once Status is completed.
		Result *result.Result `json:"result,omitempty"`

		// CreatedAt is the claim instant; becomes the CachedAt of duplicates.
		CreatedAt time.Time `json:"created_at"`

		// ExpiresAt bounds how long the record is servable. A record at
		// exactly ExpiresAt is expired.
		ExpiresAt time.Time `json:"expires_at"`

		// LastAccessedAt orders LRU eviction under the record bound.
		LastAccessedAt time.Time `json:"last_accessed_at"`
	}

	// Stats is a point-in-time snapshot of store counters.
	Stats struct {
		// TotalRequests counts Check calls.
		TotalRequests int64 `json:"total_requests"`

		// CacheHits counts Checks answered from a completed record.
		CacheHits int64 `json:"cache_hits"`

		// CacheMisses counts Checks finding no servable record.
		CacheMisses int64 `json:"cache_misses"`

		// DuplicatesPrevented counts concurrent duplicates served via Wait
		// instead of executing.
		DuplicatesPrevented int64 `json:"duplicates_prevented"`

		// InProgress is the number of currently claimed keys.
		InProgress int64 `json:"in_progress"`
	}

	// Store deduplicates executions by effective idempotency key.
	// Implementations must be safe for concurrent use and must serialize
	// operations on a single key.
	Store interface {
		// Check resolves the envelope's effective key and reports how the
		// request relates to stored state: (new, nil) when the key is absent,
		// (expired, nil) after purging a record at or past its expiry,
		// (in_progress, nil) when another request holds the claim, or
		// (duplicate, cached) with the cached result marked duplicate and
		// CachedAt set from the record.
		Check(ctx context.Context, env *envelope.Envelope) (result.IdempotencyStatus, *result.Result, error)

		// Begin claims the key for execution, inserting an in-progress record
		// with a completion signal. Returns ErrClaimed when a live record
		// already holds the key. Returns the effective key on success.
		Begin(ctx context.Context, env *envelope.Envelope, ttl time.Duration) (string, error)

		// Complete stores the result against the claim and wakes all waiters.
		// Returns ErrNotFound when the key holds no record.
		Complete(ctx context.Context, key string, res *result.Result) error

		// Fail releases the claim without caching anything and wakes all
		// waiters so they re-execute fresh. Returns ErrNotFound when the key
		// holds no record.
		Fail(ctx context.Context, key string) error

		// Wait blocks until the key's execution completes, the timeout
		// elapses, or ctx is done. Returns the cached result on completion
		// and (nil, nil) when the caller should execute fresh (record failed
		// or timeout elapsed).
		Wait(ctx context.Context, key string, timeout time.Duration) (*result.Result, error)

		// Cleanup purges every record at or past its expiry and returns the
		// number removed.
		Cleanup(ctx context.Context) (int, error)

		// EnforceBound evicts oldest-by-LastAccessedAt records until the
		// store holds at most max. Returns the number evicted.
		EnforceBound(ctx context.Context, max int) (int, error)

		// Stats returns a snapshot of the store counters.
		Stats() Stats

		// Close releases background resources (sweepers, subscriptions).
		Close() error
	}
)

// Expired reports whether the record is expired at now. Expiry is inclusive:
// a record at exactly ExpiresAt is expired.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// NewRecord builds an in-progress record claiming key for env.
func NewRecord(key string, env *envelope.Envelope, ttl time.Duration, now time.Time) *Record {
	return &Record{
		IdempotencyKey: key,
		RequestID:      env.RequestID,
		ToolName:       env.ToolName,
		CapabilityName: env.CapabilityName,
		CompanyID:      env.Context.CompanyID,
		UserID:         env.Context.UserID,
		Status:         StatusInProgress,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}
}

// CachedResult shapes the stored result for duplicate delivery: a deep clone
// marked duplicate with CachedAt set to the record's creation instant.
func (r *Record) CachedResult() *result.Result {
	if r.Result == nil {
		return nil
	}
	res := r.Result.Clone()
	res.IdempotencyStatus = result.IdempotencyDuplicate
	cachedAt := r.CreatedAt
	res.CachedAt = &cachedAt
	return res
}
