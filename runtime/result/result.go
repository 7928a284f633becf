// Package result defines the common result envelope every capability
// execution resolves to. Results are mutable while the pipeline assembles
// them and treated as immutable once returned to the caller; cached copies
// are deep-cloned so later reads cannot observe caller mutation.
package result

import (
	"time"

	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

// IdempotencyStatus describes how a result relates to the idempotency store.
type IdempotencyStatus string

const (
	// IdempotencyNew marks a first-time execution.
	IdempotencyNew IdempotencyStatus = "new"

	// IdempotencyDuplicate marks a result served from the cache of an earlier
	// completed request with the same effective key.
	IdempotencyDuplicate IdempotencyStatus = "duplicate"

	// IdempotencyInProgress marks a key currently claimed by another in-flight
	// request.
	IdempotencyInProgress IdempotencyStatus = "in_progress"

	// IdempotencyExpired marks a key whose earlier record outlived its TTL and
	// was purged; the request executes fresh.
	IdempotencyExpired IdempotencyStatus = "expired"
)

// Result is the outcome of one capability execution.
type Result struct {
	// RequestID echoes the originating envelope.
	RequestID string `json:"request_id"`

	// IdempotencyKey is the effective key the request executed under.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Success reports whether the capability completed without error.
	Success bool `json:"success"`

	// Data is the capability output on success.
	Data map[string]any `json:"data,omitempty"`

	// Error and ErrorCode describe the failure when Success is false.
	Error     string          `json:"error,omitempty"`
	ErrorCode toolerrors.Code `json:"error_code,omitempty"`

	// OperationType classifies what the execution did to external state.
	OperationType tools.OperationType `json:"operation_type,omitempty"`

	// RiskLevel is the gate- or tool-assigned risk of the operation.
	RiskLevel tools.RiskLevel `json:"risk_level,omitempty"`

	// SideEffects lists human-readable descriptions of what changed. For a
	// successful execution this covers at least the operations the security
	// gate classified as write, delete, or execute.
	SideEffects []string `json:"side_effects,omitempty"`

	// IdempotencyStatus and CachedAt describe deduplication provenance.
	// CachedAt is set exactly when the status is duplicate.
	IdempotencyStatus IdempotencyStatus `json:"idempotency_status,omitempty"`
	CachedAt          *time.Time        `json:"cached_at,omitempty"`

	// RollbackToken, when the executor provides one, lets operators undo the
	// operation out of band until RollbackExpiresAt.
	RollbackToken     string     `json:"rollback_token,omitempty"`
	RollbackExpiresAt *time.Time `json:"rollback_expires_at,omitempty"`

	// RequiresConfirmation and friends carry the confirmation outcome for
	// transports that render approval flows.
	RequiresConfirmation bool                     `json:"requires_confirmation,omitempty"`
	ConfirmationPolicy   tools.ConfirmationPolicy `json:"confirmation_policy,omitempty"`
	ConfirmationMessage  string                   `json:"confirmation_message,omitempty"`

	// RetryAfterMS hints how long callers should back off before retrying a
	// retryable failure. Zero means no hint.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`

	// ExecutionTimeMS measures executor wall time (zero for cache hits and
	// short-circuited failures).
	ExecutionTimeMS int64 `json:"execution_time_ms"`

	// TraceID echoes the envelope trace for correlation.
	TraceID string `json:"trace_id,omitempty"`

	// CompletedAt is when the pipeline finished assembling the result.
	CompletedAt time.Time `json:"completed_at"`

	// AuditLog records pipeline decisions (grants, gate outcomes, cache hits)
	// in order.
	AuditLog []string `json:"audit_log,omitempty"`
}

// OK constructs a successful result skeleton.
func OK(requestID string, data map[string]any) *Result {
	return &Result{
		RequestID:   requestID,
		Success:     true,
		Data:        data,
		CompletedAt: time.Now().UTC(),
	}
}

// Fail constructs a failed result from a taxonomy error, propagating code,
// message, and any retry hint.
func Fail(requestID string, err error) *Result {
	te := toolerrors.FromError(err)
	r := &Result{
		RequestID:   requestID,
		Success:     false,
		CompletedAt: time.Now().UTC(),
	}
	if te != nil {
		r.Error = te.Message
		r.ErrorCode = te.Code
		r.RetryAfterMS = te.RetryAfterMS
	}
	return r
}

// Audit appends an entry to the result's audit trail.
func (r *Result) Audit(entry string) {
	r.AuditLog = append(r.AuditLog, entry)
}

// Clone returns a deep copy. Stores clone before caching so the cached value
// is immune to mutation by the original caller, and clone again when serving
// so concurrent readers never share nested maps.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Data = deepCopyMap(r.Data)
	cp.SideEffects = append([]string(nil), r.SideEffects...)
	cp.AuditLog = append([]string(nil), r.AuditLog...)
	if r.CachedAt != nil {
		t := *r.CachedAt
		cp.CachedAt = &t
	}
	if r.RollbackExpiresAt != nil {
		t := *r.RollbackExpiresAt
		cp.RollbackExpiresAt = &t
	}
	return &cp
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(t)
		case []any:
			cp := make([]any, len(t))
			for i, item := range t {
				if m, ok := item.(map[string]any); ok {
					cp[i] = deepCopyMap(m)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
