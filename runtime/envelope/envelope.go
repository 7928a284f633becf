// Package envelope defines the immutable request descriptor that travels
// through the execution pipeline. An Envelope is constructed once at the
// transport boundary, validated synchronously, and never mutated afterwards;
// every downstream component (gate, idempotency store, dispatcher, event bus)
// reads from the same frozen value.
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opforge/toolrun/runtime/toolerrors"
)

// DefaultTimeout is the execution budget applied when the request does not
// specify one.
const DefaultTimeout = 30 * time.Second

type (
	// Envelope is the frozen request descriptor. Construct with New; do not
	// assemble literals outside tests.
	Envelope struct {
		// RequestID uniquely identifies this request. Always a fresh UUID,
		// never caller-supplied.
		RequestID string `json:"request_id"`

		// IdempotencyKey is the caller-provided deduplication key. Empty means
		// the key is derived; see EffectiveIdempotencyKey.
		IdempotencyKey string `json:"idempotency_key,omitempty"`

		// CorrelationID links the request to the caller's own tracking.
		CorrelationID string `json:"correlation_id,omitempty"`

		// TraceID propagates distributed tracing. Generated when absent.
		TraceID string `json:"trace_id"`

		// ParentSpanID optionally links into an existing trace.
		ParentSpanID string `json:"parent_span_id,omitempty"`

		// ToolName and CapabilityName select the operation to execute.
		ToolName       string `json:"tool_name"`
		CapabilityName string `json:"capability_name"`

		// Parameters is the capability input. Deep-copied at construction so
		// later caller mutation cannot leak into the pipeline.
		Parameters map[string]any `json:"parameters"`

		// Context carries tenant and user identity.
		Context RequestContext `json:"context"`

		// DryRun requests a projected-effects result without invoking the tool.
		DryRun bool `json:"dry_run,omitempty"`

		// TimeoutSeconds bounds execution. Zero means DefaultTimeout.
		TimeoutSeconds int `json:"timeout_seconds,omitempty"`

		// Priority orders competing requests; higher runs sooner when queued.
		Priority int `json:"priority,omitempty"`

		// CreatedAt is the construction instant (UTC).
		CreatedAt time.Time `json:"created_at"`

		// ExpiresAt optionally bounds how long the request stays valid.
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}

	// RequestContext identifies the tenant, the user, and their ambient
	// attributes.
	RequestContext struct {
		// CompanyID is the tenant identifier. Required.
		CompanyID string `json:"company_id"`

		// SiteID optionally narrows the tenant to a physical site.
		SiteID string `json:"site_id,omitempty"`

		// UserID is the requesting user. Required.
		UserID string `json:"user_id"`

		// Role is the user's role name, when the transport knows it.
		Role string `json:"role,omitempty"`

		// Permissions lists the user's granted permission strings.
		Permissions []string `json:"permissions,omitempty"`

		// Locale and Timezone inform prompt composition and tool hints.
		Locale   string `json:"locale,omitempty"`
		Timezone string `json:"timezone,omitempty"`

		// Metadata carries transport-specific extras (session ids, client
		// versions). Opaque to the pipeline.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Request is the wire-level input transports hand to New. Field names
	// mirror the inbound JSON contract.
	Request struct {
		ToolName       string         `json:"tool_name"`
		CapabilityName string         `json:"capability_name"`
		Parameters     map[string]any `json:"parameters"`
		Context        RequestContext `json:"context"`
		IdempotencyKey string         `json:"idempotency_key,omitempty"`
		CorrelationID  string         `json:"correlation_id,omitempty"`
		TraceID        string         `json:"trace_id,omitempty"`
		ParentSpanID   string         `json:"parent_span_id,omitempty"`
		DryRun         bool           `json:"dry_run,omitempty"`
		TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
		Priority       int            `json:"priority,omitempty"`
		ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	}
)

// New validates the wire request and freezes it into an Envelope. Missing
// required fields fail with CodeInvalidEnvelope listing every violation;
// no pipeline state is created for rejected requests.
func New(req Request) (*Envelope, error) {
	var violations []string
	if req.ToolName == "" {
		violations = append(violations, "tool_name: required")
	}
	if req.CapabilityName == "" {
		violations = append(violations, "capability_name: required")
	}
	if req.Parameters == nil {
		violations = append(violations, "parameters: required (may be empty, not null)")
	}
	if req.Context.CompanyID == "" {
		violations = append(violations, "context.company_id: required")
	}
	if req.Context.UserID == "" {
		violations = append(violations, "context.user_id: required")
	}
	if req.TimeoutSeconds < 0 {
		violations = append(violations, "timeout_seconds: must not be negative")
	}
	if len(violations) > 0 {
		te := toolerrors.New(toolerrors.CodeInvalidEnvelope,
			fmt.Sprintf("envelope rejected: %d violation(s)", len(violations)))
		te.Violations = violations
		return nil, te
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	ctx := req.Context
	ctx.Permissions = append([]string(nil), req.Context.Permissions...)
	ctx.Metadata = deepCopyMap(req.Context.Metadata)

	return &Envelope{
		RequestID:      uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		TraceID:        traceID,
		ParentSpanID:   req.ParentSpanID,
		ToolName:       req.ToolName,
		CapabilityName: req.CapabilityName,
		Parameters:     deepCopyMap(req.Parameters),
		Context:        ctx,
		DryRun:         req.DryRun,
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       req.Priority,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      req.ExpiresAt,
	}, nil
}

// Timeout returns the execution budget, applying DefaultTimeout when the
// request did not specify one.
func (e *Envelope) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// ParamsCopy returns a deep copy of the parameters safe to hand to executors.
func (e *Envelope) ParamsCopy() map[string]any {
	return deepCopyMap(e.Parameters)
}

// Expired reports whether the envelope itself has outlived ExpiresAt.
func (e *Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, item := range t {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return v
	}
}
