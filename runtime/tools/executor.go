package tools

import (
	"context"
	"time"
)

type (
	// Executor is the contract every tool plugin fulfills. The dispatcher
	// treats all executors uniformly; adapter-specific concerns (retries, auth
	// header injection, token refresh) are owned by each implementation.
	Executor interface {
		// Execute runs the named capability with the given input. The returned
		// value may be a *result.Result, a {success, data, error} shaped map or
		// struct, or any JSON-encodable value; the dispatcher normalizes it.
		// Implementations must honor ctx cancellation.
		Execute(ctx context.Context, capability string, input map[string]any, ec ExecContext) (any, error)

		// HealthCheck reports whether the tool backend is reachable and ready.
		HealthCheck(ctx context.Context) Health

		// ValidateInput performs tool-side validation beyond the input schema.
		// Returns one string per violation; empty means valid.
		ValidateInput(capability string, input map[string]any) []string

		// Capabilities returns the capability names the executor can serve.
		Capabilities() []string
	}

	// ExecContext is the thin execution context handed to executors. It
	// carries identity and timing only; cancellation travels on the
	// context.Context parameter.
	ExecContext struct {
		// UserID identifies the requesting user.
		UserID string `json:"user_id"`

		// SessionID identifies the transport session, when known.
		SessionID string `json:"session_id,omitempty"`

		// ConversationID identifies the conversation, when known.
		ConversationID string `json:"conversation_id,omitempty"`

		// TraceID propagates the request trace for correlation.
		TraceID string `json:"trace_id,omitempty"`

		// Timeout is the remaining execution budget granted to the tool.
		Timeout time.Duration `json:"-"`
	}

	// Health is the result of an executor health check.
	Health struct {
		// Healthy reports overall readiness.
		Healthy bool `json:"healthy"`

		// Component names the checked backend (e.g., "scada_bridge").
		Component string `json:"component"`

		// Message carries optional detail, typically on failure.
		Message string `json:"message,omitempty"`
	}
)
