// Package toolerrors provides structured error types for tool invocation
// failures. Every failure surfaced by the execution pipeline carries a Code
// from the taxonomy below so transports can map it to their wire format
// without parsing message strings. ToolError preserves error chains and
// supports errors.Is/As while remaining serializable.
package toolerrors

import (
	"errors"
	"fmt"
)

// Code identifies the failure class of a tool invocation. Codes are stable
// identifiers used in results, events, and audit records.
type Code string

const (
	// CodeInvalidEnvelope indicates required envelope fields were missing or
	// malformed. No pipeline state is created for such requests.
	CodeInvalidEnvelope Code = "InvalidEnvelope"

	// CodeUnknownTool indicates the requested tool is not registered.
	CodeUnknownTool Code = "UnknownTool"

	// CodeUnknownCapability indicates the tool exists but does not expose the
	// requested capability.
	CodeUnknownCapability Code = "UnknownCapability"

	// CodeDuplicateTool indicates a registration conflict on tool name.
	CodeDuplicateTool Code = "DuplicateTool"

	// CodeInvalidInput indicates the parameters failed input-schema validation.
	// Violations lists each failure.
	CodeInvalidInput Code = "InvalidInput"

	// CodeUnauthorized indicates the user lacks a grant or permission for the
	// tool. Audit logged.
	CodeUnauthorized Code = "Unauthorized"

	// CodePolicyDenied indicates the security gate denied the operation.
	// Audit logged.
	CodePolicyDenied Code = "PolicyDenied"

	// CodeUserDenied indicates the user rejected a confirmation prompt.
	CodeUserDenied Code = "UserDenied"

	// CodeConfirmationTimeout indicates the user did not confirm in time. A
	// future identical request re-prompts.
	CodeConfirmationTimeout Code = "ConfirmationTimeout"

	// CodeRateLimited indicates the per-(tool,user) sliding window was
	// exceeded. Results carry a retry-after hint. Audit logged.
	CodeRateLimited Code = "RateLimited"

	// CodeTimeout indicates the executor exceeded the envelope timeout. The
	// request may be retried; timeouts are never cached.
	CodeTimeout Code = "Timeout"

	// CodeCancelled indicates external cancellation interrupted execution.
	// The request may be retried; cancellations are never cached.
	CodeCancelled Code = "Cancelled"

	// CodeExecutorError indicates the tool itself failed during execution.
	// Audit logged with sanitized parameters; never cached.
	CodeExecutorError Code = "ExecutorError"

	// CodeInvalidExecutorResponse indicates the tool returned a shape the
	// dispatcher could not normalize. Treated as a tool bug.
	CodeInvalidExecutorResponse Code = "InvalidExecutorResponse"
)

// ToolError represents a structured tool failure that preserves code, message
// and causal context while implementing the standard error interface. Errors
// may be nested via Cause to retain diagnostics across adapter and retry hops.
type ToolError struct {
	// Code classifies the failure.
	Code Code
	// Message is the human-readable summary of the failure.
	Message string
	// Violations lists per-field validation failures for CodeInvalidInput.
	Violations []string
	// RetryAfterMS hints how long callers should back off before retrying.
	// Zero means no hint. Only populated on retryable codes.
	RetryAfterMS int64
	// Cause links to the underlying tool error, enabling error chains with
	// errors.Is/As.
	Cause *ToolError
}

// New constructs a ToolError with the provided code and message.
func New(code Code, message string) *ToolError {
	if message == "" {
		message = string(code)
	}
	return &ToolError{Code: code, Message: message}
}

// Newf constructs a ToolError with a formatted message.
func Newf(code Code, format string, args ...any) *ToolError {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithCause constructs a ToolError that wraps an underlying error. The
// cause is converted into a ToolError chain so metadata survives
// serialization while still supporting errors.Is/As through Unwrap.
func NewWithCause(code Code, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Code:    code,
		Message: message,
		Cause:   FromError(cause),
	}
}

// Invalid constructs a CodeInvalidInput error carrying each violation.
func Invalid(violations []string) *ToolError {
	return &ToolError{
		Code:       CodeInvalidInput,
		Message:    fmt.Sprintf("input validation failed: %d violation(s)", len(violations)),
		Violations: violations,
	}
}

// FromError converts an arbitrary error into a ToolError chain. Unknown
// errors are classified as CodeExecutorError.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Code:    CodeExecutorError,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// CodeOf extracts the taxonomy code from an arbitrary error. Errors outside
// the taxonomy report CodeExecutorError; nil reports the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *ToolError
	if errors.As(err, &te) && te.Code != "" {
		return te.Code
	}
	return CodeExecutorError
}

// Retryable reports whether callers may retry a failure with this code.
// Validation, authorization, and policy failures are final.
func (c Code) Retryable() bool {
	switch c {
	case CodeTimeout, CodeCancelled, CodeExecutorError, CodeRateLimited, CodeConfirmationTimeout:
		return true
	default:
		return false
	}
}

// WithRetryAfter attaches a backoff hint and returns the same error for
// chaining.
func (e *ToolError) WithRetryAfter(ms int64) *ToolError {
	e.RetryAfterMS = ms
	return e
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
