package toolerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromErrorPreservesChain(t *testing.T) {
	root := New(CodeTimeout, "deadline exceeded")
	wrapped := fmt.Errorf("adapter: %w", root)

	te := FromError(wrapped)
	require.Equal(t, CodeExecutorError, te.Code)

	var inner *ToolError
	require.True(t, errors.As(te, &inner))
	require.NotNil(t, te.Cause)
	require.Equal(t, CodeTimeout, te.Cause.Code)
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, Code(""), CodeOf(nil))
	require.Equal(t, CodePolicyDenied, CodeOf(New(CodePolicyDenied, "denied path")))
	require.Equal(t, CodeExecutorError, CodeOf(errors.New("plain")))
}

func TestInvalidCarriesViolations(t *testing.T) {
	te := Invalid([]string{"a: required", "b: not a string"})
	require.Equal(t, CodeInvalidInput, te.Code)
	require.Len(t, te.Violations, 2)
	require.Contains(t, te.Error(), "2 violation(s)")
}

func TestRetryableCodes(t *testing.T) {
	require.True(t, CodeTimeout.Retryable())
	require.True(t, CodeCancelled.Retryable())
	require.True(t, CodeRateLimited.Retryable())
	require.False(t, CodeInvalidInput.Retryable())
	require.False(t, CodePolicyDenied.Retryable())
	require.False(t, CodeUnauthorized.Retryable())
}

func TestWithRetryAfter(t *testing.T) {
	te := New(CodeRateLimited, "window exhausted").WithRetryAfter(1500)
	require.EqualValues(t, 1500, te.RetryAfterMS)
}
