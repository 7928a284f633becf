package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

// stubExecutor satisfies tools.Executor for registration tests.
type stubExecutor struct {
	caps []string
}

var _ tools.Executor = (*stubExecutor)(nil)

func (s *stubExecutor) Execute(context.Context, string, map[string]any, tools.ExecContext) (any, error) {
	return map[string]any{"success": true}, nil
}

func (s *stubExecutor) HealthCheck(context.Context) tools.Health {
	return tools.Health{Healthy: true, Component: "stub"}
}

func (s *stubExecutor) ValidateInput(string, map[string]any) []string { return nil }

func (s *stubExecutor) Capabilities() []string { return s.caps }

func fileTool() tools.Metadata {
	return tools.Metadata{
		Name:        "file_tool",
		Version:     "1.0.0",
		Description: "reads and writes files",
		ToolType:    "local",
		Capabilities: []tools.Capability{
			{Name: "read", Description: "read a file"},
			{Name: "write", Description: "write a file"},
		},
		RequiredPermissions: []string{"files:write"},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.Register(fileTool(), &stubExecutor{caps: []string{"read", "write"}}))

	desc, err := r.Resolve("file_tool", "write")
	require.NoError(t, err)
	require.Equal(t, "file_tool", desc.Tool.Name)
	require.Equal(t, "write", desc.Capability.Name)
	require.NotNil(t, desc.Executor)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.Register(fileTool(), &stubExecutor{}))

	err := r.Register(fileTool(), &stubExecutor{})
	require.Equal(t, toolerrors.CodeDuplicateTool, toolerrors.CodeOf(err))
}

func TestRegisterRejectsIncompleteMetadata(t *testing.T) {
	r := New(Options{})

	err := r.Register(tools.Metadata{Name: "empty"}, &stubExecutor{})
	require.Equal(t, toolerrors.CodeInvalidInput, toolerrors.CodeOf(err))

	err = r.Register(fileTool(), nil)
	require.Equal(t, toolerrors.CodeInvalidInput, toolerrors.CodeOf(err))
}

func TestResolveDistinguishesUnknownToolAndCapability(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.Register(fileTool(), &stubExecutor{}))

	_, err := r.Resolve("missing_tool", "read")
	require.Equal(t, toolerrors.CodeUnknownTool, toolerrors.CodeOf(err))

	_, err = r.Resolve("file_tool", "explode")
	require.Equal(t, toolerrors.CodeUnknownCapability, toolerrors.CodeOf(err))
}

func TestEffectiveSetIsUserUnionSystem(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.Register(fileTool(), &stubExecutor{}))
	other := fileTool()
	other.Name = "task_tool"
	other.RequiredPermissions = nil
	require.NoError(t, r.Register(other, &stubExecutor{}))

	require.NoError(t, r.Grant(SystemUser, "task_tool"))
	require.NoError(t, r.Grant("u1", "file_tool"))

	names := func(list []tools.Metadata) []string {
		out := make([]string, len(list))
		for i, md := range list {
			out[i] = md.Name
		}
		return out
	}

	require.ElementsMatch(t, []string{"file_tool", "task_tool"}, names(r.ListForUser("u1")))
	require.ElementsMatch(t, []string{"task_tool"}, names(r.ListForUser("u2")))
	require.True(t, r.HasAccess("u2", "task_tool"))
	require.False(t, r.HasAccess("u2", "file_tool"))
}

func TestGrantRevokeFireInvalidation(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.Register(fileTool(), &stubExecutor{}))

	var invalidated []string
	r.OnInvalidate(func(userID string) { invalidated = append(invalidated, userID) })

	require.NoError(t, r.Grant("u1", "file_tool"))
	require.NoError(t, r.Revoke("u1", "file_tool"))
	require.Equal(t, []string{"u1", "u1"}, invalidated)

	err := r.Grant("u1", "missing_tool")
	require.Equal(t, toolerrors.CodeUnknownTool, toolerrors.CodeOf(err))
}

func TestSyncCapabilitiesReindexesAndInvalidatesAll(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.Register(fileTool(), &stubExecutor{}))

	var invalidated []string
	r.OnInvalidate(func(userID string) { invalidated = append(invalidated, userID) })

	md := fileTool()
	md.Capabilities = []tools.Capability{{Name: "read", Description: "read a file"}}
	require.NoError(t, r.SyncCapabilities(md))

	_, err := r.Resolve("file_tool", "write")
	require.Equal(t, toolerrors.CodeUnknownCapability, toolerrors.CodeOf(err))
	require.Equal(t, []string{""}, invalidated)
}

func TestAuthorize(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.Register(fileTool(), &stubExecutor{}))
	require.NoError(t, r.Grant("u1", "file_tool"))

	require.NoError(t, r.Authorize("u1", "file_tool", []string{"files:write"}))

	err := r.Authorize("u1", "file_tool", nil)
	require.Equal(t, toolerrors.CodeUnauthorized, toolerrors.CodeOf(err))

	err = r.Authorize("u2", "file_tool", []string{"files:write"})
	require.Equal(t, toolerrors.CodeUnauthorized, toolerrors.CodeOf(err))
}

func TestRateLimitThirdCallRejected(t *testing.T) {
	r := New(Options{})
	md := fileTool()
	md.RateLimitPerMinute = 2
	require.NoError(t, r.Register(md, &stubExecutor{}))

	require.NoError(t, r.Allow("file_tool", "u1"))
	require.NoError(t, r.Allow("file_tool", "u1"))

	err := r.Allow("file_tool", "u1")
	require.Equal(t, toolerrors.CodeRateLimited, toolerrors.CodeOf(err))
	var te *toolerrors.ToolError
	require.ErrorAs(t, err, &te)
	require.Greater(t, te.RetryAfterMS, int64(0))

	// Another user has an independent window.
	require.NoError(t, r.Allow("file_tool", "u2"))
}

func TestRateLimitUnlimitedByDefault(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.Register(fileTool(), &stubExecutor{}))
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Allow("file_tool", "u1"))
	}
}
