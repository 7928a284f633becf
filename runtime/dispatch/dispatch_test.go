package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opforge/toolrun/runtime/envelope"
	"github.com/opforge/toolrun/runtime/registry"
	"github.com/opforge/toolrun/runtime/result"
	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

// scriptedExecutor lets each test control the executor behavior in-file.
type scriptedExecutor struct {
	execute    func(ctx context.Context, capability string, input map[string]any, ec tools.ExecContext) (any, error)
	violations []string
}

var _ tools.Executor = (*scriptedExecutor)(nil)

func (s *scriptedExecutor) Execute(ctx context.Context, capability string, input map[string]any, ec tools.ExecContext) (any, error) {
	if s.execute == nil {
		return map[string]any{"success": true}, nil
	}
	return s.execute(ctx, capability, input, ec)
}

func (s *scriptedExecutor) HealthCheck(context.Context) tools.Health {
	return tools.Health{Healthy: true, Component: "scripted"}
}

func (s *scriptedExecutor) ValidateInput(string, map[string]any) []string { return s.violations }

func (s *scriptedExecutor) Capabilities() []string { return []string{"write"} }

func descriptor(exec tools.Executor, schema map[string]any) *registry.Descriptor {
	md := tools.Metadata{
		Name:        "file_tool",
		RiskLevel:   tools.RiskMedium,
		SideEffects: []string{"writes the target file"},
		Capabilities: []tools.Capability{
			{Name: "write", InputSchema: schema},
		},
	}
	return &registry.Descriptor{Tool: md, Capability: md.Capabilities[0], Executor: exec}
}

func newEnvelope(t *testing.T, params map[string]any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.Request{
		ToolName:       "file_tool",
		CapabilityName: "write",
		Parameters:     params,
		Context:        envelope.RequestContext{CompanyID: "acme", UserID: "u1"},
	})
	require.NoError(t, err)
	return env
}

func TestDispatchNormalizesTriple(t *testing.T) {
	exec := &scriptedExecutor{
		execute: func(context.Context, string, map[string]any, tools.ExecContext) (any, error) {
			return map[string]any{"success": true, "data": map[string]any{"bytes": 12}}, nil
		},
	}
	d := New(Options{})
	res := d.Dispatch(context.Background(), descriptor(exec, nil), newEnvelope(t, map[string]any{"path": "/tmp/a"}))

	require.True(t, res.Success)
	require.Equal(t, map[string]any{"bytes": 12}, res.Data)
	require.Equal(t, tools.OpWrite, res.OperationType)
	require.Equal(t, tools.RiskMedium, res.RiskLevel)
}

func TestDispatchSchemaValidation(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"path", "content"},
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
	}
	called := false
	exec := &scriptedExecutor{
		execute: func(context.Context, string, map[string]any, tools.ExecContext) (any, error) {
			called = true
			return map[string]any{"success": true}, nil
		},
	}
	d := New(Options{})

	res := d.Dispatch(context.Background(), descriptor(exec, schema), newEnvelope(t, map[string]any{"path": 7}))
	require.False(t, res.Success)
	require.Equal(t, toolerrors.CodeInvalidInput, res.ErrorCode)
	require.False(t, called)

	res = d.Dispatch(context.Background(), descriptor(exec, schema),
		newEnvelope(t, map[string]any{"path": "/tmp/a", "content": "hello"}))
	require.True(t, res.Success)
	require.True(t, called)
}

func TestDispatchExecutorValidation(t *testing.T) {
	exec := &scriptedExecutor{violations: []string{"path: outside workspace"}}
	d := New(Options{})
	res := d.Dispatch(context.Background(), descriptor(exec, nil), newEnvelope(t, map[string]any{"path": "/etc"}))
	require.False(t, res.Success)
	require.Equal(t, toolerrors.CodeInvalidInput, res.ErrorCode)
}

func TestDispatchDryRunSkipsExecutor(t *testing.T) {
	called := false
	exec := &scriptedExecutor{
		execute: func(context.Context, string, map[string]any, tools.ExecContext) (any, error) {
			called = true
			return nil, nil
		},
	}
	d := New(Options{})
	env := newEnvelope(t, map[string]any{"path": "/tmp/a"})
	env.DryRun = true

	res := d.Dispatch(context.Background(), descriptor(exec, nil), env)
	require.True(t, res.Success)
	require.False(t, called)
	require.Equal(t, true, res.Data["dry_run"])
	require.Equal(t, []string{"writes the target file"}, res.Data["projected_side_effects"])
}

func TestDispatchTimeout(t *testing.T) {
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, _ string, _ map[string]any, _ tools.ExecContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	d := New(Options{})
	env := newEnvelope(t, map[string]any{"path": "/tmp/a"})
	env.TimeoutSeconds = 1

	start := time.Now()
	res := d.Dispatch(context.Background(), descriptor(exec, nil), env)
	require.False(t, res.Success)
	require.Equal(t, toolerrors.CodeTimeout, res.ErrorCode)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestDispatchCancellation(t *testing.T) {
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, _ string, _ map[string]any, _ tools.ExecContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	d := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res := d.Dispatch(ctx, descriptor(exec, nil), newEnvelope(t, map[string]any{"path": "/tmp/a"}))
	require.False(t, res.Success)
	require.Equal(t, toolerrors.CodeCancelled, res.ErrorCode)
}

func TestDispatchExecutorError(t *testing.T) {
	exec := &scriptedExecutor{
		execute: func(context.Context, string, map[string]any, tools.ExecContext) (any, error) {
			return nil, errors.New("scada bridge unreachable")
		},
	}
	d := New(Options{})
	res := d.Dispatch(context.Background(), descriptor(exec, nil), newEnvelope(t, map[string]any{"path": "/tmp/a"}))
	require.False(t, res.Success)
	require.Equal(t, toolerrors.CodeExecutorError, res.ErrorCode)
	require.Contains(t, res.Error, "scada bridge unreachable")
}

func TestDispatchInvalidExecutorResponse(t *testing.T) {
	exec := &scriptedExecutor{
		execute: func(context.Context, string, map[string]any, tools.ExecContext) (any, error) {
			return 42, nil
		},
	}
	d := New(Options{})
	res := d.Dispatch(context.Background(), descriptor(exec, nil), newEnvelope(t, map[string]any{"path": "/tmp/a"}))
	require.False(t, res.Success)
	require.Equal(t, toolerrors.CodeInvalidExecutorResponse, res.ErrorCode)
}

func TestNormalizeShapes(t *testing.T) {
	t.Run("result_pointer_passthrough", func(t *testing.T) {
		in := result.OK("old", map[string]any{"x": 1})
		res, err := normalize(in, "req-9")
		require.NoError(t, err)
		require.Equal(t, "req-9", res.RequestID)
		require.Equal(t, map[string]any{"x": 1}, res.Data)
	})

	t.Run("failed_triple", func(t *testing.T) {
		res, err := normalize(map[string]any{"success": false, "error": "no such tag"}, "req-9")
		require.NoError(t, err)
		require.False(t, res.Success)
		require.Equal(t, "no such tag", res.Error)
		require.Equal(t, toolerrors.CodeExecutorError, res.ErrorCode)
	})

	t.Run("struct_with_triple_fields", func(t *testing.T) {
		res, err := normalize(struct {
			Success bool           `json:"success"`
			Data    map[string]any `json:"data"`
		}{Success: true, Data: map[string]any{"ok": true}}, "req-9")
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, map[string]any{"ok": true}, res.Data)
	})

	t.Run("scalar_data_wrapped", func(t *testing.T) {
		res, err := normalize(map[string]any{"success": true, "data": "done"}, "req-9")
		require.NoError(t, err)
		require.Equal(t, map[string]any{"value": "done"}, res.Data)
	})

	t.Run("extras", func(t *testing.T) {
		res, err := normalize(map[string]any{
			"success":        true,
			"side_effects":   []any{"pump P-101 started"},
			"rollback_token": "rb-1",
			"operation_type": "execute",
			"risk_level":     "high",
		}, "req-9")
		require.NoError(t, err)
		require.Equal(t, []string{"pump P-101 started"}, res.SideEffects)
		require.Equal(t, "rb-1", res.RollbackToken)
		require.Equal(t, tools.OpExecute, res.OperationType)
		require.Equal(t, tools.RiskHigh, res.RiskLevel)
	})

	t.Run("missing_success_rejected", func(t *testing.T) {
		_, err := normalize(map[string]any{"data": map[string]any{}}, "req-9")
		require.Equal(t, toolerrors.CodeInvalidExecutorResponse, toolerrors.CodeOf(err))
	})
}
