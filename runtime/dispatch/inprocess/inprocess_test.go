package inprocess

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

func TestExecuteRoutesByCapability(t *testing.T) {
	exec := New("calc").
		Handle("add", func(_ context.Context, input map[string]any, _ tools.ExecContext) (any, error) {
			a, _ := input["a"].(float64)
			b, _ := input["b"].(float64)
			return map[string]any{"success": true, "data": map[string]any{"sum": a + b}}, nil
		})

	raw, err := exec.Execute(context.Background(), "add", map[string]any{"a": 2.0, "b": 3.0}, tools.ExecContext{})
	require.NoError(t, err)
	m := raw.(map[string]any)
	require.Equal(t, 5.0, m["data"].(map[string]any)["sum"])
}

func TestExecuteUnknownCapability(t *testing.T) {
	exec := New("calc")
	_, err := exec.Execute(context.Background(), "divide", nil, tools.ExecContext{})
	require.Equal(t, toolerrors.CodeUnknownCapability, toolerrors.CodeOf(err))
}

func TestValidateInput(t *testing.T) {
	exec := New("calc").
		Handle("add", func(context.Context, map[string]any, tools.ExecContext) (any, error) { return nil, nil }).
		Validate("add", func(input map[string]any) []string {
			if _, ok := input["a"]; !ok {
				return []string{"a: required"}
			}
			return nil
		})

	require.Equal(t, []string{"a: required"}, exec.ValidateInput("add", map[string]any{}))
	require.Empty(t, exec.ValidateInput("add", map[string]any{"a": 1.0}))
	require.Empty(t, exec.ValidateInput("other", nil))
}

func TestCapabilitiesSorted(t *testing.T) {
	exec := New("calc").
		Handle("subtract", func(context.Context, map[string]any, tools.ExecContext) (any, error) { return nil, nil }).
		Handle("add", func(context.Context, map[string]any, tools.ExecContext) (any, error) { return nil, nil })
	require.Equal(t, []string{"add", "subtract"}, exec.Capabilities())
	require.True(t, exec.HealthCheck(context.Background()).Healthy)
}
