package stdiorpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

// fakeTool simulates a child process over in-memory pipes. The handler may
// reply zero or more times, in any order.
func fakeTool(t *testing.T, handler func(req request, reply func(*response))) *Executor {
	t.Helper()
	toTool, fromExec := io.Pipe()
	toExec, fromTool := io.Pipe()

	var encMu sync.Mutex
	enc := json.NewEncoder(fromTool)
	reply := func(resp *response) {
		encMu.Lock()
		defer encMu.Unlock()
		enc.Encode(resp)
	}

	go func() {
		scanner := bufio.NewScanner(toTool)
		for scanner.Scan() {
			var req request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			handler(req, reply)
		}
		fromTool.Close()
	}()

	exec := NewConn(fromExec, toExec, "fake_tool", "read_tag")
	t.Cleanup(func() {
		fromExec.Close()
		toExec.Close()
	})
	return exec
}

func TestExecuteRoundTrip(t *testing.T) {
	exec := fakeTool(t, func(req request, reply func(*response)) {
		require.Equal(t, "2.0", req.JSONRPC)
		require.Equal(t, "execute", req.Method)
		require.Equal(t, "read_tag", req.Params.Capability)
		reply(&response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"success": true,
			"data":    map[string]any{"value": 17.0},
		}})
	})

	raw, err := exec.Execute(context.Background(), "read_tag",
		map[string]any{"tag": "FT-101"}, tools.ExecContext{UserID: "u1"})
	require.NoError(t, err)
	m := raw.(map[string]any)
	require.Equal(t, true, m["success"])
}

func TestExecuteRPCError(t *testing.T) {
	exec := fakeTool(t, func(req request, reply func(*response)) {
		reply(&response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32000, Message: "tag not found"}})
	})

	_, err := exec.Execute(context.Background(), "read_tag", nil, tools.ExecContext{})
	require.Equal(t, toolerrors.CodeExecutorError, toolerrors.CodeOf(err))
	require.Contains(t, err.Error(), "tag not found")
}

func TestResponsesCorrelateByID(t *testing.T) {
	// Hold the first request's response until the second request has been
	// answered, proving correlation by id rather than FIFO order.
	var mu sync.Mutex
	var held *request
	exec := fakeTool(t, func(req request, reply func(*response)) {
		seq, _ := req.Params.Input["seq"].(string)
		if seq == "first" {
			mu.Lock()
			r := req
			held = &r
			mu.Unlock()
			return
		}
		reply(&response{JSONRPC: "2.0", ID: req.ID,
			Result: map[string]any{"success": true, "data": map[string]any{"seq": "second"}}})
		mu.Lock()
		first := held
		mu.Unlock()
		reply(&response{JSONRPC: "2.0", ID: first.ID,
			Result: map[string]any{"success": true, "data": map[string]any{"seq": "first"}}})
	})

	type outcome struct {
		raw any
		err error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		raw, err := exec.Execute(context.Background(), "read_tag", map[string]any{"seq": "first"}, tools.ExecContext{})
		firstDone <- outcome{raw, err}
	}()

	// Let the first call hit the wire before issuing the second.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return held != nil
	}, time.Second, 5*time.Millisecond)

	raw, err := exec.Execute(context.Background(), "read_tag", map[string]any{"seq": "second"}, tools.ExecContext{})
	require.NoError(t, err)
	require.Equal(t, "second", raw.(map[string]any)["data"].(map[string]any)["seq"])

	got := <-firstDone
	require.NoError(t, got.err)
	require.Equal(t, "first", got.raw.(map[string]any)["data"].(map[string]any)["seq"])
}

func TestExecuteContextCancellation(t *testing.T) {
	exec := fakeTool(t, func(request, func(*response)) {})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := exec.Execute(ctx, "read_tag", nil, tools.ExecContext{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeCloseFailsPending(t *testing.T) {
	toTool, fromExec := io.Pipe()
	toExec, fromTool := io.Pipe()
	exec := NewConn(fromExec, toExec, "fake_tool")

	go func() {
		// Swallow the request, then simulate process exit.
		buf := make([]byte, 4096)
		toTool.Read(buf)
		fromTool.Close()
	}()

	_, err := exec.Execute(context.Background(), "read_tag", nil, tools.ExecContext{})
	require.Equal(t, toolerrors.CodeExecutorError, toolerrors.CodeOf(err))

	// Subsequent calls fail fast without writing.
	_, err = exec.Execute(context.Background(), "read_tag", nil, tools.ExecContext{})
	require.Equal(t, toolerrors.CodeExecutorError, toolerrors.CodeOf(err))
}

func TestHealthCheckPing(t *testing.T) {
	exec := fakeTool(t, func(req request, reply func(*response)) {
		require.Equal(t, "ping", req.Method)
		reply(&response{JSONRPC: "2.0", ID: req.ID, Result: "pong"})
	})
	h := exec.HealthCheck(context.Background())
	require.True(t, h.Healthy)
	require.Equal(t, "fake_tool", h.Component)
}
