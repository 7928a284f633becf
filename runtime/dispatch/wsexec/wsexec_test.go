package wsexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

// fakeToolServer upgrades the connection and lets the handler answer each
// call frame with any sequence of frames.
func fakeToolServer(t *testing.T, handler func(conn *websocket.Conn, f frame)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			handler(conn, f)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeFrame(t *testing.T, conn *websocket.Conn, f frame) {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestExecuteStreamsProgressThenResult(t *testing.T) {
	srv := fakeToolServer(t, func(conn *websocket.Conn, f frame) {
		require.Equal(t, "call", f.Type)
		require.Equal(t, "tail_log", f.Capability)
		writeFrame(t, conn, frame{Type: "progress", ID: f.ID, Payload: map[string]any{"line": "starting"}})
		writeFrame(t, conn, frame{Type: "progress", ID: f.ID, Payload: map[string]any{"line": "halfway"}})
		writeFrame(t, conn, frame{Type: "result", ID: f.ID, Result: map[string]any{
			"success": true,
			"data":    map[string]any{"lines": 2.0},
		}})
	})

	exec, err := Dial(context.Background(), Options{URL: wsURL(srv), Capabilities: []string{"tail_log"}})
	require.NoError(t, err)
	defer exec.Close()

	var lines []string
	ctx := tools.WithProgress(context.Background(), func(payload map[string]any) {
		if line, ok := payload["line"].(string); ok {
			lines = append(lines, line)
		}
	})

	raw, err := exec.Execute(ctx, "tail_log", map[string]any{"path": "/var/log/app"}, tools.ExecContext{})
	require.NoError(t, err)
	require.Equal(t, []string{"starting", "halfway"}, lines)
	require.Equal(t, 2.0, raw.(map[string]any)["data"].(map[string]any)["lines"])
}

func TestExecuteErrorFrame(t *testing.T) {
	srv := fakeToolServer(t, func(conn *websocket.Conn, f frame) {
		writeFrame(t, conn, frame{Type: "result", ID: f.ID, Error: "stream source gone"})
	})

	exec, err := Dial(context.Background(), Options{URL: wsURL(srv)})
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Execute(context.Background(), "tail_log", nil, tools.ExecContext{})
	require.Equal(t, toolerrors.CodeExecutorError, toolerrors.CodeOf(err))
	require.Contains(t, err.Error(), "stream source gone")
}

func TestConcurrentCallsCorrelateByID(t *testing.T) {
	srv := fakeToolServer(t, func(conn *websocket.Conn, f frame) {
		echo, _ := f.Input["echo"].(string)
		writeFrame(t, conn, frame{Type: "result", ID: f.ID, Result: map[string]any{
			"success": true,
			"data":    map[string]any{"echo": echo},
		}})
	})

	exec, err := Dial(context.Background(), Options{URL: wsURL(srv)})
	require.NoError(t, err)
	defer exec.Close()

	done := make(chan error, 2)
	for _, echo := range []string{"alpha", "beta"} {
		go func(echo string) {
			raw, err := exec.Execute(context.Background(), "tail_log", map[string]any{"echo": echo}, tools.ExecContext{})
			if err == nil && raw.(map[string]any)["data"].(map[string]any)["echo"] != echo {
				err = toolerrors.Newf(toolerrors.CodeExecutorError, "cross-wired response for %s", echo)
			}
			done <- err
		}(echo)
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestExecuteContextCancellation(t *testing.T) {
	srv := fakeToolServer(t, func(*websocket.Conn, frame) {})

	exec, err := Dial(context.Background(), Options{URL: wsURL(srv)})
	require.NoError(t, err)
	defer exec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = exec.Execute(ctx, "tail_log", nil, tools.ExecContext{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServerCloseFailsCallsAndHealth(t *testing.T) {
	srv := fakeToolServer(t, func(conn *websocket.Conn, _ frame) {
		conn.Close()
	})

	exec, err := Dial(context.Background(), Options{URL: wsURL(srv)})
	require.NoError(t, err)
	require.True(t, exec.HealthCheck(context.Background()).Healthy)

	_, err = exec.Execute(context.Background(), "tail_log", nil, tools.ExecContext{})
	require.Equal(t, toolerrors.CodeExecutorError, toolerrors.CodeOf(err))

	require.Eventually(t, func() bool {
		return !exec.HealthCheck(context.Background()).Healthy
	}, time.Second, 10*time.Millisecond)
}
