// Package stdiorpc adapts tools that speak JSON-RPC 2.0 over a child
// process's stdin and stdout. Frames are line-delimited JSON objects; a
// single reader goroutine correlates responses to in-flight calls by id.
// The adapter owns the process lifecycle and exposes a ping-based health
// check.
package stdiorpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

// maxFrameBytes bounds a single response line.
const maxFrameBytes = 8 << 20

type (
	// Options configures a child-process executor.
	Options struct {
		// Command is the argv of the tool process. Required for New.
		Command []string

		// Dir is the working directory for the child. Empty inherits.
		Dir string

		// Env is the child environment. Nil inherits.
		Env []string

		// Component names the backend in health reports. Defaults to the
		// command name.
		Component string

		// Capabilities lists the capability names the tool serves.
		Capabilities []string
	}

	// Executor drives one JSON-RPC tool process. Safe for concurrent use;
	// calls multiplex over the single pipe pair.
	Executor struct {
		component    string
		capabilities []string

		writeMu sync.Mutex
		w       io.Writer

		mu      sync.Mutex
		pending map[int64]chan *response
		closed  bool
		readErr error

		nextID atomic.Int64
		done   chan struct{}

		cmd   *exec.Cmd
		stdin io.Closer
	}

	request struct {
		JSONRPC string     `json:"jsonrpc"`
		ID      int64      `json:"id"`
		Method  string     `json:"method"`
		Params  callParams `json:"params,omitempty"`
	}

	callParams struct {
		Capability string            `json:"capability,omitempty"`
		Input      map[string]any    `json:"input,omitempty"`
		Context    tools.ExecContext `json:"context,omitempty"`
	}

	response struct {
		JSONRPC string    `json:"jsonrpc"`
		ID      int64     `json:"id"`
		Result  any       `json:"result,omitempty"`
		Error   *rpcError `json:"error,omitempty"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
)

var _ tools.Executor = (*Executor)(nil)

// New spawns the tool process and starts the response reader.
func New(opts Options) (*Executor, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("stdiorpc: Command is required")
	}
	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdiorpc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdiorpc: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdiorpc: start %s: %w", opts.Command[0], err)
	}
	component := opts.Component
	if component == "" {
		component = opts.Command[0]
	}
	e := NewConn(stdin, stdout, component, opts.Capabilities...)
	e.cmd = cmd
	e.stdin = stdin
	return e, nil
}

// NewConn wires an executor over an existing pipe pair. Used by New and by
// tests that substitute in-memory pipes for a real process.
func NewConn(w io.Writer, r io.Reader, component string, capabilities ...string) *Executor {
	e := &Executor{
		component:    component,
		capabilities: append([]string(nil), capabilities...),
		w:            w,
		pending:      make(map[int64]chan *response),
		done:         make(chan struct{}),
	}
	go e.readLoop(r)
	return e
}

// Execute sends an "execute" call and waits for the correlated response.
func (e *Executor) Execute(ctx context.Context, capability string, input map[string]any, ec tools.ExecContext) (any, error) {
	resp, err := e.call(ctx, "execute", callParams{Capability: capability, Input: input, Context: ec})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// HealthCheck pings the process. A tool is healthy when it answers the ping
// within two seconds.
func (e *Executor) HealthCheck(ctx context.Context) tools.Health {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := e.call(ctx, "ping", callParams{}); err != nil {
		return tools.Health{Component: e.component, Message: err.Error()}
	}
	return tools.Health{Healthy: true, Component: e.component}
}

// ValidateInput is a no-op; the tool process validates on its side.
func (e *Executor) ValidateInput(string, map[string]any) []string { return nil }

// Capabilities returns the configured capability names.
func (e *Executor) Capabilities() []string {
	return append([]string(nil), e.capabilities...)
}

// Close stops accepting calls, closes the child's stdin, and waits for the
// process to exit. Pending calls fail.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var err error
	if e.stdin != nil {
		err = e.stdin.Close()
	}
	if e.cmd != nil {
		if werr := e.cmd.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (e *Executor) call(ctx context.Context, method string, params callParams) (any, error) {
	id := e.nextID.Add(1)
	ch := make(chan *response, 1)

	e.mu.Lock()
	if e.closed {
		readErr := e.readErr
		e.mu.Unlock()
		return nil, transportError(readErr)
	}
	e.pending[id] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}()

	if err := e.send(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, toolerrors.NewWithCause(toolerrors.CodeExecutorError, "write to tool process", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		e.mu.Lock()
		readErr := e.readErr
		e.mu.Unlock()
		return nil, transportError(readErr)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, toolerrors.Newf(toolerrors.CodeExecutorError,
				"tool process error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (e *Executor) send(req request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_, err = e.w.Write(raw)
	return err
}

// readLoop consumes response lines and routes them to waiting calls. Frames
// with unknown ids are dropped; a closed or failing pipe fails every pending
// call.
func (e *Executor) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		e.mu.Lock()
		ch, ok := e.pending[resp.ID]
		e.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	e.mu.Lock()
	e.closed = true
	e.readErr = scanner.Err()
	e.mu.Unlock()
	close(e.done)
}

func transportError(readErr error) error {
	if readErr != nil {
		return toolerrors.NewWithCause(toolerrors.CodeExecutorError, "tool process pipe failed", readErr)
	}
	return toolerrors.New(toolerrors.CodeExecutorError, "tool process exited")
}
