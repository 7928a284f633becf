// Package wsexec adapts streaming tools reached over a WebSocket. One
// persistent connection multiplexes calls: the adapter writes call frames,
// surfaces intermediate progress frames through the progress reporter on the
// call context, and resolves each call on its terminal result frame. A
// ping/pong keepalive detects dead peers.
package wsexec

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

// DefaultPingInterval is the keepalive cadence when Options does not set one.
const DefaultPingInterval = 30 * time.Second

type (
	// Options configures a streaming executor.
	Options struct {
		// URL is the ws:// or wss:// tool endpoint. Required.
		URL string

		// Header is sent with the handshake (auth, tenant routing).
		Header http.Header

		// Dialer performs the handshake. Nil means websocket.DefaultDialer.
		Dialer *websocket.Dialer

		// PingInterval is the keepalive cadence. Zero means
		// DefaultPingInterval.
		PingInterval time.Duration

		// Component names the backend in health reports. Defaults to URL.
		Component string

		// Capabilities lists the capability names the tool serves.
		Capabilities []string
	}

	// Executor drives one WebSocket tool connection. Safe for concurrent
	// use; calls multiplex over the single connection.
	Executor struct {
		opts Options
		conn *websocket.Conn

		writeMu sync.Mutex

		mu      sync.Mutex
		pending map[int64]*pendingCall
		closed  bool

		nextID atomic.Int64
		done   chan struct{}
	}

	pendingCall struct {
		progress tools.ProgressFunc
		result   chan *frame
	}

	// frame is the single wire shape for both directions. Type is "call"
	// outbound and "progress" or "result" inbound.
	frame struct {
		Type       string             `json:"type"`
		ID         int64              `json:"id"`
		Capability string             `json:"capability,omitempty"`
		Input      map[string]any     `json:"input,omitempty"`
		Context    *tools.ExecContext `json:"context,omitempty"`
		Payload    map[string]any     `json:"payload,omitempty"`
		Result     map[string]any     `json:"result,omitempty"`
		Error      string             `json:"error,omitempty"`
	}
)

var _ tools.Executor = (*Executor)(nil)

// Dial connects to the tool endpoint and starts the read and keepalive
// loops.
func Dial(ctx context.Context, opts Options) (*Executor, error) {
	if opts.URL == "" {
		return nil, toolerrors.New(toolerrors.CodeExecutorError, "wsexec: URL is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Component == "" {
		opts.Component = opts.URL
	}

	conn, resp, err := opts.Dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, toolerrors.NewWithCause(toolerrors.CodeExecutorError, "dial tool websocket", err)
	}

	e := &Executor{
		opts:    opts,
		conn:    conn,
		pending: make(map[int64]*pendingCall),
		done:    make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(2 * opts.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * opts.PingInterval))
	})
	go e.readLoop()
	go e.keepalive()
	return e, nil
}

// Execute sends a call frame and waits for its terminal result frame.
// Progress frames arriving for the call are forwarded to the progress
// reporter carried by ctx.
func (e *Executor) Execute(ctx context.Context, capability string, input map[string]any, ec tools.ExecContext) (any, error) {
	id := e.nextID.Add(1)
	call := &pendingCall{
		progress: tools.ProgressFromContext(ctx),
		result:   make(chan *frame, 1),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, toolerrors.New(toolerrors.CodeExecutorError, "tool connection closed")
	}
	e.pending[id] = call
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}()

	if err := e.write(&frame{Type: "call", ID: id, Capability: capability, Input: input, Context: &ec}); err != nil {
		return nil, toolerrors.NewWithCause(toolerrors.CodeExecutorError, "write call frame", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, toolerrors.New(toolerrors.CodeExecutorError, "tool connection closed")
	case f := <-call.result:
		if f.Error != "" {
			return nil, toolerrors.New(toolerrors.CodeExecutorError, f.Error)
		}
		return f.Result, nil
	}
}

// HealthCheck reports whether the connection is still alive. Liveness is
// maintained by the keepalive loop; a missed pong tears the connection down.
func (e *Executor) HealthCheck(context.Context) tools.Health {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return tools.Health{Component: e.opts.Component, Message: "connection closed"}
	}
	return tools.Health{Healthy: true, Component: e.opts.Component}
}

// ValidateInput is a no-op; streaming tools validate on their side.
func (e *Executor) ValidateInput(string, map[string]any) []string { return nil }

// Capabilities returns the configured capability names.
func (e *Executor) Capabilities() []string {
	return append([]string(nil), e.opts.Capabilities...)
}

// Close tears down the connection. Pending calls fail.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.writeMu.Lock()
	e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	e.writeMu.Unlock()
	return e.conn.Close()
}

func (e *Executor) write(f *frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteMessage(websocket.TextMessage, raw)
}

// readLoop routes inbound frames to their pending calls. Any read failure,
// including a keepalive timeout, fails every pending call and marks the
// executor closed.
func (e *Executor) readLoop() {
	defer func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.done)
		e.conn.Close()
	}()

	for {
		_, raw, err := e.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}

		e.mu.Lock()
		call, ok := e.pending[f.ID]
		e.mu.Unlock()
		if !ok {
			continue
		}

		switch f.Type {
		case "progress":
			call.progress(f.Payload)
		case "result":
			select {
			case call.result <- &f:
			default:
			}
		}
	}
}

func (e *Executor) keepalive() {
	ticker := time.NewTicker(e.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.writeMu.Lock()
			err := e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			e.writeMu.Unlock()
			if err != nil {
				e.conn.Close()
				return
			}
		}
	}
}
