// Package httpexec adapts remote REST tools to the executor contract. Each
// call POSTs a {capability, input, context} body to the tool endpoint and
// decodes the JSON response for the dispatcher to normalize. The adapter owns
// bearer-token injection and performs a single token-refresh retry when the
// endpoint answers 401 or 403.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

// maxResponseBytes bounds how much of a tool response the adapter reads.
const maxResponseBytes = 8 << 20

type (
	// TokenSource supplies bearer tokens for the tool endpoint. Invalidate
	// drops any cached token so the next Token call fetches a fresh one.
	TokenSource interface {
		Token(ctx context.Context) (string, error)
		Invalidate()
	}

	// Options configures an Executor.
	Options struct {
		// ExecuteURL receives capability invocations. Required.
		ExecuteURL string

		// HealthURL is probed by health checks. Empty disables the probe and
		// health checks report healthy.
		HealthURL string

		// Client is the HTTP client used for all requests. Nil means a
		// default client with a 60s transport ceiling; per-call deadlines
		// still come from the request context.
		Client *http.Client

		// Tokens supplies bearer tokens. Nil sends unauthenticated requests.
		Tokens TokenSource

		// Component names the backend in health reports.
		Component string

		// Capabilities lists the capability names the remote tool serves.
		Capabilities []string
	}

	// Executor invokes a remote REST tool.
	Executor struct {
		opts Options
	}

	// callBody is the wire shape of an invocation request.
	callBody struct {
		Capability string            `json:"capability"`
		Input      map[string]any    `json:"input"`
		Context    tools.ExecContext `json:"context"`
	}

	staticToken string
)

var _ tools.Executor = (*Executor)(nil)

// New creates an Executor for a remote tool endpoint.
func New(opts Options) (*Executor, error) {
	if opts.ExecuteURL == "" {
		return nil, fmt.Errorf("httpexec: ExecuteURL is required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Component == "" {
		opts.Component = opts.ExecuteURL
	}
	return &Executor{opts: opts}, nil
}

// StaticToken returns a TokenSource that always yields the given token.
// Invalidate is a no-op, so refresh retries resend the same credential.
func StaticToken(token string) TokenSource {
	return staticToken(token)
}

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }
func (s staticToken) Invalidate()                           {}

// Execute POSTs the capability call and returns the decoded response body.
// On 401/403 the token source is invalidated and the call retried once with
// a fresh token before the failure is surfaced.
func (e *Executor) Execute(ctx context.Context, capability string, input map[string]any, ec tools.ExecContext) (any, error) {
	payload, err := json.Marshal(callBody{Capability: capability, Input: input, Context: ec})
	if err != nil {
		return nil, fmt.Errorf("encode call body: %w", err)
	}

	status, body, err := e.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	if (status == http.StatusUnauthorized || status == http.StatusForbidden) && e.opts.Tokens != nil {
		e.opts.Tokens.Invalidate()
		status, body, err = e.post(ctx, payload)
		if err != nil {
			return nil, err
		}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, toolerrors.Newf(toolerrors.CodeUnauthorized, "tool endpoint rejected credentials (%d)", status)
	}
	if status < 200 || status > 299 {
		return nil, toolerrors.Newf(toolerrors.CodeExecutorError, "tool endpoint returned %d: %s", status, truncate(body, 200))
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, toolerrors.Newf(toolerrors.CodeInvalidExecutorResponse, "tool endpoint returned non-JSON body: %v", err)
	}
	return decoded, nil
}

func (e *Executor) post(ctx context.Context, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.ExecuteURL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.opts.Tokens != nil {
		token, err := e.opts.Tokens.Token(ctx)
		if err != nil {
			return 0, nil, toolerrors.NewWithCause(toolerrors.CodeUnauthorized, "fetch bearer token", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := e.opts.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, toolerrors.NewWithCause(toolerrors.CodeExecutorError, "tool endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, toolerrors.NewWithCause(toolerrors.CodeExecutorError, "read tool response", err)
	}
	return resp.StatusCode, body, nil
}

// HealthCheck probes the configured health URL.
func (e *Executor) HealthCheck(ctx context.Context) tools.Health {
	if e.opts.HealthURL == "" {
		return tools.Health{Healthy: true, Component: e.opts.Component}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.opts.HealthURL, nil)
	if err != nil {
		return tools.Health{Component: e.opts.Component, Message: err.Error()}
	}
	resp, err := e.opts.Client.Do(req)
	if err != nil {
		return tools.Health{Component: e.opts.Component, Message: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return tools.Health{Component: e.opts.Component, Message: fmt.Sprintf("health endpoint returned %d", resp.StatusCode)}
	}
	return tools.Health{Healthy: true, Component: e.opts.Component}
}

// ValidateInput is a no-op; remote tools validate server side.
func (e *Executor) ValidateInput(string, map[string]any) []string { return nil }

// Capabilities returns the configured capability names.
func (e *Executor) Capabilities() []string {
	return append([]string(nil), e.opts.Capabilities...)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
