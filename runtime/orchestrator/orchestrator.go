// Package orchestrator drives a tool request through the execution
// pipeline: registry resolution, authorization, rate limiting, idempotency,
// the security gate, user confirmation, dispatch, and event emission. It is
// the single entry point transports call; every outcome is a structured
// result, never a bare error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opforge/toolrun/runtime/dispatch"
	"github.com/opforge/toolrun/runtime/envelope"
	"github.com/opforge/toolrun/runtime/events"
	"github.com/opforge/toolrun/runtime/gate"
	"github.com/opforge/toolrun/runtime/idempotency"
	"github.com/opforge/toolrun/runtime/registry"
	"github.com/opforge/toolrun/runtime/result"
	"github.com/opforge/toolrun/runtime/telemetry"
	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

// DefaultRecordTTL is the idempotency record lifetime applied when Options
// leaves it zero.
const DefaultRecordTTL = time.Hour

// claimAttempts bounds the Begin/Wait retry loop under claim contention.
const claimAttempts = 3

// executorRetryHintMS is the backoff hint attached to executor failures,
// which are retryable once the remote tool recovers.
const executorRetryHintMS = int64(5000)

type (
	// Options configures an Orchestrator. Registry, Store, Gate, Dispatcher,
	// and Bus are required.
	Options struct {
		Registry   *registry.Registry
		Store      idempotency.Store
		Gate       *gate.Gate
		Dispatcher *dispatch.Dispatcher
		Bus        *events.Bus

		// RecordTTL bounds idempotency records. Zero means DefaultRecordTTL.
		RecordTTL time.Duration

		// ConfirmationTimeout bounds the wait for a user confirmation. Zero
		// uses the envelope timeout of each request.
		ConfirmationTimeout time.Duration

		// Logger and Metrics default to noops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Orchestrator executes tool requests. Safe for concurrent use.
	Orchestrator struct {
		reg     *registry.Registry
		store   idempotency.Store
		gate    *gate.Gate
		disp    *dispatch.Dispatcher
		bus     *events.Bus
		ttl     time.Duration
		confirm time.Duration
		broker  *confirmationBroker
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// New validates the options and creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Registry == nil:
		return nil, fmt.Errorf("orchestrator: registry is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("orchestrator: idempotency store is required")
	case opts.Gate == nil:
		return nil, fmt.Errorf("orchestrator: gate is required")
	case opts.Dispatcher == nil:
		return nil, fmt.Errorf("orchestrator: dispatcher is required")
	case opts.Bus == nil:
		return nil, fmt.Errorf("orchestrator: event bus is required")
	}
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = DefaultRecordTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Orchestrator{
		reg:     opts.Registry,
		store:   opts.Store,
		gate:    opts.Gate,
		disp:    opts.Dispatcher,
		bus:     opts.Bus,
		ttl:     opts.RecordTTL,
		confirm: opts.ConfirmationTimeout,
		broker:  newConfirmationBroker(),
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Confirm resolves a pending confirmation prompt. Returns false when no
// request with the id is waiting; late confirmations are ignored.
func (o *Orchestrator) Confirm(requestID string, approved bool, message string) bool {
	return o.broker.resolve(requestID, confirmation{approved: approved, message: message})
}

// Execute runs one request through the full pipeline and returns its result.
func (o *Orchestrator) Execute(ctx context.Context, env *envelope.Envelope) *result.Result {
	start := time.Now()
	res := o.execute(ctx, env)
	res.TraceID = env.TraceID

	outcome := "success"
	if !res.Success {
		outcome = string(res.ErrorCode)
	}
	if res.IdempotencyStatus == result.IdempotencyDuplicate {
		outcome = "duplicate"
	}
	o.metrics.IncCounter("toolrun.requests", 1, "tool", env.ToolName, "outcome", outcome)
	o.metrics.RecordTimer("toolrun.request_duration", time.Since(start), "tool", env.ToolName)
	return res
}

func (o *Orchestrator) execute(ctx context.Context, env *envelope.Envelope) *result.Result {
	if env.Expired(time.Now()) {
		return result.Fail(env.RequestID,
			toolerrors.New(toolerrors.CodeInvalidEnvelope, "request expired before execution"))
	}

	// Resolving: registry lookup, grant check, rate limit.
	desc, err := o.reg.Resolve(env.ToolName, env.CapabilityName)
	if err != nil {
		return result.Fail(env.RequestID, err)
	}
	if err := o.reg.Authorize(env.Context.UserID, env.ToolName, env.Context.Permissions); err != nil {
		o.logger.Warn(ctx, "unauthorized tool request",
			"tool", env.ToolName, "user_id", env.Context.UserID, "company_id", env.Context.CompanyID)
		res := result.Fail(env.RequestID, err)
		res.Audit("authorization denied")
		return res
	}
	if err := o.reg.Allow(env.ToolName, env.Context.UserID); err != nil {
		o.logger.Warn(ctx, "rate limited tool request",
			"tool", env.ToolName, "user_id", env.Context.UserID)
		o.metrics.IncCounter("toolrun.rate_limited", 1, "tool", env.ToolName)
		return result.Fail(env.RequestID, err)
	}

	// Cached? Duplicate requests return the stored result without touching
	// the gate or the executor. Dry runs bypass the idempotency store: they
	// must not be served a cached real result and leave no record behind.
	if !env.DryRun {
		status, cached, err := o.store.Check(ctx, env)
		if err != nil {
			return result.Fail(env.RequestID,
				toolerrors.NewWithCause(toolerrors.CodeExecutorError, "idempotency check failed", err))
		}
		switch status {
		case result.IdempotencyDuplicate:
			o.metrics.IncCounter("toolrun.cache_hits", 1, "tool", env.ToolName)
			cached.Audit("served from idempotency cache")
			return cached
		case result.IdempotencyInProgress:
			if res := o.waitForPeer(ctx, env); res != nil {
				return res
			}
		}
	}

	// Gating precedes the claim: denied requests create no idempotency
	// state and emit no started event.
	ops := classifyOperations(desc, env)
	needConfirm := desc.Tool.RequiresConfirmation
	confirmReasons := make([]string, 0, 1)
	risk := desc.Tool.RiskLevel
	for _, op := range ops {
		check := o.gate.Check(env.Context.CompanyID, op)
		if check.RiskLevel.AtLeast(risk) {
			risk = check.RiskLevel
		}
		if check.Decision == gate.DecisionDenied {
			o.logger.Warn(ctx, "security gate denied operation",
				"tool", env.ToolName, "user_id", env.Context.UserID, "reason", check.Reason)
			o.emit(ctx, env, events.TypeFailed, map[string]any{
				"error_code": string(toolerrors.CodePolicyDenied),
				"reason":     check.Reason,
			})
			res := result.Fail(env.RequestID, toolerrors.New(toolerrors.CodePolicyDenied, check.Reason))
			res.RiskLevel = check.RiskLevel
			res.Audit("gate denied: " + check.Reason)
			return res
		}
		if check.Decision == gate.DecisionRequiresConfirmation {
			needConfirm = true
			confirmReasons = append(confirmReasons, check.ConfirmationMessage)
		}
	}

	confirmed := false
	if needConfirm && desc.Tool.ConfirmationPolicy != tools.ConfirmAuto && !env.DryRun {
		res := o.awaitConfirmation(ctx, env, desc, confirmReasons, risk)
		if res != nil {
			return res
		}
		confirmed = true
	}

	// Claiming: at most one in-flight execution per effective key.
	var key string
	if !env.DryRun {
		var res *result.Result
		if key, res = o.claim(ctx, env); res != nil {
			return res
		}
	}

	o.emit(ctx, env, events.TypeStarted, map[string]any{
		"dry_run":    env.DryRun,
		"risk_level": string(risk),
	})

	execCtx := tools.WithProgress(ctx, func(payload map[string]any) {
		o.emit(ctx, env, events.TypeProgress, payload)
	})
	res := o.disp.Dispatch(execCtx, desc, env)
	if confirmed {
		res.RequiresConfirmation = true
		res.ConfirmationPolicy = confirmationPolicy(desc.Tool)
	}

	if res.Success {
		o.completeSuccess(ctx, env, key, res, ops)
		return res
	}
	o.completeFailure(ctx, env, key, res)
	return res
}

// waitForPeer blocks on another request's in-flight execution. A non-nil
// result ends this request; nil means the peer failed or timed out and the
// caller executes fresh.
func (o *Orchestrator) waitForPeer(ctx context.Context, env *envelope.Envelope) *result.Result {
	key, err := env.EffectiveIdempotencyKey()
	if err != nil {
		return nil
	}
	res, err := o.store.Wait(ctx, key, env.Timeout())
	if err != nil || res == nil {
		return nil
	}
	o.metrics.IncCounter("toolrun.duplicates_prevented", 1, "tool", env.ToolName)
	res.Audit("served after waiting on concurrent duplicate")
	return res
}

// awaitConfirmation suspends the request on the confirmation broker. A
// non-nil result ends the request (timeout, denial, or cancellation); nil
// means the user approved.
func (o *Orchestrator) awaitConfirmation(ctx context.Context, env *envelope.Envelope, desc *registry.Descriptor, reasons []string, risk tools.RiskLevel) *result.Result {
	message := strings.Join(reasons, " ")
	if message == "" {
		message = fmt.Sprintf("Allow %s.%s?", env.ToolName, env.CapabilityName)
	}
	timeout := o.confirm
	if timeout <= 0 {
		timeout = env.Timeout()
	}

	ch := o.broker.register(env.RequestID)
	o.emit(ctx, env, events.TypeConfirmationRequired, map[string]any{
		"message":    message,
		"risk_level": string(risk),
		"policy":     string(confirmationPolicy(desc.Tool)),
	})
	o.logger.Info(ctx, "confirmation required",
		"tool", env.ToolName, "user_id", env.Context.UserID, "risk_level", string(risk))

	answer, ok := o.broker.await(ctx, env.RequestID, ch, timeout)
	if !ok {
		code := toolerrors.CodeConfirmationTimeout
		reason := "confirmation timed out"
		if ctx.Err() != nil {
			code = toolerrors.CodeCancelled
			reason = "request cancelled while awaiting confirmation"
		}
		o.emit(ctx, env, events.TypeFailed, map[string]any{
			"error_code": string(code),
			"reason":     reason,
		})
		res := result.Fail(env.RequestID, toolerrors.New(code, reason))
		o.decorateConfirmation(res, desc, message)
		return res
	}

	o.emit(ctx, env, events.TypeConfirmationReceived, map[string]any{
		"approved": answer.approved,
		"message":  answer.message,
	})
	o.logger.Info(ctx, "confirmation received",
		"tool", env.ToolName, "user_id", env.Context.UserID, "approved", answer.approved)
	if !answer.approved {
		o.emit(ctx, env, events.TypeFailed, map[string]any{
			"error_code": string(toolerrors.CodeUserDenied),
			"reason":     "user denied the operation",
		})
		res := result.Fail(env.RequestID, toolerrors.New(toolerrors.CodeUserDenied, "user denied the operation"))
		o.decorateConfirmation(res, desc, message)
		return res
	}
	return nil
}

func (o *Orchestrator) decorateConfirmation(res *result.Result, desc *registry.Descriptor, message string) {
	res.RequiresConfirmation = true
	res.ConfirmationPolicy = confirmationPolicy(desc.Tool)
	res.ConfirmationMessage = message
}

// claim acquires the idempotency record, waiting on a concurrent holder and
// retrying a bounded number of times. A non-nil result ends the request.
func (o *Orchestrator) claim(ctx context.Context, env *envelope.Envelope) (string, *result.Result) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		key, err := o.store.Begin(ctx, env, o.ttl)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, idempotency.ErrClaimed) {
			return "", result.Fail(env.RequestID,
				toolerrors.NewWithCause(toolerrors.CodeExecutorError, "idempotency claim failed", err))
		}
		if res := o.waitForPeer(ctx, env); res != nil {
			return "", res
		}
		if ctx.Err() != nil {
			return "", result.Fail(env.RequestID,
				toolerrors.New(toolerrors.CodeCancelled, "request cancelled"))
		}
	}
	return "", result.Fail(env.RequestID,
		toolerrors.New(toolerrors.CodeExecutorError, "idempotency claim contention persisted"))
}

// completeSuccess caches the result and emits the completed event. Side
// effects are completed to cover every gate-classified mutation.
func (o *Orchestrator) completeSuccess(ctx context.Context, env *envelope.Envelope, key string, res *result.Result, ops []gate.Operation) {
	if !env.DryRun {
		for _, effect := range mutationEffects(ops) {
			if !containsString(res.SideEffects, effect) {
				res.SideEffects = append(res.SideEffects, effect)
			}
		}
	}
	if res.IdempotencyStatus == "" {
		res.IdempotencyStatus = result.IdempotencyNew
	}
	if key != "" {
		if err := o.store.Complete(ctx, key, res); err != nil && !errors.Is(err, idempotency.ErrNotFound) {
			o.logger.Warn(ctx, "idempotency complete failed", "key", key, "err", err.Error())
		}
	}
	o.emit(ctx, env, events.TypeCompleted, map[string]any{
		"execution_time_ms": res.ExecutionTimeMS,
		"side_effects":      toAny(res.SideEffects),
		"dry_run":           env.DryRun,
	})
}

// completeFailure releases the record so retries execute fresh; failures are
// never cached. Cancellations and timeouts emit cancelled with a reason tag,
// everything else emits failed.
func (o *Orchestrator) completeFailure(ctx context.Context, env *envelope.Envelope, key string, res *result.Result) {
	if key != "" {
		if err := o.store.Fail(ctx, key); err != nil && !errors.Is(err, idempotency.ErrNotFound) {
			o.logger.Warn(ctx, "idempotency release failed", "key", key, "err", err.Error())
		}
	}

	switch res.ErrorCode {
	case toolerrors.CodeCancelled:
		o.emit(ctx, env, events.TypeCancelled, map[string]any{"reason": "cancelled"})
	case toolerrors.CodeTimeout:
		o.emit(ctx, env, events.TypeCancelled, map[string]any{"reason": "timeout"})
	default:
		o.emit(ctx, env, events.TypeFailed, map[string]any{
			"error_code": string(res.ErrorCode),
			"error":      res.Error,
		})
	}
	if res.ErrorCode == toolerrors.CodeExecutorError {
		if res.RetryAfterMS == 0 {
			res.RetryAfterMS = executorRetryHintMS
		}
		o.logger.Error(ctx, "executor failed",
			"tool", env.ToolName, "capability", env.CapabilityName,
			"user_id", env.Context.UserID, "error", res.Error,
			"parameters", events.Sanitize(env.Parameters))
	}
}

func (o *Orchestrator) emit(ctx context.Context, env *envelope.Envelope, t events.Type, payload map[string]any) {
	o.bus.Publish(ctx, events.Event{
		Type:           t,
		TraceID:        env.TraceID,
		RequestID:      env.RequestID,
		ToolName:       env.ToolName,
		CapabilityName: env.CapabilityName,
		UserID:         env.Context.UserID,
		CompanyID:      env.Context.CompanyID,
		Payload:        payload,
	})
}

func confirmationPolicy(md tools.Metadata) tools.ConfirmationPolicy {
	if md.ConfirmationPolicy.Valid() {
		return md.ConfirmationPolicy
	}
	return tools.ConfirmExplicit
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func toAny(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}
