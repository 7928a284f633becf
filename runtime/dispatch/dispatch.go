// Package dispatch validates, invokes, and normalizes capability executions.
// The dispatcher treats every executor uniformly: it validates parameters
// against the capability's input schema, short-circuits dry runs, enforces
// the envelope timeout, and interprets the executor's native return shape
// into the common result envelope. Adapter-specific concerns (retries, auth
// header injection, token refresh) live in the adapter subpackages.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opforge/toolrun/runtime/envelope"
	"github.com/opforge/toolrun/runtime/registry"
	"github.com/opforge/toolrun/runtime/result"
	"github.com/opforge/toolrun/runtime/telemetry"
	"github.com/opforge/toolrun/runtime/toolerrors"
	"github.com/opforge/toolrun/runtime/tools"
)

type (
	// Options configures a Dispatcher.
	Options struct {
		// Logger is used for execution logging. Nil means noop.
		Logger telemetry.Logger

		// Tracer wraps every execution in a span. Nil means noop.
		Tracer telemetry.Tracer
	}

	// Dispatcher runs resolved capabilities against their executors.
	// Safe for concurrent use.
	Dispatcher struct {
		schemas *schemaCache
		logger  telemetry.Logger
		tracer  telemetry.Tracer
	}
)

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		schemas: newSchemaCache(),
		logger:  opts.Logger,
		tracer:  opts.Tracer,
	}
	if d.logger == nil {
		d.logger = telemetry.NoopLogger{}
	}
	if d.tracer == nil {
		d.tracer = telemetry.NoopTracer{}
	}
	return d
}

// Dispatch runs the resolved capability for the envelope and returns the
// normalized result. Failures are returned as structured results, never as
// errors, so the orchestrator has a single propagation path.
func (d *Dispatcher) Dispatch(ctx context.Context, desc *registry.Descriptor, env *envelope.Envelope) *result.Result {
	ctx, span := d.tracer.Start(ctx, "tool.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tool.name", env.ToolName),
			attribute.String("tool.capability", env.CapabilityName),
			attribute.String("request.id", env.RequestID),
			attribute.Bool("request.dry_run", env.DryRun),
		),
	)
	defer span.End()

	res := d.dispatch(ctx, desc, env)
	res.TraceID = env.TraceID
	res.IdempotencyKey = env.IdempotencyKey
	if !res.Success {
		err := toolerrors.New(res.ErrorCode, res.Error)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.ErrorCode))
		return res
	}
	span.SetStatus(codes.Ok, "completed")
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, desc *registry.Descriptor, env *envelope.Envelope) *result.Result {
	if violations := d.validateInput(desc, env.Parameters); len(violations) > 0 {
		d.logger.Debug(ctx, "input validation failed",
			"tool", env.ToolName, "capability", env.CapabilityName, "violations", len(violations))
		return d.finish(result.Fail(env.RequestID, toolerrors.Invalid(violations)), desc, 0)
	}

	if env.DryRun {
		return d.dryRun(desc, env)
	}

	timeout := env.Timeout()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := tools.ExecContext{
		UserID:         env.Context.UserID,
		SessionID:      metadataString(env.Context.Metadata, "session_id"),
		ConversationID: metadataString(env.Context.Metadata, "conversation_id"),
		TraceID:        env.TraceID,
		Timeout:        timeout,
	}

	type outcome struct {
		raw any
		err error
	}
	ch := make(chan outcome, 1)
	start := time.Now()
	go func() {
		raw, err := desc.Executor.Execute(execCtx, env.CapabilityName, env.ParamsCopy(), ec)
		ch <- outcome{raw: raw, err: err}
	}()

	select {
	case <-execCtx.Done():
		elapsed := time.Since(start)
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			d.logger.Warn(ctx, "execution timed out",
				"tool", env.ToolName, "capability", env.CapabilityName, "timeout", timeout)
			return d.finish(result.Fail(env.RequestID,
				toolerrors.Newf(toolerrors.CodeTimeout, "execution exceeded %s", timeout)), desc, elapsed)
		}
		return d.finish(result.Fail(env.RequestID,
			toolerrors.New(toolerrors.CodeCancelled, "execution cancelled")), desc, elapsed)

	case out := <-ch:
		elapsed := time.Since(start)
		if out.err != nil {
			return d.finish(result.Fail(env.RequestID, executionError(out.err)), desc, elapsed)
		}
		res, err := normalize(out.raw, env.RequestID)
		if err != nil {
			return d.finish(result.Fail(env.RequestID, err), desc, elapsed)
		}
		return d.finish(res, desc, elapsed)
	}
}

// dryRun synthesizes the projected result from the tool's declared
// side-effect template without touching the executor.
func (d *Dispatcher) dryRun(desc *registry.Descriptor, env *envelope.Envelope) *result.Result {
	res := result.OK(env.RequestID, map[string]any{
		"dry_run":                true,
		"tool":                   env.ToolName,
		"capability":             env.CapabilityName,
		"projected_side_effects": append([]string(nil), desc.Tool.SideEffects...),
	})
	res.SideEffects = nil
	return d.finish(res, desc, 0)
}

// finish stamps the metadata-derived classification and timing fields shared
// by every outcome.
func (d *Dispatcher) finish(res *result.Result, desc *registry.Descriptor, elapsed time.Duration) *result.Result {
	res.ExecutionTimeMS = elapsed.Milliseconds()
	if res.OperationType == "" {
		res.OperationType = tools.ClassifyOperation(desc.Capability.Name)
	}
	if res.RiskLevel == "" {
		res.RiskLevel = desc.Tool.RiskLevel
	}
	return res
}

// validateInput checks the parameters against the capability schema and the
// executor's own validation, listing every violation.
func (d *Dispatcher) validateInput(desc *registry.Descriptor, params map[string]any) []string {
	var violations []string
	schemaViolations, err := d.schemas.validate(tools.Join(desc.Tool.Name, desc.Capability.Name), desc.Capability.InputSchema, params)
	if err != nil {
		violations = append(violations, "input_schema: "+err.Error())
	}
	violations = append(violations, schemaViolations...)
	violations = append(violations, desc.Executor.ValidateInput(desc.Capability.Name, params)...)
	return violations
}

// executionError classifies an executor error: taxonomy errors pass through,
// context errors map to timeout or cancellation, and everything else is an
// executor failure.
func executionError(err error) error {
	var te *toolerrors.ToolError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return toolerrors.NewWithCause(toolerrors.CodeTimeout, "execution exceeded deadline", err)
	}
	if errors.Is(err, context.Canceled) {
		return toolerrors.NewWithCause(toolerrors.CodeCancelled, "execution cancelled", err)
	}
	return toolerrors.NewWithCause(toolerrors.CodeExecutorError, err.Error(), err)
}

func metadataString(metadata map[string]any, key string) string {
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}
