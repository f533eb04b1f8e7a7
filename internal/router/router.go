// Package router walks a plan, applies policy, dispatches tool calls, and
// emits the canonical event sequence for each run.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcp-tool-shop-org/nexus-router/internal/dispatch"
	"github.com/mcp-tool-shop-org/nexus-router/internal/events"
	"github.com/mcp-tool-shop-org/nexus-router/internal/logging"
	"github.com/mcp-tool-shop-org/nexus-router/internal/otel"
	"github.com/mcp-tool-shop-org/nexus-router/internal/provenance"
	"github.com/mcp-tool-shop-org/nexus-router/internal/store"
	"github.com/mcp-tool-shop-org/nexus-router/internal/types"
)

const (
	stepStatusOK    = "ok"
	stepStatusError = "error"

	outcomeOK    = "ok"
	outcomeError = "error"

	reasonPolicyDenied = "policy_denied"
	reasonAdapterBug   = "adapter_bug"
)

// Router executes run requests against one store handle. It holds one
// adapter for the duration of a run and processes steps strictly in plan
// order.
type Router struct {
	store   *store.Store
	adapter dispatch.Adapter
	logger  *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the base logger. A run-scoped logger carrying run_id is
// derived from it per run.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router. A nil adapter defaults to the null adapter.
func New(st *store.Store, adapter dispatch.Adapter, opts ...Option) *Router {
	if adapter == nil {
		adapter = dispatch.NewNullAdapter("")
	}
	r := &Router{
		store:   st,
		adapter: adapter,
		logger:  logging.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run carries the mutable state of one execution.
type run struct {
	runID   string
	req     Request
	adapter dispatch.Adapter
	logger  *slog.Logger
	phase   runPhase

	applied int
	skipped int
	results []StepResult
}

// Run executes one request and returns the response. Store failures are
// infrastructure bugs and surface as errors; tool failures are recorded in
// the event stream and the response instead.
func (r *Router) Run(ctx context.Context, req Request) (*Response, error) {
	runID, err := r.store.CreateRun(ctx, req.Mode, req.Goal)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	tracer := otel.GlobalTracer()
	ctx, span := tracer.StartRunSpan(ctx, runID, string(req.Mode))
	defer span.End()

	// Dry runs record placeholder outputs from the null adapter no matter
	// which adapter the router was built with.
	adapter := r.adapter
	if req.Mode == types.ModeDryRun {
		adapter = dispatch.NewNullAdapter("")
	}

	ex := &run{
		runID:   runID,
		req:     req,
		adapter: adapter,
		logger:  logging.ForRun(r.logger, runID),
		phase:   phaseInit,
	}

	resp, err := r.execute(ctx, ex)
	if err != nil {
		return nil, err
	}
	otel.GlobalMetrics().RecordRun(ctx, string(req.Mode), resp.Summary.Outcome)
	return resp, nil
}

func (r *Router) execute(ctx context.Context, ex *run) (*Response, error) {
	if err := r.emit(ctx, ex, events.TypeRunStarted, events.RunStartedPayload{
		Mode: ex.req.Mode,
		Goal: ex.req.Goal,
	}); err != nil {
		return nil, err
	}
	if err := ex.advance(phaseStarted); err != nil {
		return nil, err
	}
	ex.logger.Info("run_started", "mode", ex.req.Mode, "goal", ex.req.Goal)

	plan := ex.req.PlanOverride
	if err := r.emit(ctx, ex, events.TypePlanCreated, events.PlanCreatedPayload{Plan: plan}); err != nil {
		return nil, err
	}
	if err := ex.advance(phasePlanDeclared); err != nil {
		return nil, err
	}

	// Policy gate: apply mode requires an explicit allow.
	if ex.req.Mode == types.ModeApply && (ex.req.Policy == nil || !ex.req.Policy.AllowApply) {
		ex.logger.Warn("policy_denied", "mode", ex.req.Mode)
		return r.failRun(ctx, ex, reasonPolicyDenied)
	}

	if err := ex.advance(phaseExecuting); err != nil {
		return nil, err
	}
	for _, step := range plan {
		stop, err := r.executeStep(ctx, ex, step)
		if err != nil {
			return nil, err
		}
		if stop {
			return r.failRun(ctx, ex, reasonAdapterBug)
		}
	}

	if err := ex.advance(phaseProvenance); err != nil {
		return nil, err
	}
	prov := provenance.Collect(ex.req.Mode, ex.adapter.AdapterID(), len(plan), ex.applied, ex.skipped)
	if err := r.emit(ctx, ex, events.TypeProvenanceEmitted, events.ProvenanceEmittedPayload{Provenance: prov}); err != nil {
		return nil, err
	}

	if err := r.emit(ctx, ex, events.TypeRunCompleted, events.RunCompletedPayload{Outcome: outcomeOK}); err != nil {
		return nil, err
	}
	if err := ex.advance(phaseTerminal); err != nil {
		return nil, err
	}
	if err := r.store.SetRunStatus(ctx, ex.runID, types.StatusCompleted); err != nil {
		return nil, fmt.Errorf("set run status: %w", err)
	}
	ex.logger.Info("run_completed", "applied", ex.applied, "skipped", ex.skipped)

	return ex.response(outcomeOK), nil
}

// executeStep runs one plan step. It returns stop=true when an adapter bug
// must terminate the run.
func (r *Router) executeStep(ctx context.Context, ex *run, step types.PlanStep) (stop bool, err error) {
	tracer := otel.GlobalTracer()
	metrics := otel.GlobalMetrics()

	stepCtx, span := tracer.StartStepSpan(ctx, ex.runID, step.StepID, step.Call.Tool, step.Call.Method)
	defer span.End()
	started := time.Now()

	if err := r.emit(stepCtx, ex, events.TypeStepStarted, events.StepStartedPayload{
		StepID: step.StepID,
		Intent: step.Intent,
	}); err != nil {
		return false, err
	}
	if err := r.emit(stepCtx, ex, events.TypeToolCallRequested, events.ToolCallRequestedPayload{
		StepID: step.StepID,
		Call:   step.Call,
	}); err != nil {
		return false, err
	}

	output, callErr := callAdapter(stepCtx, ex.adapter, step.Call)

	stepStatus := stepStatusOK
	switch {
	case callErr == nil:
		if err := r.emit(stepCtx, ex, events.TypeToolCallSucceeded, events.ToolCallSucceededPayload{
			StepID: step.StepID,
			Output: output,
		}); err != nil {
			return false, err
		}
		result := StepResult{StepID: step.StepID, Status: stepStatusOK, Output: output}
		if ex.req.Mode == types.ModeDryRun {
			result.Simulated = true
		} else {
			ex.applied++
		}
		ex.results = append(ex.results, result)
		metrics.RecordToolCall(stepCtx, step.Call.Tool, "")

	default:
		opErr, operational := dispatch.AsOperational(callErr)
		if !operational {
			// Adapter bug: record the failure and terminate the run.
			msg := callErr.Error()
			if bugErr, ok := dispatch.AsBug(callErr); ok {
				msg = bugErr.Message
			}
			ex.logger.Error("adapter_bug", "step_id", step.StepID, "error", msg)
			if err := r.emit(stepCtx, ex, events.TypeToolCallFailed, events.ToolCallFailedPayload{
				StepID:    step.StepID,
				ErrorCode: string(dispatch.CodeAdapterBug),
				Message:   msg,
			}); err != nil {
				return false, err
			}
			ex.results = append(ex.results, StepResult{
				StepID:    step.StepID,
				Status:    stepStatusError,
				ErrorCode: string(dispatch.CodeAdapterBug),
				Message:   msg,
			})
			metrics.RecordToolCall(stepCtx, step.Call.Tool, string(dispatch.CodeAdapterBug))
			return true, nil
		}

		// Operational failure: record it and continue with the next step.
		ex.logger.Warn("tool_call_failed",
			"step_id", step.StepID,
			"error_code", opErr.Code,
			"error", opErr.Message,
		)
		if err := r.emit(stepCtx, ex, events.TypeToolCallFailed, events.ToolCallFailedPayload{
			StepID:    step.StepID,
			ErrorCode: string(opErr.Code),
			Message:   opErr.Message,
		}); err != nil {
			return false, err
		}
		ex.results = append(ex.results, StepResult{
			StepID:    step.StepID,
			Status:    stepStatusError,
			ErrorCode: string(opErr.Code),
			Message:   opErr.Message,
		})
		ex.skipped++
		stepStatus = stepStatusError
		metrics.RecordToolCall(stepCtx, step.Call.Tool, string(opErr.Code))
	}

	if err := r.emit(stepCtx, ex, events.TypeStepCompleted, events.StepCompletedPayload{
		StepID: step.StepID,
		Status: stepStatus,
	}); err != nil {
		return false, err
	}
	if err := ex.advance(phaseExecuting); err != nil {
		return false, err
	}
	metrics.RecordStepLatency(stepCtx, stepStatus, float64(time.Since(started).Milliseconds()))
	return false, nil
}

// failRun emits the RUN_FAILED terminal event and closes out the run.
func (r *Router) failRun(ctx context.Context, ex *run, reason string) (*Response, error) {
	if err := r.emit(ctx, ex, events.TypeRunFailed, events.RunFailedPayload{Reason: reason}); err != nil {
		return nil, err
	}
	if err := ex.advance(phaseTerminal); err != nil {
		return nil, err
	}
	if err := r.store.SetRunStatus(ctx, ex.runID, types.StatusFailed); err != nil {
		return nil, fmt.Errorf("set run status: %w", err)
	}
	ex.logger.Info("run_failed", "reason", reason)
	return ex.response(outcomeError), nil
}

func (r *Router) emit(ctx context.Context, ex *run, typ events.Type, payload any) error {
	if _, err := r.store.Append(ctx, ex.runID, typ, payload); err != nil {
		return fmt.Errorf("append %s: %w", typ, err)
	}
	otel.GlobalMetrics().RecordEventAppended(ctx, string(typ))
	return nil
}

// callAdapter invokes the adapter, converting panics and unclassified
// errors into bug errors at the router boundary.
func callAdapter(ctx context.Context, adapter dispatch.Adapter, call types.ToolCall) (out map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = &dispatch.BugError{
				Code:    dispatch.CodeAdapterBug,
				Message: fmt.Sprintf("adapter panic: %v", p),
			}
		}
	}()
	out, err = adapter.Call(ctx, call.Tool, call.Method, call.Args)
	if err != nil {
		if _, ok := dispatch.AsOperational(err); ok {
			return nil, err
		}
		if _, ok := dispatch.AsBug(err); ok {
			return nil, err
		}
		return nil, &dispatch.BugError{
			Code:    dispatch.CodeAdapterBug,
			Message: err.Error(),
		}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (ex *run) advance(to runPhase) error {
	if !canTransition(ex.phase, to) {
		return fmt.Errorf("illegal router phase transition %s -> %s", ex.phase, to)
	}
	ex.phase = to
	return nil
}

func (ex *run) response(outcome string) *Response {
	results := ex.results
	if results == nil {
		results = []StepResult{}
	}
	return &Response{
		Run: RunRef{RunID: ex.runID},
		Summary: Summary{
			Mode:           ex.req.Mode,
			AdapterID:      ex.adapter.AdapterID(),
			OutputsApplied: ex.applied,
			OutputsSkipped: ex.skipped,
			Outcome:        outcome,
		},
		Results: results,
	}
}
