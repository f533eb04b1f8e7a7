// Package events defines the closed set of run event types and their
// payload shapes. Payloads are serialized as canonical JSON at the store
// boundary; in-process code works with the typed structs below.
package events

import (
	"github.com/mcp-tool-shop-org/nexus-router/internal/types"
)

// Type represents the type of a run event.
type Type string

const (
	TypeRunStarted        Type = "RUN_STARTED"
	TypePlanCreated       Type = "PLAN_CREATED"
	TypeStepStarted       Type = "STEP_STARTED"
	TypeToolCallRequested Type = "TOOL_CALL_REQUESTED"
	TypeToolCallSucceeded Type = "TOOL_CALL_SUCCEEDED"
	TypeToolCallFailed    Type = "TOOL_CALL_FAILED"
	TypeStepCompleted     Type = "STEP_COMPLETED"
	TypeProvenanceEmitted Type = "PROVENANCE_EMITTED"
	TypeRunCompleted      Type = "RUN_COMPLETED"
	TypeRunFailed         Type = "RUN_FAILED"
)

// RunStartedPayload is emitted once at seq 0.
type RunStartedPayload struct {
	Mode types.Mode `json:"mode"`
	Goal string     `json:"goal"`
}

// PlanCreatedPayload carries a copy of the plan the router will execute.
type PlanCreatedPayload struct {
	Plan []types.PlanStep `json:"plan"`
}

// StepStartedPayload marks a step as active.
type StepStartedPayload struct {
	StepID string `json:"step_id"`
	Intent string `json:"intent"`
}

// ToolCallRequestedPayload records the call the router is about to dispatch.
type ToolCallRequestedPayload struct {
	StepID string         `json:"step_id"`
	Call   types.ToolCall `json:"call"`
}

// ToolCallSucceededPayload records a successful tool call output.
type ToolCallSucceededPayload struct {
	StepID string         `json:"step_id"`
	Output map[string]any `json:"output"`
}

// ToolCallFailedPayload records a failed tool call with its error code.
type ToolCallFailedPayload struct {
	StepID    string `json:"step_id"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// StepCompletedPayload closes a step. Status is "ok" or "error".
type StepCompletedPayload struct {
	StepID string `json:"step_id"`
	Status string `json:"status"`
}

// ProvenanceEmittedPayload wraps the run provenance summary. The provenance
// shape is additive and versioned independently of the event schema.
type ProvenanceEmittedPayload struct {
	Provenance any `json:"provenance"`
}

// RunCompletedPayload is the successful terminal event payload.
type RunCompletedPayload struct {
	Outcome string `json:"outcome"`
}

// RunFailedPayload is the failed terminal event payload.
type RunFailedPayload struct {
	Reason string `json:"reason"`
}
