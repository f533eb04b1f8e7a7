package router

import (
	"github.com/mcp-tool-shop-org/nexus-router/internal/types"
)

// Policy gates what a run is allowed to do.
type Policy struct {
	AllowApply bool `json:"allow_apply"`
}

// Request describes one run: a goal, an execution mode, an optional policy,
// and the ordered plan to execute.
type Request struct {
	Goal         string           `json:"goal"`
	Mode         types.Mode       `json:"mode"`
	Policy       *Policy          `json:"policy,omitempty"`
	PlanOverride []types.PlanStep `json:"plan_override,omitempty"`
}

// RunRef identifies the run a response belongs to.
type RunRef struct {
	RunID string `json:"run_id"`
}

// StepResult is the per-step outcome reported in the response.
type StepResult struct {
	StepID    string         `json:"step_id"`
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Simulated bool           `json:"simulated,omitempty"`
}

// Summary aggregates one run's outcome.
type Summary struct {
	Mode           types.Mode `json:"mode"`
	AdapterID      string     `json:"adapter_id"`
	OutputsApplied int        `json:"outputs_applied"`
	OutputsSkipped int        `json:"outputs_skipped"`
	Outcome        string     `json:"outcome"`
}

// Response is the result of one router run.
type Response struct {
	Run     RunRef       `json:"run"`
	Summary Summary      `json:"summary"`
	Results []StepResult `json:"results"`
}
