// Package replay reconstructs a run view from its event stream and checks
// the structural invariants the router guarantees.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcp-tool-shop-org/nexus-router/internal/events"
	"github.com/mcp-tool-shop-org/nexus-router/internal/store"
)

// Violation codes (closed set).
const (
	CodeRunNotFound               = "RUN_NOT_FOUND"
	CodeNoEvents                  = "NO_EVENTS"
	CodeSeqNotZero                = "SEQ_NOT_ZERO"
	CodeSeqGap                    = "SEQ_GAP"
	CodeRunStartedNotFirst        = "RUN_STARTED_NOT_FIRST"
	CodePlanBeforeRunStarted      = "PLAN_BEFORE_RUN_STARTED"
	CodeToolCallWithoutStep       = "TOOL_CALL_WITHOUT_STEP"
	CodeToolResultWithoutStep     = "TOOL_RESULT_WITHOUT_STEP"
	CodeStepCompletedWithoutStart = "STEP_COMPLETED_WITHOUT_START"
	CodeNoRunStarted              = "NO_RUN_STARTED"
	CodeNoPlanCreated             = "NO_PLAN_CREATED"
	CodeNoTerminalEvent           = "NO_TERMINAL_EVENT"
)

// Violation is one invariant violation found during replay.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Seq     *int64 `json:"seq,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// StepTimeline records the event positions for a single step.
type StepTimeline struct {
	StepID               string `json:"step_id"`
	StartedSeq           *int64 `json:"started_seq"`
	CompletedSeq         *int64 `json:"completed_seq"`
	ToolCallRequestedSeq *int64 `json:"tool_call_requested_seq"`
	ToolCallResultSeq    *int64 `json:"tool_call_result_seq"`
	Status               string `json:"status,omitempty"`
}

// RunView is the reconstructed view of a run.
type RunView struct {
	RunID             string                   `json:"run_id"`
	Status            string                   `json:"status,omitempty"`
	Outcome           string                   `json:"outcome,omitempty"`
	Mode              string                   `json:"mode,omitempty"`
	Goal              string                   `json:"goal,omitempty"`
	Steps             map[string]*StepTimeline `json:"steps"`
	ToolsUsed         []string                 `json:"tools_used"`
	ProvenancePresent bool                     `json:"provenance_present"`
	TerminalEventType string                   `json:"terminal_event_type,omitempty"`
}

// Result is the outcome of one replay.
type Result struct {
	OK         bool        `json:"ok"`
	RunView    *RunView    `json:"run_view"`
	Violations []Violation `json:"violations"`
}

// Replay opens the store at dbPath, folds runID's events into a RunView, and
// reports invariant violations. With strict=false, violations are still
// reported but do not flip OK. Replay itself only reads; the handle is an
// ordinary store.Open handle, not a read-only one, so a missing database is
// created with an empty schema.
func Replay(ctx context.Context, dbPath, runID string, strict bool) (*Result, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rec, err := st.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return &Result{
				OK:      false,
				RunView: nil,
				Violations: []Violation{{
					Code:    CodeRunNotFound,
					Message: fmt.Sprintf("Run %s not found", runID),
				}},
			}, nil
		}
		return nil, err
	}

	evs, err := st.ReadEvents(ctx, runID)
	if err != nil {
		return nil, err
	}

	view := &RunView{
		RunID:     runID,
		Status:    string(rec.Status),
		Mode:      string(rec.Mode),
		Goal:      rec.Goal,
		Steps:     make(map[string]*StepTimeline),
		ToolsUsed: []string{},
	}

	violations := fold(evs, view)

	ok := len(violations) == 0 || !strict
	return &Result{OK: ok, RunView: view, Violations: violations}, nil
}

// fold walks the event stream once, accumulating the run view and the
// violation list.
func fold(evs []store.EventRecord, view *RunView) []Violation {
	violations := []Violation{}

	if len(evs) == 0 {
		return append(violations, Violation{Code: CodeNoEvents, Message: "Run has no events"})
	}

	var (
		seenRunStarted  bool
		seenPlanCreated bool
		seenTerminal    bool
		prevSeq         *int64
	)
	activeSteps := make(map[string]int64)

	for _, ev := range evs {
		seq := ev.Seq

		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			payload = map[string]any{}
		}

		if prevSeq == nil {
			if seq != 0 {
				violations = append(violations, violation(CodeSeqNotZero,
					fmt.Sprintf("First event seq should be 0, got %d", seq), ev))
			}
		} else if seq != *prevSeq+1 {
			violations = append(violations, violation(CodeSeqGap,
				fmt.Sprintf("Expected seq %d, got %d", *prevSeq+1, seq), ev))
		}
		s := seq
		prevSeq = &s

		switch ev.Type {
		case events.TypeRunStarted:
			if seq != 0 {
				violations = append(violations, violation(CodeRunStartedNotFirst,
					fmt.Sprintf("RUN_STARTED should be seq 0, found at %d", seq), ev))
			}
			seenRunStarted = true
			view.Mode = stringField(payload, "mode")
			view.Goal = stringField(payload, "goal")

		case events.TypePlanCreated:
			if !seenRunStarted {
				violations = append(violations, violation(CodePlanBeforeRunStarted,
					"PLAN_CREATED appeared before RUN_STARTED", ev))
			}
			seenPlanCreated = true

		case events.TypeStepStarted:
			stepID := stringField(payload, "step_id")
			if stepID != "" {
				timeline := view.step(stepID)
				timeline.StartedSeq = seqPtr(seq)
				activeSteps[stepID] = seq
			}

		case events.TypeToolCallRequested:
			stepID := stringField(payload, "step_id")
			if stepID != "" {
				if _, active := activeSteps[stepID]; !active {
					violations = append(violations, violation(CodeToolCallWithoutStep,
						fmt.Sprintf("TOOL_CALL_REQUESTED for %s without STEP_STARTED", stepID), ev))
				}
				if timeline, ok := view.Steps[stepID]; ok {
					timeline.ToolCallRequestedSeq = seqPtr(seq)
				}
			}
			if call, ok := payload["call"].(map[string]any); ok {
				if method := stringField(call, "method"); method != "" {
					view.recordTool(method)
				}
			}

		case events.TypeToolCallSucceeded, events.TypeToolCallFailed:
			stepID := stringField(payload, "step_id")
			if stepID != "" {
				if _, active := activeSteps[stepID]; !active {
					violations = append(violations, violation(CodeToolResultWithoutStep,
						fmt.Sprintf("Tool result for %s without STEP_STARTED", stepID), ev))
				}
				if timeline, ok := view.Steps[stepID]; ok {
					timeline.ToolCallResultSeq = seqPtr(seq)
				}
			}

		case events.TypeStepCompleted:
			stepID := stringField(payload, "step_id")
			if stepID != "" {
				if _, active := activeSteps[stepID]; !active {
					violations = append(violations, violation(CodeStepCompletedWithoutStart,
						fmt.Sprintf("STEP_COMPLETED for %s without STEP_STARTED", stepID), ev))
				}
				if timeline, ok := view.Steps[stepID]; ok {
					timeline.CompletedSeq = seqPtr(seq)
					timeline.Status = stringField(payload, "status")
				}
				delete(activeSteps, stepID)
			}

		case events.TypeProvenanceEmitted:
			view.ProvenancePresent = true

		case events.TypeRunCompleted:
			seenTerminal = true
			view.TerminalEventType = string(events.TypeRunCompleted)
			view.Outcome = "ok"

		case events.TypeRunFailed:
			seenTerminal = true
			view.TerminalEventType = string(events.TypeRunFailed)
			view.Outcome = "error"
		}
	}

	if !seenRunStarted {
		violations = append(violations, Violation{Code: CodeNoRunStarted, Message: "RUN_STARTED event not found"})
	}
	if !seenPlanCreated {
		violations = append(violations, Violation{Code: CodeNoPlanCreated, Message: "PLAN_CREATED event not found"})
	}
	if !seenTerminal {
		violations = append(violations, Violation{
			Code:    CodeNoTerminalEvent,
			Message: "No terminal event (RUN_COMPLETED or RUN_FAILED) found",
		})
	}
	return violations
}

func (v *RunView) step(stepID string) *StepTimeline {
	timeline, ok := v.Steps[stepID]
	if !ok {
		timeline = &StepTimeline{StepID: stepID}
		v.Steps[stepID] = timeline
	}
	return timeline
}

func (v *RunView) recordTool(method string) {
	for _, m := range v.ToolsUsed {
		if m == method {
			return
		}
	}
	v.ToolsUsed = append(v.ToolsUsed, method)
}

func violation(code, message string, ev store.EventRecord) Violation {
	return Violation{Code: code, Message: message, Seq: seqPtr(ev.Seq), EventID: ev.EventID}
}

func seqPtr(seq int64) *int64 {
	s := seq
	return &s
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
