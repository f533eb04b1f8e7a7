package replay

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/mcp-tool-shop-org/nexus-router/internal/dispatch"
	"github.com/mcp-tool-shop-org/nexus-router/internal/router"
	"github.com/mcp-tool-shop-org/nexus-router/internal/store"
	"github.com/mcp-tool-shop-org/nexus-router/internal/types"
)

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "nexus.db")
}

func runPlan(t *testing.T, dbPath string, req router.Request, adapter dispatch.Adapter) string {
	t.Helper()
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()

	resp, err := router.New(st, adapter).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return resp.Run.RunID
}

// rawEvent inserts an event row directly, bypassing the store's sequencing.
type rawEvent struct {
	seq     int64
	typ     string
	payload string
}

func injectRun(t *testing.T, dbPath, runID, status string, evs []rawEvent) {
	t.Helper()
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	st.Close()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(
		`INSERT INTO runs (run_id, mode, goal, status, created_at) VALUES (?, 'dry_run', 'g', ?, '2024-01-01T00:00:00.000Z')`,
		runID, status,
	); err != nil {
		t.Fatalf("insert run failed: %v", err)
	}
	for i, ev := range evs {
		if _, err := db.Exec(
			`INSERT INTO events (event_id, run_id, seq, type, payload_json, created_at) VALUES (?, ?, ?, ?, ?, '2024-01-01T00:00:00.000Z')`,
			fmt.Sprintf("%s-ev-%d", runID, i), runID, ev.seq, ev.typ, ev.payload,
		); err != nil {
			t.Fatalf("insert event failed: %v", err)
		}
	}
}

func violationCodes(res *Result) []string {
	out := make([]string, len(res.Violations))
	for i, v := range res.Violations {
		out[i] = v.Code
	}
	return out
}

func hasViolation(res *Result, code string) bool {
	for _, v := range res.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

func TestReplayValidRun(t *testing.T) {
	dbPath := tempDB(t)
	runID := runPlan(t, dbPath, router.Request{
		Goal: "g",
		Mode: types.ModeDryRun,
		PlanOverride: []types.PlanStep{
			{StepID: "s1", Intent: "i", Call: types.ToolCall{Tool: "t", Method: "m1", Args: map[string]any{}}},
			{StepID: "s2", Intent: "i", Call: types.ToolCall{Tool: "t", Method: "m2", Args: map[string]any{}}},
		},
	}, nil)

	res, err := Replay(context.Background(), dbPath, runID, true)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !res.OK {
		t.Fatalf("ok = false, violations = %v", violationCodes(res))
	}
	if len(res.Violations) != 0 {
		t.Errorf("violations = %v, want none", violationCodes(res))
	}

	view := res.RunView
	if view.RunID != runID {
		t.Errorf("run_id = %q", view.RunID)
	}
	if view.Status != "COMPLETED" {
		t.Errorf("status = %q", view.Status)
	}
	if view.Outcome != "ok" {
		t.Errorf("outcome = %q", view.Outcome)
	}
	if view.Mode != "dry_run" || view.Goal != "g" {
		t.Errorf("mode/goal = %q/%q", view.Mode, view.Goal)
	}
	if !view.ProvenancePresent {
		t.Error("provenance_present = false")
	}
	if view.TerminalEventType != "RUN_COMPLETED" {
		t.Errorf("terminal_event_type = %q", view.TerminalEventType)
	}
	if len(view.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(view.Steps))
	}
	s1 := view.Steps["s1"]
	if s1.StartedSeq == nil || s1.CompletedSeq == nil ||
		s1.ToolCallRequestedSeq == nil || s1.ToolCallResultSeq == nil {
		t.Errorf("s1 timeline incomplete: %+v", s1)
	}
	if s1.Status != "ok" {
		t.Errorf("s1 status = %q", s1.Status)
	}
	if *s1.StartedSeq >= *s1.ToolCallRequestedSeq ||
		*s1.ToolCallRequestedSeq >= *s1.ToolCallResultSeq ||
		*s1.ToolCallResultSeq >= *s1.CompletedSeq {
		t.Errorf("s1 timeline out of order: %+v", s1)
	}
	if len(view.ToolsUsed) != 2 || view.ToolsUsed[0] != "m1" || view.ToolsUsed[1] != "m2" {
		t.Errorf("tools_used = %v", view.ToolsUsed)
	}
}

func TestReplayPolicyDeniedRunIsStructurallyValid(t *testing.T) {
	dbPath := tempDB(t)
	runID := runPlan(t, dbPath, router.Request{
		Goal:         "g",
		Mode:         types.ModeApply,
		Policy:       &router.Policy{AllowApply: false},
		PlanOverride: []types.PlanStep{{StepID: "s1", Intent: "i", Call: types.ToolCall{Tool: "t", Method: "m", Args: map[string]any{}}}},
	}, dispatch.NewFakeAdapter(""))

	res, err := Replay(context.Background(), dbPath, runID, true)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !res.OK {
		t.Errorf("ok = false, violations = %v", violationCodes(res))
	}
	if res.RunView.Outcome != "error" {
		t.Errorf("outcome = %q", res.RunView.Outcome)
	}
	if res.RunView.TerminalEventType != "RUN_FAILED" {
		t.Errorf("terminal_event_type = %q", res.RunView.TerminalEventType)
	}
}

func TestReplayRunNotFound(t *testing.T) {
	dbPath := tempDB(t)
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	st.Close()

	res, err := Replay(context.Background(), dbPath, "missing", true)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if res.OK {
		t.Error("ok = true for missing run")
	}
	if res.RunView != nil {
		t.Error("run_view present for missing run")
	}
	if !hasViolation(res, CodeRunNotFound) {
		t.Errorf("violations = %v, want RUN_NOT_FOUND", violationCodes(res))
	}
}

func TestReplayOrphanStepCompleted(t *testing.T) {
	dbPath := tempDB(t)
	injectRun(t, dbPath, "r1", "COMPLETED", []rawEvent{
		{0, "RUN_STARTED", `{"goal":"g","mode":"dry_run"}`},
		{1, "PLAN_CREATED", `{"plan":[]}`},
		{2, "STEP_COMPLETED", `{"status":"ok","step_id":"orphan"}`},
		{3, "PROVENANCE_EMITTED", `{"provenance":{}}`},
		{4, "RUN_COMPLETED", `{"outcome":"ok"}`},
	})

	res, err := Replay(context.Background(), dbPath, "r1", true)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if res.OK {
		t.Error("ok = true with orphan STEP_COMPLETED")
	}
	if !hasViolation(res, CodeStepCompletedWithoutStart) {
		t.Errorf("violations = %v, want STEP_COMPLETED_WITHOUT_START", violationCodes(res))
	}
}

func TestReplayStructuralViolations(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		events   []rawEvent
		wantCode string
	}{
		{
			name:     "no events",
			status:   "RUNNING",
			events:   nil,
			wantCode: CodeNoEvents,
		},
		{
			name:   "seq not zero",
			status: "COMPLETED",
			events: []rawEvent{
				{1, "RUN_STARTED", `{"goal":"g","mode":"dry_run"}`},
				{2, "PLAN_CREATED", `{"plan":[]}`},
				{3, "RUN_COMPLETED", `{"outcome":"ok"}`},
			},
			wantCode: CodeSeqNotZero,
		},
		{
			name:   "seq gap",
			status: "COMPLETED",
			events: []rawEvent{
				{0, "RUN_STARTED", `{"goal":"g","mode":"dry_run"}`},
				{1, "PLAN_CREATED", `{"plan":[]}`},
				{3, "RUN_COMPLETED", `{"outcome":"ok"}`},
			},
			wantCode: CodeSeqGap,
		},
		{
			name:   "run started not first",
			status: "COMPLETED",
			events: []rawEvent{
				{0, "PLAN_CREATED", `{"plan":[]}`},
				{1, "RUN_STARTED", `{"goal":"g","mode":"dry_run"}`},
				{2, "RUN_COMPLETED", `{"outcome":"ok"}`},
			},
			wantCode: CodeRunStartedNotFirst,
		},
		{
			name:   "plan before run started",
			status: "COMPLETED",
			events: []rawEvent{
				{0, "PLAN_CREATED", `{"plan":[]}`},
				{1, "RUN_STARTED", `{"goal":"g","mode":"dry_run"}`},
				{2, "RUN_COMPLETED", `{"outcome":"ok"}`},
			},
			wantCode: CodePlanBeforeRunStarted,
		},
		{
			name:   "tool call without step",
			status: "COMPLETED",
			events: []rawEvent{
				{0, "RUN_STARTED", `{"goal":"g","mode":"dry_run"}`},
				{1, "PLAN_CREATED", `{"plan":[]}`},
				{2, "TOOL_CALL_REQUESTED", `{"call":{"args":{},"method":"m","tool":"t"},"step_id":"s1"}`},
				{3, "RUN_COMPLETED", `{"outcome":"ok"}`},
			},
			wantCode: CodeToolCallWithoutStep,
		},
		{
			name:   "tool result without step",
			status: "COMPLETED",
			events: []rawEvent{
				{0, "RUN_STARTED", `{"goal":"g","mode":"dry_run"}`},
				{1, "PLAN_CREATED", `{"plan":[]}`},
				{2, "TOOL_CALL_SUCCEEDED", `{"output":{},"step_id":"s1"}`},
				{3, "RUN_COMPLETED", `{"outcome":"ok"}`},
			},
			wantCode: CodeToolResultWithoutStep,
		},
		{
			name:   "no run started",
			status: "COMPLETED",
			events: []rawEvent{
				{0, "PLAN_CREATED", `{"plan":[]}`},
				{1, "RUN_COMPLETED", `{"outcome":"ok"}`},
			},
			wantCode: CodeNoRunStarted,
		},
		{
			name:   "no plan created",
			status: "COMPLETED",
			events: []rawEvent{
				{0, "RUN_STARTED", `{"goal":"g","mode":"dry_run"}`},
				{1, "RUN_COMPLETED", `{"outcome":"ok"}`},
			},
			wantCode: CodeNoPlanCreated,
		},
		{
			name:   "no terminal event",
			status: "RUNNING",
			events: []rawEvent{
				{0, "RUN_STARTED", `{"goal":"g","mode":"dry_run"}`},
				{1, "PLAN_CREATED", `{"plan":[]}`},
			},
			wantCode: CodeNoTerminalEvent,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbPath := tempDB(t)
			runID := fmt.Sprintf("run-%d", i)
			injectRun(t, dbPath, runID, tt.status, tt.events)

			res, err := Replay(context.Background(), dbPath, runID, true)
			if err != nil {
				t.Fatalf("Replay failed: %v", err)
			}
			if res.OK {
				t.Error("ok = true despite violation")
			}
			if !hasViolation(res, tt.wantCode) {
				t.Errorf("violations = %v, want %s", violationCodes(res), tt.wantCode)
			}
		})
	}
}

func TestReplayNonStrictReportsButPasses(t *testing.T) {
	dbPath := tempDB(t)
	injectRun(t, dbPath, "r1", "RUNNING", []rawEvent{
		{0, "RUN_STARTED", `{"goal":"g","mode":"dry_run"}`},
		{1, "PLAN_CREATED", `{"plan":[]}`},
	})

	res, err := Replay(context.Background(), dbPath, "r1", false)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !res.OK {
		t.Error("ok = false with strict=false")
	}
	if !hasViolation(res, CodeNoTerminalEvent) {
		t.Errorf("violations = %v, still expected NO_TERMINAL_EVENT reported", violationCodes(res))
	}
}

func TestReplayViolationCarriesContext(t *testing.T) {
	dbPath := tempDB(t)
	injectRun(t, dbPath, "r1", "COMPLETED", []rawEvent{
		{0, "RUN_STARTED", `{"goal":"g","mode":"dry_run"}`},
		{1, "PLAN_CREATED", `{"plan":[]}`},
		{2, "STEP_COMPLETED", `{"status":"ok","step_id":"orphan"}`},
		{3, "RUN_COMPLETED", `{"outcome":"ok"}`},
	})

	res, err := Replay(context.Background(), dbPath, "r1", true)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	for _, v := range res.Violations {
		if v.Code == CodeStepCompletedWithoutStart {
			if v.Seq == nil || *v.Seq != 2 {
				t.Errorf("violation seq = %v, want 2", v.Seq)
			}
			if v.EventID == "" {
				t.Error("violation missing event_id")
			}
			return
		}
	}
	t.Fatalf("violation not found in %v", violationCodes(res))
}
