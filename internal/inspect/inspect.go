// Package inspect provides a read-only summary view over the event store.
// It derives per-run fields from events but never validates invariants.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcp-tool-shop-org/nexus-router/internal/events"
	"github.com/mcp-tool-shop-org/nexus-router/internal/store"
	"github.com/mcp-tool-shop-org/nexus-router/internal/types"
)

// Options filter and paginate the run listing.
type Options struct {
	RunID  string
	Status types.RunStatus
	Since  string
	Limit  int
	Offset int
}

// Summary aggregates run counts under the filter.
type Summary struct {
	RunsTotal int `json:"runs_total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
}

// RunSummary is one run with its event-derived fields.
type RunSummary struct {
	RunID             string   `json:"run_id"`
	Mode              string   `json:"mode"`
	Goal              string   `json:"goal"`
	Status            string   `json:"status"`
	CreatedAt         string   `json:"created_at"`
	StepsPlanned      int      `json:"steps_planned"`
	StepsExecuted     int      `json:"steps_executed"`
	ToolsUsed         []string `json:"tools_used"`
	Outcome           *string  `json:"outcome"`
	LastFailureReason *string  `json:"last_failure_reason"`
}

// Result is the inspect response.
type Result struct {
	Summary Summary      `json:"summary"`
	Runs    []RunSummary `json:"runs"`
}

// Inspect opens the store at dbPath and returns aggregate counts plus the
// filtered, paginated run listing ordered by created_at descending.
func Inspect(ctx context.Context, dbPath string, opts Options) (*Result, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	filter := store.Filter{
		RunID:  opts.RunID,
		Status: opts.Status,
		Since:  opts.Since,
	}

	counts, err := st.CountRuns(ctx, filter)
	if err != nil {
		return nil, err
	}

	records, err := st.ListRuns(ctx, filter, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}

	runs := make([]RunSummary, 0, len(records))
	for _, rec := range records {
		summary, err := buildRunSummary(ctx, st, rec)
		if err != nil {
			return nil, err
		}
		runs = append(runs, summary)
	}

	return &Result{
		Summary: Summary{
			RunsTotal: counts.Total,
			Completed: counts.Completed,
			Failed:    counts.Failed,
			Running:   counts.Running,
		},
		Runs: runs,
	}, nil
}

// buildRunSummary derives the per-run fields from the run's events.
func buildRunSummary(ctx context.Context, st *store.Store, rec store.RunRecord) (RunSummary, error) {
	evs, err := st.ReadEvents(ctx, rec.RunID)
	if err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{
		RunID:     rec.RunID,
		Mode:      string(rec.Mode),
		Goal:      rec.Goal,
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt,
		ToolsUsed: []string{},
	}

	for _, ev := range evs {
		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			payload = map[string]any{}
		}

		switch ev.Type {
		case events.TypePlanCreated:
			if plan, ok := payload["plan"].([]any); ok {
				summary.StepsPlanned = len(plan)
			}

		case events.TypeStepStarted:
			summary.StepsExecuted++

		case events.TypeToolCallRequested:
			if call, ok := payload["call"].(map[string]any); ok {
				if method, _ := call["method"].(string); method != "" {
					summary.recordTool(method)
				}
			}

		case events.TypeRunCompleted:
			outcome := "ok"
			summary.Outcome = &outcome

		case events.TypeRunFailed:
			outcome := "error"
			summary.Outcome = &outcome
			if reason, _ := payload["reason"].(string); reason != "" {
				r := reason
				summary.LastFailureReason = &r
			}
		}
	}
	return summary, nil
}

func (s *RunSummary) recordTool(method string) {
	for _, m := range s.ToolsUsed {
		if m == method {
			return
		}
	}
	s.ToolsUsed = append(s.ToolsUsed, method)
}
