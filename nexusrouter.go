// Package nexusrouter is a tool-call orchestrator with event-sourced
// auditability. A run request carries a goal, an execution mode, an optional
// policy, and an ordered plan of tool calls; the router executes each step
// through a dispatch adapter while appending an immutable event log. The
// same log backs two read-only tools: an inspector that summarizes many
// runs and a replayer that reconstructs a single run and proves the event
// stream obeys its structural invariants.
//
// The three entry points below mirror the public tool IDs. Each validates
// its request against the embedded versioned schema before anything is
// persisted.
package nexusrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mcp-tool-shop-org/nexus-router/internal/config"
	"github.com/mcp-tool-shop-org/nexus-router/internal/dispatch"
	"github.com/mcp-tool-shop-org/nexus-router/internal/inspect"
	"github.com/mcp-tool-shop-org/nexus-router/internal/replay"
	"github.com/mcp-tool-shop-org/nexus-router/internal/router"
	"github.com/mcp-tool-shop-org/nexus-router/internal/store"
	"github.com/mcp-tool-shop-org/nexus-router/internal/types"
	"github.com/mcp-tool-shop-org/nexus-router/internal/validation"
)

// Public tool IDs.
const (
	ToolIDRun     = "nexus-router.run"
	ToolIDInspect = "nexus-router.inspect"
	ToolIDReplay  = "nexus-router.replay"
)

var (
	validatorOnce sync.Once
	validator     *validation.Validator
	validatorErr  error
)

func requestValidator() (*validation.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = validation.New()
	})
	return validator, validatorErr
}

// RunOption configures a Run call.
type RunOption func(*runOptions)

type runOptions struct {
	dbPath  string
	adapter dispatch.Adapter
}

// WithDBPath selects the store location. The default ":memory:" is
// ephemeral; pass a file path to persist runs.
func WithDBPath(path string) RunOption {
	return func(o *runOptions) { o.dbPath = path }
}

// WithAdapter selects the dispatch adapter used in apply mode. The default
// is the null adapter.
func WithAdapter(a dispatch.Adapter) RunOption {
	return func(o *runOptions) { o.adapter = a }
}

// Run validates and executes a nexus-router.run request.
func Run(ctx context.Context, request map[string]any, opts ...RunOption) (*router.Response, error) {
	v, err := requestValidator()
	if err != nil {
		return nil, err
	}
	if err := v.Validate(validation.SchemaRunRequest, request); err != nil {
		return nil, err
	}

	o := &runOptions{dbPath: config.DefaultDBPath}
	for _, opt := range opts {
		opt(o)
	}

	var req router.Request
	if err := decodeRequest(request, &req); err != nil {
		return nil, err
	}

	st, err := store.Open(o.dbPath)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	return router.New(st, o.adapter).Run(ctx, req)
}

// Inspect validates and executes a nexus-router.inspect request.
func Inspect(ctx context.Context, request map[string]any) (*inspect.Result, error) {
	v, err := requestValidator()
	if err != nil {
		return nil, err
	}
	if err := v.Validate(validation.SchemaInspectRequest, request); err != nil {
		return nil, err
	}

	opts := inspect.Options{
		RunID:  stringValue(request, "run_id"),
		Status: types.RunStatus(stringValue(request, "status")),
		Since:  stringValue(request, "since"),
		Limit:  intValue(request, "limit", config.DefaultListLimit),
		Offset: intValue(request, "offset", 0),
	}
	return inspect.Inspect(ctx, stringValue(request, "db_path"), opts)
}

// Replay validates and executes a nexus-router.replay request.
func Replay(ctx context.Context, request map[string]any) (*replay.Result, error) {
	v, err := requestValidator()
	if err != nil {
		return nil, err
	}
	if err := v.Validate(validation.SchemaReplayRequest, request); err != nil {
		return nil, err
	}

	strict := true
	if s, ok := request["strict"].(bool); ok {
		strict = s
	}
	return replay.Replay(ctx, stringValue(request, "db_path"), stringValue(request, "run_id"), strict)
}

// decodeRequest converts a validated request map into the typed request.
func decodeRequest(request map[string]any, out *router.Request) error {
	raw, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func stringValue(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intValue(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}
