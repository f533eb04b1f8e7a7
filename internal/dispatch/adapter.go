// Package dispatch provides the transport adapters for tool calls.
//
// The router decides what to call; an adapter decides how to call it. An
// adapter either succeeds with a JSON object or fails with one of two error
// classes: OperationalError for expected, tool-attributable failures and
// BugError for defects in the adapter itself. Anything else an adapter
// returns or panics with is treated as a bug by the router.
package dispatch

import "context"

// Adapter executes a single tool call.
type Adapter interface {
	// AdapterID returns a stable identifier for this adapter instance.
	AdapterID() string

	// Call executes one tool call and returns a JSON object.
	Call(ctx context.Context, tool, method string, args map[string]any) (map[string]any, error)
}
