package dispatch

import (
	"context"
	"sync"
)

type callKey struct {
	tool   string
	method string
}

// ResponseFunc computes a response from the call args, or fails.
type ResponseFunc func(args map[string]any) (map[string]any, error)

// DefaultResponseFunc computes a response for any unregistered call.
type DefaultResponseFunc func(tool, method string, args map[string]any) (map[string]any, error)

// CallRecord is one entry of the fake adapter's call log.
type CallRecord struct {
	Tool   string
	Method string
	Args   map[string]any
}

// FakeAdapter serves configurable responses for unit tests. Responses may be
// fixed objects, computed from args, or pre-programmed errors. Every call is
// recorded in the call log.
type FakeAdapter struct {
	id string

	mu              sync.Mutex
	responses       map[callKey]ResponseFunc
	defaultResponse DefaultResponseFunc
	callLog         []CallRecord
}

// NewFakeAdapter creates a FakeAdapter. An empty id defaults to "fake".
func NewFakeAdapter(id string) *FakeAdapter {
	if id == "" {
		id = "fake"
	}
	return &FakeAdapter{
		id:        id,
		responses: make(map[callKey]ResponseFunc),
	}
}

func (a *FakeAdapter) AdapterID() string { return a.id }

// SetResponse registers a fixed response object for (tool, method).
func (a *FakeAdapter) SetResponse(tool, method string, response map[string]any) {
	a.SetResponseFunc(tool, method, func(map[string]any) (map[string]any, error) {
		return response, nil
	})
}

// SetResponseFunc registers a computed response for (tool, method).
func (a *FakeAdapter) SetResponseFunc(tool, method string, fn ResponseFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[callKey{tool, method}] = fn
}

// SetDefaultResponse registers the response for unregistered calls.
func (a *FakeAdapter) SetDefaultResponse(fn DefaultResponseFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defaultResponse = fn
}

// SetOperationalError programs (tool, method) to fail operationally.
func (a *FakeAdapter) SetOperationalError(tool, method, message string, code ErrorCode) {
	if code == "" {
		code = CodeToolError
	}
	a.SetResponseFunc(tool, method, func(map[string]any) (map[string]any, error) {
		return nil, &OperationalError{Code: code, Message: message}
	})
}

// SetBugError programs (tool, method) to fail with an adapter bug.
func (a *FakeAdapter) SetBugError(tool, method, message string) {
	a.SetResponseFunc(tool, method, func(map[string]any) (map[string]any, error) {
		return nil, &BugError{Code: CodeAdapterBug, Message: message}
	})
}

// CallLog returns a copy of the calls made so far.
func (a *FakeAdapter) CallLog() []CallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CallRecord, len(a.callLog))
	copy(out, a.callLog)
	return out
}

// Reset clears all configured responses and the call log.
func (a *FakeAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses = make(map[callKey]ResponseFunc)
	a.defaultResponse = nil
	a.callLog = nil
}

// Call executes the configured response for the call, falling back to the
// default response and then to a placeholder object.
func (a *FakeAdapter) Call(_ context.Context, tool, method string, args map[string]any) (map[string]any, error) {
	a.mu.Lock()
	a.callLog = append(a.callLog, CallRecord{Tool: tool, Method: method, Args: args})
	fn, ok := a.responses[callKey{tool, method}]
	def := a.defaultResponse
	a.mu.Unlock()

	if ok {
		return fn(args)
	}
	if def != nil {
		return def(tool, method, args)
	}
	return map[string]any{
		"fake":      true,
		"tool":      tool,
		"method":    method,
		"args_echo": args,
		"result":    nil,
	}, nil
}
