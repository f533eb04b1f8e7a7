package dispatch

import "errors"

// ErrorCode identifies a specific failure within the two error classes.
type ErrorCode string

const (
	// Operational codes used by the subprocess adapter.
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeCommandNotFound   ErrorCode = "COMMAND_NOT_FOUND"
	CodeOSError           ErrorCode = "OS_ERROR"
	CodeNonzeroExit       ErrorCode = "NONZERO_EXIT"
	CodeInvalidJSONOutput ErrorCode = "INVALID_JSON_OUTPUT"

	// CodeToolError is the generic operational code for tool-attributed
	// failures raised by other adapters.
	CodeToolError ErrorCode = "TOOL_ERROR"

	// CodeAdapterBug marks a defect in the adapter itself.
	CodeAdapterBug ErrorCode = "ADAPTER_BUG"
)

// OperationalError is an expected failure attributable to the tool, the
// transport, or the inputs. The router records it and continues with the
// next step.
type OperationalError struct {
	Code    ErrorCode
	Message string
}

func (e *OperationalError) Error() string { return e.Message }

// BugError is an unexpected failure attributable to the adapter. The router
// fails the whole run when it sees one.
type BugError struct {
	Code    ErrorCode
	Message string
}

func (e *BugError) Error() string { return e.Message }

// AsOperational reports whether err is (or wraps) an OperationalError.
func AsOperational(err error) (*OperationalError, bool) {
	var oe *OperationalError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// AsBug reports whether err is (or wraps) a BugError.
func AsBug(err error) (*BugError, bool) {
	var be *BugError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
