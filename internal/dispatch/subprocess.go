package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcp-tool-shop-org/nexus-router/internal/config"
	"github.com/mcp-tool-shop-org/nexus-router/internal/events"
)

// SubprocessAdapter executes tool calls by invoking an external command:
//
//	<base_cmd...> call <tool> <method> --json-args-file <path>
//
// The external command reads the JSON payload {tool, method, args} from the
// file, writes a single JSON object to stdout, and exits 0. Any non-zero
// exit, malformed output, or non-object result is an operational failure.
// stderr is informational only.
type SubprocessAdapter struct {
	baseCmd         []string
	id              string
	timeout         time.Duration
	dir             string
	env             map[string]string
	maxCaptureChars int
}

// SubprocessOption configures a SubprocessAdapter.
type SubprocessOption func(*SubprocessAdapter)

// WithAdapterID overrides the derived adapter identifier.
func WithAdapterID(id string) SubprocessOption {
	return func(a *SubprocessAdapter) { a.id = id }
}

// WithTimeout sets the wall-clock timeout for one call.
func WithTimeout(d time.Duration) SubprocessOption {
	return func(a *SubprocessAdapter) { a.timeout = d }
}

// WithDir sets the subprocess working directory.
func WithDir(dir string) SubprocessOption {
	return func(a *SubprocessAdapter) { a.dir = dir }
}

// WithEnv sets environment variables merged over the ambient environment.
func WithEnv(env map[string]string) SubprocessOption {
	return func(a *SubprocessAdapter) { a.env = env }
}

// WithMaxCaptureChars bounds output kept for diagnostic messages. Parsing
// always sees the full stdout.
func WithMaxCaptureChars(n int) SubprocessOption {
	return func(a *SubprocessAdapter) { a.maxCaptureChars = n }
}

// NewSubprocessAdapter creates an adapter for the given base command.
func NewSubprocessAdapter(baseCmd []string, opts ...SubprocessOption) (*SubprocessAdapter, error) {
	if len(baseCmd) == 0 {
		return nil, fmt.Errorf("base command must not be empty")
	}
	a := &SubprocessAdapter{
		baseCmd:         append([]string(nil), baseCmd...),
		timeout:         config.DefaultSubprocessTimeout,
		maxCaptureChars: config.DefaultMaxCaptureChars,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.id == "" {
		a.id = deriveAdapterID(a.baseCmd)
	}
	return a, nil
}

// deriveAdapterID builds a stable identifier from the base command. The same
// command produces the same ID across runs and processes.
func deriveAdapterID(baseCmd []string) string {
	sum := sha256.Sum256([]byte(strings.Join(baseCmd, " ")))
	return "subprocess:" + filepath.Base(baseCmd[0]) + ":" + hex.EncodeToString(sum[:])[:6]
}

func (a *SubprocessAdapter) AdapterID() string { return a.id }

// Call materializes the canonical JSON payload into a temporary file, runs
// the subprocess without shell interpretation, and parses its stdout. The
// temporary file is removed on all exit paths.
func (a *SubprocessAdapter) Call(ctx context.Context, tool, method string, args map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"tool":   tool,
		"method": method,
		"args":   args,
	}
	payloadJSON, err := events.MarshalCanonical(payload)
	if err != nil {
		return nil, &BugError{Code: CodeAdapterBug, Message: fmt.Sprintf("encode args payload: %v", err)}
	}

	argsFile, err := os.CreateTemp("", "nexus_args_*.json")
	if err != nil {
		return nil, &OperationalError{Code: CodeOSError, Message: fmt.Sprintf("create args file: %v", err)}
	}
	argsPath := argsFile.Name()
	defer os.Remove(argsPath)

	if _, err := argsFile.Write(payloadJSON); err != nil {
		argsFile.Close()
		return nil, &OperationalError{Code: CodeOSError, Message: fmt.Sprintf("write args file: %v", err)}
	}
	if err := argsFile.Close(); err != nil {
		return nil, &OperationalError{Code: CodeOSError, Message: fmt.Sprintf("close args file: %v", err)}
	}

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	argv := append(append([]string(nil), a.baseCmd[1:]...),
		"call", tool, method, "--json-args-file", argsPath)
	cmd := exec.CommandContext(cctx, a.baseCmd[0], argv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if a.dir != "" {
		cmd.Dir = a.dir
	}
	if len(a.env) > 0 {
		env := os.Environ()
		for k, v := range a.env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	runErr := cmd.Run()

	if cctx.Err() == context.DeadlineExceeded {
		return nil, &OperationalError{
			Code:    CodeTimeout,
			Message: fmt.Sprintf("command timed out after %s", a.timeout),
		}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			msg := fmt.Sprintf("command exited with code %d", exitErr.ExitCode())
			if s := strings.TrimSpace(a.truncate(stderr.String())); s != "" {
				msg += ": " + s
			}
			return nil, &OperationalError{Code: CodeNonzeroExit, Message: msg}
		case errors.Is(runErr, exec.ErrNotFound):
			return nil, &OperationalError{
				Code:    CodeCommandNotFound,
				Message: fmt.Sprintf("command not found: %s", a.baseCmd[0]),
			}
		default:
			return nil, &OperationalError{
				Code:    CodeOSError,
				Message: fmt.Sprintf("executing command: %v", runErr),
			}
		}
	}

	// Parse the full stdout; truncation applies to diagnostics only.
	var parsed any
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return nil, &OperationalError{
			Code:    CodeInvalidJSONOutput,
			Message: fmt.Sprintf("invalid JSON output: %v", err),
		}
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, &OperationalError{
			Code:    CodeInvalidJSONOutput,
			Message: fmt.Sprintf("output is not a JSON object: %T", parsed),
		}
	}
	return obj, nil
}

func (a *SubprocessAdapter) truncate(text string) string {
	if len(text) <= a.maxCaptureChars {
		return text
	}
	return text[:a.maxCaptureChars] + fmt.Sprintf("... [truncated at %d]", a.maxCaptureChars)
}
