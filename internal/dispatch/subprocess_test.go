package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

// helperEnv marks a re-exec of the test binary as the fake tool process.
const helperEnv = "GO_WANT_HELPER_PROCESS"

// helperBaseCmd returns a base command that re-executes this test binary as
// an echo tool speaking the subprocess wire contract.
func helperBaseCmd() []string {
	return []string{os.Args[0], "-test.run=TestHelperProcess", "--"}
}

func newHelperAdapter(t *testing.T, opts ...SubprocessOption) *SubprocessAdapter {
	t.Helper()
	opts = append([]SubprocessOption{
		WithEnv(map[string]string{helperEnv: "1"}),
	}, opts...)
	a, err := NewSubprocessAdapter(helperBaseCmd(), opts...)
	if err != nil {
		t.Fatalf("NewSubprocessAdapter failed: %v", err)
	}
	return a
}

// TestHelperProcess is not a real test. It implements the echo tool wire
// contract when the test binary is re-executed by the subprocess adapter.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	// Expected: call <tool> <method> --json-args-file <path>
	if len(args) < 5 || args[0] != "call" || args[3] != "--json-args-file" {
		fmt.Println(`{"error": "bad arguments"}`)
		os.Exit(1)
	}
	tool, method, argsPath := args[1], args[2], args[4]

	data, err := os.ReadFile(argsPath)
	if err != nil {
		fmt.Printf(`{"error": "read args file: %v"}`+"\n", err)
		os.Exit(1)
	}
	var payload struct {
		Tool   string         `json:"tool"`
		Method string         `json:"method"`
		Args   map[string]any `json:"args"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		fmt.Printf(`{"error": "parse args file: %v"}`+"\n", err)
		os.Exit(1)
	}
	toolArgs := payload.Args

	if v, ok := toolArgs["simulate_timeout"].(bool); ok && v {
		time.Sleep(time.Hour)
		os.Exit(0)
	}
	if code, ok := toolArgs["simulate_exit_code"].(float64); ok {
		fmt.Fprintln(os.Stderr, "Simulated error")
		os.Exit(int(code))
	}
	if v, ok := toolArgs["simulate_invalid_json"].(bool); ok && v {
		fmt.Println("This is not valid JSON {{{")
		os.Exit(0)
	}
	if v, ok := toolArgs["simulate_non_object"].(bool); ok && v {
		fmt.Println(`[1, 2, 3]`)
		os.Exit(0)
	}
	if s, ok := toolArgs["simulate_stderr"].(string); ok && s != "" {
		fmt.Fprintln(os.Stderr, s)
	}

	out, _ := json.Marshal(map[string]any{
		"success":       true,
		"tool":          tool,
		"method":        method,
		"received_args": toolArgs,
		"echo":          true,
	})
	fmt.Println(string(out))
	os.Exit(0)
}

func TestSubprocessAdapterEmptyBaseCmd(t *testing.T) {
	if _, err := NewSubprocessAdapter(nil); err == nil {
		t.Error("empty base command accepted")
	}
}

func TestSubprocessAdapterIDDerivation(t *testing.T) {
	cmd := []string{"/usr/bin/python3", "-m", "some_module"}
	a, err := NewSubprocessAdapter(cmd)
	if err != nil {
		t.Fatalf("NewSubprocessAdapter failed: %v", err)
	}

	sum := sha256.Sum256([]byte(strings.Join(cmd, " ")))
	want := "subprocess:python3:" + hex.EncodeToString(sum[:])[:6]
	if a.AdapterID() != want {
		t.Errorf("adapter_id = %q, want %q", a.AdapterID(), want)
	}

	again, _ := NewSubprocessAdapter(cmd)
	if again.AdapterID() != a.AdapterID() {
		t.Error("same base command produced different adapter IDs")
	}

	other, _ := NewSubprocessAdapter([]string{"/usr/bin/python3", "-m", "other_module"})
	if other.AdapterID() == a.AdapterID() {
		t.Error("different base commands produced the same adapter ID")
	}
}

func TestSubprocessAdapterCustomID(t *testing.T) {
	a, err := NewSubprocessAdapter([]string{"tool"}, WithAdapterID("my-custom-adapter"))
	if err != nil {
		t.Fatalf("NewSubprocessAdapter failed: %v", err)
	}
	if a.AdapterID() != "my-custom-adapter" {
		t.Errorf("adapter_id = %q", a.AdapterID())
	}
}

func TestSubprocessAdapterSuccess(t *testing.T) {
	a := newHelperAdapter(t)

	out, err := a.Call(context.Background(), "my-tool", "my-method", map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out["success"] != true {
		t.Errorf("success = %v", out["success"])
	}
	if out["tool"] != "my-tool" || out["method"] != "my-method" {
		t.Errorf("echoed call = %v %v", out["tool"], out["method"])
	}
	received, ok := out["received_args"].(map[string]any)
	if !ok || received["key"] != "value" {
		t.Errorf("received_args = %v", out["received_args"])
	}
}

func TestSubprocessAdapterSuccessIgnoresStderr(t *testing.T) {
	a := newHelperAdapter(t)

	out, err := a.Call(context.Background(), "t", "m", map[string]any{
		"simulate_stderr": "Warning: something happened",
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out["success"] != true {
		t.Errorf("success = %v", out["success"])
	}
}

func TestSubprocessAdapterErrors(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]any
		wantCode ErrorCode
	}{
		{"non-zero exit", map[string]any{"simulate_exit_code": 7}, CodeNonzeroExit},
		{"invalid json output", map[string]any{"simulate_invalid_json": true}, CodeInvalidJSONOutput},
		{"non-object output", map[string]any{"simulate_non_object": true}, CodeInvalidJSONOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newHelperAdapter(t)
			_, err := a.Call(context.Background(), "t", "m", tt.args)
			opErr, ok := AsOperational(err)
			if !ok {
				t.Fatalf("got %v, want OperationalError", err)
			}
			if opErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", opErr.Code, tt.wantCode)
			}
		})
	}
}

func TestSubprocessAdapterTimeout(t *testing.T) {
	a := newHelperAdapter(t, WithTimeout(500*time.Millisecond))

	start := time.Now()
	_, err := a.Call(context.Background(), "t", "m", map[string]any{"simulate_timeout": true})
	elapsed := time.Since(start)

	opErr, ok := AsOperational(err)
	if !ok {
		t.Fatalf("got %v, want OperationalError", err)
	}
	if opErr.Code != CodeTimeout {
		t.Errorf("code = %s, want TIMEOUT", opErr.Code)
	}
	if elapsed > 10*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestSubprocessAdapterCommandNotFound(t *testing.T) {
	a, err := NewSubprocessAdapter([]string{"definitely-not-a-real-binary-xyz"})
	if err != nil {
		t.Fatalf("NewSubprocessAdapter failed: %v", err)
	}

	_, err = a.Call(context.Background(), "t", "m", map[string]any{})
	opErr, ok := AsOperational(err)
	if !ok {
		t.Fatalf("got %v, want OperationalError", err)
	}
	if opErr.Code != CodeCommandNotFound {
		t.Errorf("code = %s, want COMMAND_NOT_FOUND", opErr.Code)
	}
}

func TestSubprocessAdapterCleansUpArgsFiles(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	a := newHelperAdapter(t)

	if _, err := a.Call(context.Background(), "t", "m", map[string]any{}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if _, err := a.Call(context.Background(), "t", "m", map[string]any{"simulate_exit_code": 1}); err == nil {
		t.Fatal("expected operational error")
	}

	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "nexus_args_") {
			t.Errorf("leftover args file: %s", e.Name())
		}
	}
}
