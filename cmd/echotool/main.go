// Command echotool is a reference implementation of the subprocess wire
// contract and the fixture used to exercise the subprocess adapter:
//
//	echotool call <tool> <method> --json-args-file <path>
//
// It reads the JSON payload {tool, method, args} from the file, writes a
// single JSON object to stdout, and exits 0. Failure scenarios are
// simulated through args:
//
//	simulate_timeout         sleep far longer than any reasonable timeout
//	simulate_exit_code       exit with the given code (stderr_message to stderr)
//	simulate_invalid_json    print non-JSON output
//	simulate_stderr          write to stderr but still succeed
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type payload struct {
	Tool   string         `json:"tool"`
	Method string         `json:"method"`
	Args   map[string]any `json:"args"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 || args[0] != "call" {
		fail("unknown command")
		return 1
	}
	if len(args) < 5 || args[3] != "--json-args-file" {
		fail("usage: echotool call <tool> <method> --json-args-file <path>")
		return 1
	}
	tool, method, argsPath := args[1], args[2], args[4]

	data, err := os.ReadFile(argsPath)
	if err != nil {
		fail(fmt.Sprintf("failed to read args file: %v", err))
		return 1
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		fail(fmt.Sprintf("failed to parse args file: %v", err))
		return 1
	}
	toolArgs := p.Args
	if toolArgs == nil {
		toolArgs = map[string]any{}
	}

	if truthy(toolArgs["simulate_timeout"]) {
		seconds := 3600.0
		if s, ok := toolArgs["simulate_timeout_seconds"].(float64); ok {
			seconds = s
		}
		time.Sleep(time.Duration(seconds * float64(time.Second)))
		return 0
	}

	if code, ok := toolArgs["simulate_exit_code"].(float64); ok {
		msg := "Simulated error"
		if s, ok := toolArgs["stderr_message"].(string); ok {
			msg = s
		}
		fmt.Fprintln(os.Stderr, msg)
		return int(code)
	}

	if truthy(toolArgs["simulate_invalid_json"]) {
		fmt.Println("This is not valid JSON {{{")
		return 0
	}

	if s, ok := toolArgs["simulate_stderr"].(string); ok && s != "" {
		fmt.Fprintln(os.Stderr, s)
	}

	result := map[string]any{
		"success":       true,
		"tool":          tool,
		"method":        method,
		"received_args": toolArgs,
		"echo":          true,
	}
	out, err := json.Marshal(result)
	if err != nil {
		fail(fmt.Sprintf("failed to encode result: %v", err))
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return false
	}
}

func fail(msg string) {
	out, _ := json.Marshal(map[string]any{"error": msg})
	fmt.Println(string(out))
}
