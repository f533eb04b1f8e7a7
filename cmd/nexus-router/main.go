// Command nexus-router is the CLI glue over the run, inspect, and replay
// tools. Requests are JSON documents validated against the embedded
// versioned schemas; responses are printed to stdout as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	nexusrouter "github.com/mcp-tool-shop-org/nexus-router"
	"github.com/mcp-tool-shop-org/nexus-router/internal/config"
	"github.com/mcp-tool-shop-org/nexus-router/internal/dispatch"
	"github.com/mcp-tool-shop-org/nexus-router/internal/otel"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, os.Args[2:])
	case "inspect":
		err = inspectCmd(ctx, os.Args[2:])
	case "replay":
		err = replayCmd(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nexus-router <run|inspect|replay> [flags]")
}

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dbPath := fs.String("db", config.DefaultDBPath, "SQLite database path (\":memory:\" is ephemeral)")
	requestPath := fs.String("request", "-", "Request JSON file path, or - for stdin")
	toolCmd := fs.String("tool-cmd", "", "Base command for the subprocess adapter (space separated)")
	timeout := fs.Duration("timeout", config.DefaultSubprocessTimeout, "Subprocess tool call timeout")
	otelExporter := fs.String("otel-exporter", "none", "Telemetry exporter: none, stdout, otlp-grpc, otlp-http")
	otelEndpoint := fs.String("otel-endpoint", "", "OTLP endpoint for telemetry export")
	if err := fs.Parse(args); err != nil {
		return err
	}

	shutdown, err := setupTelemetry(ctx, *otelExporter, *otelEndpoint)
	if err != nil {
		return err
	}
	defer shutdown()

	raw, err := readInput(*requestPath)
	if err != nil {
		return err
	}
	var request map[string]any
	if err := json.Unmarshal(raw, &request); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}

	opts := []nexusrouter.RunOption{nexusrouter.WithDBPath(*dbPath)}
	if *toolCmd != "" {
		adapter, err := dispatch.NewSubprocessAdapter(
			strings.Fields(*toolCmd),
			dispatch.WithTimeout(*timeout),
		)
		if err != nil {
			return err
		}
		opts = append(opts, nexusrouter.WithAdapter(adapter))
	}

	resp, err := nexusrouter.Run(ctx, request, opts...)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func inspectCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dbPath := fs.String("db", "", "SQLite database path (required)")
	runID := fs.String("run-id", "", "Filter to a specific run")
	status := fs.String("status", "", "Filter by status: RUNNING, COMPLETED, FAILED")
	limit := fs.Int("limit", config.DefaultListLimit, "Max runs to return")
	offset := fs.Int("offset", 0, "Pagination offset")
	since := fs.String("since", "", "Minimum created_at (RFC 3339)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		return fmt.Errorf("-db is required")
	}

	request := map[string]any{
		"db_path": *dbPath,
		"limit":   *limit,
		"offset":  *offset,
	}
	if *runID != "" {
		request["run_id"] = *runID
	}
	if *status != "" {
		request["status"] = *status
	}
	if *since != "" {
		request["since"] = *since
	}

	result, err := nexusrouter.Inspect(ctx, request)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func replayCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	dbPath := fs.String("db", "", "SQLite database path (required)")
	runID := fs.String("run-id", "", "Run to replay (required)")
	strict := fs.Bool("strict", true, "Violations cause ok=false")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" || *runID == "" {
		return fmt.Errorf("-db and -run-id are required")
	}

	result, err := nexusrouter.Replay(ctx, map[string]any{
		"db_path": *dbPath,
		"run_id":  *runID,
		"strict":  *strict,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func setupTelemetry(ctx context.Context, exporter, endpoint string) (func(), error) {
	if exporter == "" || exporter == string(otel.ExporterNone) {
		return func() {}, nil
	}

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:      true,
		ServiceName:  "nexus-router",
		ExporterType: otel.ExporterType(exporter),
		OTLPEndpoint: endpoint,
		OTLPInsecure: true,
		SampleRate:   1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	metrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:      true,
		ServiceName:  "nexus-router",
		ExporterType: otel.ExporterType(exporter),
		OTLPEndpoint: endpoint,
		OTLPInsecure: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	otel.SetGlobalTracer(tracer)
	otel.SetGlobalMetrics(metrics)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown failed", "error", err)
		}
	}, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
