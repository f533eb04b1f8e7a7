// Package provenance builds the run provenance summary emitted as the
// PROVENANCE_EMITTED payload. The shape is additive and versioned
// independently of the event schema.
package provenance

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mcp-tool-shop-org/nexus-router/internal/types"
)

// Version identifies the provenance payload shape.
const Version = "provenance/v1"

// HostSnapshot is a best-effort description of the machine the run executed
// on. Fields that cannot be collected are left zero.
type HostSnapshot struct {
	Hostname    string `json:"hostname,omitempty"`
	OS          string `json:"os,omitempty"`
	Platform    string `json:"platform,omitempty"`
	CPUCount    int    `json:"cpu_count,omitempty"`
	MemoryTotal uint64 `json:"memory_total_bytes,omitempty"`
}

// Provenance summarizes one run for auditing.
type Provenance struct {
	Version        string        `json:"version"`
	Mode           types.Mode    `json:"mode"`
	AdapterID      string        `json:"adapter_id"`
	StepsTotal     int           `json:"steps_total"`
	OutputsApplied int           `json:"outputs_applied"`
	OutputsSkipped int           `json:"outputs_skipped"`
	Host           *HostSnapshot `json:"host,omitempty"`
}

// Collect builds the provenance record. Host collection failures are
// swallowed; the snapshot is simply omitted.
func Collect(mode types.Mode, adapterID string, stepsTotal, applied, skipped int) Provenance {
	return Provenance{
		Version:        Version,
		Mode:           mode,
		AdapterID:      adapterID,
		StepsTotal:     stepsTotal,
		OutputsApplied: applied,
		OutputsSkipped: skipped,
		Host:           collectHost(),
	}
}

func collectHost() *HostSnapshot {
	snap := &HostSnapshot{OS: runtime.GOOS}

	info, err := host.Info()
	if err != nil {
		return nil
	}
	snap.Hostname = info.Hostname
	snap.Platform = info.Platform

	if n, err := cpu.Counts(true); err == nil {
		snap.CPUCount = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryTotal = vm.Total
	}
	return snap
}
