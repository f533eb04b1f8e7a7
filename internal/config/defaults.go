package config

import "time"

// Default configuration constants for the store, adapters, and tools.
const (
	// DefaultDBPath is the ephemeral in-memory store path.
	DefaultDBPath = ":memory:"

	// DefaultListLimit is the page size used when a request omits limit.
	DefaultListLimit = 50
	// MaxListLimit bounds a single page of run listings.
	MaxListLimit = 10000

	// DefaultSubprocessTimeout bounds a single subprocess tool call.
	DefaultSubprocessTimeout = 30 * time.Second
	// DefaultMaxCaptureChars bounds captured subprocess output kept for
	// diagnostics. Parsing always sees the full stdout.
	DefaultMaxCaptureChars = 200000
)
