// Package schemas provides the embedded, versioned JSON Schema files for
// the nexus-router tool requests.
package schemas

import "embed"

// FS contains the schema files embedded at compile time. Access them via
// FS.ReadFile("nexus-router.run.request.v0.1.json"), etc.
//
//go:embed *.json
var FS embed.FS
