package events

import (
	"encoding/json"
	"fmt"
)

// MarshalCanonical encodes v as canonical JSON: object keys sorted,
// minimal separators. The value is first round-tripped through the generic
// JSON representation so struct field order cannot leak into the output.
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	// encoding/json emits map keys in sorted order with no extra whitespace.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode canonical payload: %w", err)
	}
	return out, nil
}
