package dispatch

import (
	"context"
	"reflect"
	"testing"
)

func TestNullAdapterPlaceholder(t *testing.T) {
	a := NewNullAdapter("")
	if a.AdapterID() != "null" {
		t.Errorf("adapter_id = %q, want null", a.AdapterID())
	}

	args := map[string]any{"key": "value"}
	out, err := a.Call(context.Background(), "my-tool", "my-method", args)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	want := map[string]any{
		"simulated": true,
		"tool":      "my-tool",
		"method":    "my-method",
		"args_echo": args,
		"result":    nil,
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("output = %v, want %v", out, want)
	}
}

func TestNullAdapterCustomID(t *testing.T) {
	a := NewNullAdapter("custom")
	if a.AdapterID() != "custom" {
		t.Errorf("adapter_id = %q, want custom", a.AdapterID())
	}
}

func TestNullAdapterDeterministic(t *testing.T) {
	a := NewNullAdapter("")
	first, _ := a.Call(context.Background(), "t", "m", map[string]any{"x": 1})
	second, _ := a.Call(context.Background(), "t", "m", map[string]any{"x": 1})
	if !reflect.DeepEqual(first, second) {
		t.Errorf("outputs differ: %v vs %v", first, second)
	}
}
