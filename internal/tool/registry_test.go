package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/solenlabs/toolrelay/pkg/provider/llm"
)

// echoDescriptor returns a tool that echoes its "text" argument back.
func echoDescriptor(name string) Descriptor {
	return Descriptor{
		Definition: llm.ToolDefinition{
			Name:        name,
			Description: "echoes text back",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []any{"text"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

// failDescriptor returns a tool whose handler always errors.
func failDescriptor(name string) Descriptor {
	d := echoDescriptor(name)
	d.Handler = func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	}
	return d
}

// panicDescriptor returns a tool whose handler panics.
func panicDescriptor(name string) Descriptor {
	d := echoDescriptor(name)
	d.Handler = func(ctx context.Context, args map[string]any) (any, error) {
		panic("handler exploded")
	}
	return d
}

// TestRegisterDuplicate verifies that a second Register with the same name
// fails with DuplicateToolError and leaves the first registration intact.
func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}

	err := r.Register(echoDescriptor("echo"))
	var dup *DuplicateToolError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateToolError, got %v", err)
	}
	if dup.Name != "echo" {
		t.Errorf("DuplicateToolError.Name = %q, want %q", dup.Name, "echo")
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("List() returned %d descriptors, want 1", got)
	}
}

// TestListOrder verifies that List returns descriptors in registration order
// and is idempotent.
func TestListOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	names := []string{"alpha", "bravo", "charlie"}
	for _, n := range names {
		if err := r.Register(echoDescriptor(n)); err != nil {
			t.Fatalf("Register(%q) failed: %v", n, err)
		}
	}

	for pass := 0; pass < 2; pass++ {
		got := r.List()
		if len(got) != len(names) {
			t.Fatalf("pass %d: List() len = %d, want %d", pass, len(got), len(names))
		}
		for i, d := range got {
			if d.Definition.Name != names[i] {
				t.Errorf("pass %d: List()[%d] = %q, want %q", pass, i, d.Definition.Name, names[i])
			}
		}
	}
}

// TestInvokeOK verifies a successful invocation.
func TestInvokeOK(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatal(err)
	}

	res := r.Invoke(context.Background(), CallRequest{
		CallID:    "c1",
		ToolName:  "echo",
		Arguments: map[string]any{"text": "hi"},
	})
	if res.Status != StatusOK {
		t.Fatalf("Status = %q, want ok (err: %v)", res.Status, res.Err)
	}
	if res.CallID != "c1" {
		t.Errorf("CallID = %q, want c1", res.CallID)
	}
	if res.Payload != "hi" {
		t.Errorf("Payload = %v, want hi", res.Payload)
	}
}

// TestInvokeUnknownTool verifies that invoking an unregistered name yields an
// unknown_tool error result, not a Go error.
func TestInvokeUnknownTool(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	res := r.Invoke(context.Background(), CallRequest{CallID: "c1", ToolName: "nope"})
	if res.Status != StatusError {
		t.Fatalf("Status = %q, want error", res.Status)
	}
	if res.Err.Kind != ErrKindUnknownTool {
		t.Errorf("Err.Kind = %q, want %q", res.Err.Kind, ErrKindUnknownTool)
	}
}

// TestInvokeValidation verifies that missing required fields and wrong types
// fail validation without executing the handler.
func TestInvokeValidation(t *testing.T) {
	t.Parallel()

	executed := false
	d := echoDescriptor("echo")
	d.Handler = func(ctx context.Context, args map[string]any) (any, error) {
		executed = true
		return nil, nil
	}

	r := NewRegistry()
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required field", map[string]any{}},
		{"wrong type", map[string]any{"text": 42}},
		{"unknown extra field", map[string]any{"text": "hi", "surprise": true}},
	}
	for _, tc := range tests {
		res := r.Invoke(context.Background(), CallRequest{
			CallID: "c1", ToolName: "echo", Arguments: tc.args,
		})
		if res.Status != StatusError || res.Err.Kind != ErrKindValidation {
			t.Errorf("%s: got status %q kind %v, want validation error", tc.name, res.Status, res.Err)
		}
	}
	if executed {
		t.Error("handler executed despite validation failure")
	}
}

// TestInvokeIgnoreExtraFields verifies the ignore policy passes unknown fields
// through.
func TestInvokeIgnoreExtraFields(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithExtraFieldPolicy(IgnoreExtraFields))
	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatal(err)
	}

	res := r.Invoke(context.Background(), CallRequest{
		CallID:    "c1",
		ToolName:  "echo",
		Arguments: map[string]any{"text": "hi", "surprise": true},
	})
	if res.Status != StatusOK {
		t.Fatalf("Status = %q, want ok (err: %v)", res.Status, res.Err)
	}
}

// TestInvokeHandlerError verifies that handler errors become execution error
// results.
func TestInvokeHandlerError(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(failDescriptor("fail")); err != nil {
		t.Fatal(err)
	}

	res := r.Invoke(context.Background(), CallRequest{
		CallID: "c1", ToolName: "fail", Arguments: map[string]any{"text": "x"},
	})
	if res.Status != StatusError || res.Err.Kind != ErrKindExecution {
		t.Fatalf("got status %q kind %v, want execution error", res.Status, res.Err)
	}
}

// TestInvokeHandlerPanic verifies that a panicking handler is recovered into
// an execution error result.
func TestInvokeHandlerPanic(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(panicDescriptor("panic")); err != nil {
		t.Fatal(err)
	}

	res := r.Invoke(context.Background(), CallRequest{
		CallID: "c1", ToolName: "panic", Arguments: map[string]any{"text": "x"},
	})
	if res.Status != StatusError || res.Err.Kind != ErrKindExecution {
		t.Fatalf("got status %q kind %v, want execution error", res.Status, res.Err)
	}
}

// TestInvokeConcurrent verifies that concurrent invocations with distinct
// call IDs never swap results.
func TestInvokeConcurrent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatal(err)
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]CallResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("call-%d", i)
			results[i] = r.Invoke(context.Background(), CallRequest{
				CallID:    id,
				ToolName:  "echo",
				Arguments: map[string]any{"text": id},
			})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		wantID := fmt.Sprintf("call-%d", i)
		if res.CallID != wantID {
			t.Errorf("result %d: CallID = %q, want %q", i, res.CallID, wantID)
		}
		if res.Status != StatusOK || res.Payload != wantID {
			t.Errorf("result %d: status %q payload %v, want ok %q", i, res.Status, res.Payload, wantID)
		}
	}
}
