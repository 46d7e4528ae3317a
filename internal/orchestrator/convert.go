package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/solenlabs/toolrelay/internal/tool"
)

// decodeArguments parses the backend's JSON-encoded tool arguments. An empty
// string means no arguments.
func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("malformed tool arguments: %w", err)
	}
	return args, nil
}

// toolResultText renders a tool result as the text fed back to the backend.
// Errors are rendered in-band so the backend can retry or change course.
func toolResultText(res tool.CallResult) string {
	if res.Status == tool.StatusError {
		return fmt.Sprintf("Error (%s): %s", res.Err.Kind, res.Err.Message)
	}
	switch v := res.Payload.(type) {
	case nil:
		return "ok"
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
