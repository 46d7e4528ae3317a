// Package emailtool provides the builtin send_email tool.
//
// The tool forwards a JSON-RPC 2.0 tools/call envelope to a remote delivery
// endpoint. Sender verification (and any silent drops caused by the delivery
// backend's sender policy) is the endpoint's concern; the tool only surfaces
// the endpoint's reported outcome.
package emailtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/solenlabs/toolrelay/internal/tool"
	"github.com/solenlabs/toolrelay/pkg/provider/llm"
)

// Name is the registered tool name.
const Name = "send_email"

// defaultTimeout bounds one delivery-endpoint round trip.
const defaultTimeout = 30 * time.Second

// Config configures the send_email tool.
type Config struct {
	// EndpointURL is the delivery endpoint that accepts JSON-RPC tools/call
	// envelopes. Required.
	EndpointURL string

	// HTTPClient overrides the HTTP client. Defaults to one with a 30s timeout.
	HTTPClient *http.Client
}

// Descriptor builds the tool.Descriptor for send_email against the given
// delivery endpoint.
func Descriptor(cfg Config) (tool.Descriptor, error) {
	if cfg.EndpointURL == "" {
		return tool.Descriptor{}, fmt.Errorf("emailtool: EndpointURL must not be empty")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return tool.Descriptor{
		Definition: llm.ToolDefinition{
			Name:        Name,
			Description: "Send an email. Both to_email and from_email must be verified with the delivery backend. Optionally include cc as a list of addresses.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_email":   map[string]any{"type": "string", "description": "Recipient email address"},
					"from_email": map[string]any{"type": "string", "description": "Sender email address (must be verified)"},
					"subject":    map[string]any{"type": "string", "description": "Email subject line"},
					"content":    map[string]any{"type": "string", "description": "Email body (HTML supported)"},
					"cc":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "CC recipients (optional)"},
				},
				"required": []any{"to_email", "from_email", "subject", "content"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return send(ctx, client, cfg.EndpointURL, args)
		},
	}, nil
}

// rpcEnvelope is the JSON-RPC 2.0 request sent to the delivery endpoint.
type rpcEnvelope struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// rpcResponse is the subset of the endpoint's reply we care about.
type rpcResponse struct {
	Result *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// send posts the tools/call envelope and extracts the text outcome.
func send(ctx context.Context, client *http.Client, url string, args map[string]any) (any, error) {
	envelope := rpcEnvelope{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  rpcParams{Name: Name, Arguments: args},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivery endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read delivery response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("delivery endpoint returned HTTP %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode delivery response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("delivery failed: %s", decoded.Error.Message)
	}
	if decoded.Result != nil && len(decoded.Result.Content) > 0 {
		return decoded.Result.Content[0].Text, nil
	}
	// No structured content; pass the raw reply through.
	return string(raw), nil
}
