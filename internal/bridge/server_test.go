package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/solenlabs/toolrelay/internal/tool"
	"github.com/solenlabs/toolrelay/pkg/provider/llm"
)

// newTestServer builds a Server with an echo tool and a failing tool.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	reg := tool.NewRegistry()
	echo := tool.Descriptor{
		Definition: llm.ToolDefinition{
			Name:        "echo",
			Description: "echoes text",
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
	fail := echo
	fail.Definition.Name = "fail"
	fail.Handler = func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	}
	for _, d := range []tool.Descriptor{echo, fail} {
		if err := reg.Register(d); err != nil {
			t.Fatal(err)
		}
	}
	return NewServer(reg, ServerInfo{Name: "test-bridge", Version: "0.0.1"})
}

func mustRequest(t *testing.T, id, method string, params any) *Request {
	t.Helper()
	req := &Request{JSONRPC: "2.0", Method: method}
	if id != "" {
		req.ID = json.RawMessage(id)
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		req.Params = raw
	}
	return req
}

func initialize(t *testing.T, s *Server, conn *Conn) {
	t.Helper()
	resp := s.Handle(context.Background(), conn, mustRequest(t, "1", "initialize", nil))
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp)
	}
}

// TestNotInitialized verifies that tools/list and tools/call fail with the
// not-initialized code before the handshake, on that connection only.
func TestNotInitialized(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	cold := s.Local()

	for _, method := range []string{"tools/list", "tools/call"} {
		resp := s.Handle(context.Background(), cold, mustRequest(t, "1", method, nil))
		if resp.Error == nil || resp.Error.Code != CodeNotInitialized {
			t.Errorf("%s before initialize: got %+v, want code %d", method, resp, CodeNotInitialized)
		}
	}

	// A separate connection that did initialize is unaffected.
	warm := s.Local()
	initialize(t, s, warm)
	resp := s.Handle(context.Background(), warm, mustRequest(t, "2", "tools/list", nil))
	if resp.Error != nil {
		t.Errorf("tools/list on initialized conn failed: %+v", resp.Error)
	}
}

// TestInitializeIdempotent verifies that repeating initialize succeeds and
// returns the same capabilities.
func TestInitializeIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	conn := s.Local()

	var results []initializeResult
	for i := 0; i < 2; i++ {
		resp := s.Handle(context.Background(), conn, mustRequest(t, "1", "initialize", nil))
		if resp.Error != nil {
			t.Fatalf("initialize #%d failed: %+v", i+1, resp.Error)
		}
		res, ok := resp.Result.(initializeResult)
		if !ok {
			t.Fatalf("initialize result type %T", resp.Result)
		}
		results = append(results, res)
	}
	if results[0].ProtocolVersion != ProtocolVersion || !reflect.DeepEqual(results[0], results[1]) {
		t.Errorf("initialize results differ: %+v vs %+v", results[0], results[1])
	}
}

// TestToolsList verifies discovery returns registered tools in order.
func TestToolsList(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	conn := s.Local()
	initialize(t, s, conn)

	resp := s.Handle(context.Background(), conn, mustRequest(t, "2", "tools/list", nil))
	res, ok := resp.Result.(toolsListResult)
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	if len(res.Tools) != 2 || res.Tools[0].Name != "echo" || res.Tools[1].Name != "fail" {
		t.Errorf("tools = %+v, want [echo fail]", res.Tools)
	}
}

// TestToolsCall verifies success, unknown-tool, validation, and execution
// error mappings.
func TestToolsCall(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	conn := s.Local()
	initialize(t, s, conn)

	call := func(name string, args map[string]any) *Response {
		return s.Handle(context.Background(), conn, mustRequest(t, "3", "tools/call",
			toolsCallParams{Name: name, Arguments: args}))
	}

	resp := call("echo", map[string]any{"text": "hi"})
	res, ok := resp.Result.(toolsCallResult)
	if !ok || len(res.Content) != 1 || res.Content[0].Text != "hi" {
		t.Errorf("echo call: got %+v, want text content hi", resp)
	}

	if resp := call("missing", nil); resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("unknown tool: got %+v, want code %d", resp, CodeMethodNotFound)
	}
	if resp := call("echo", map[string]any{}); resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Errorf("invalid args: got %+v, want code %d", resp, CodeInvalidParams)
	}
	if resp := call("fail", map[string]any{"text": "x"}); resp.Error == nil || resp.Error.Code != CodeToolError {
		t.Errorf("failing tool: got %+v, want code %d", resp, CodeToolError)
	}
}

// TestNotificationNeverAnswered verifies that requests without an id get no
// response, even when they would have produced an error.
func TestNotificationNeverAnswered(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	conn := s.Local()

	// Error case: method missing, still no response.
	if resp := s.Handle(context.Background(), conn, mustRequest(t, "", "nosuch/method", nil)); resp != nil {
		t.Errorf("notification received response: %+v", resp)
	}
	if out := s.HandleRaw(context.Background(), conn, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); out != nil {
		t.Errorf("raw notification received response: %s", out)
	}
}

// TestHandleRawParseError verifies malformed JSON yields a parse error.
func TestHandleRawParseError(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	out := s.HandleRaw(context.Background(), s.Local(), []byte(`{not json`))
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("got %+v, want parse error", resp)
	}
}

// TestConcurrentCalls verifies concurrent tools/call requests never swap
// payloads.
func TestConcurrentCalls(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	conn := s.Local()
	initialize(t, s, conn)

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := strings.Repeat("x", i+1)
			resp := s.Handle(context.Background(), conn, mustRequest(t, "9", "tools/call",
				toolsCallParams{Name: "echo", Arguments: map[string]any{"text": text}}))
			res, ok := resp.Result.(toolsCallResult)
			if !ok || res.Content[0].Text != text {
				t.Errorf("call %d: got %+v, want %q", i, resp, text)
			}
		}(i)
	}
	wg.Wait()
}

// TestHTTPSessionOnlyMintedOnInitialize verifies that requests arriving
// without a session id never leave connection state behind unless they
// complete the handshake.
func TestHTTPSessionOnlyMintedOnInitialize(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	binding := s.HTTPHandler().(*httpBinding)
	srv := httptest.NewServer(binding)
	defer srv.Close()

	post := func(body string) *http.Response {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	sessions := func() int {
		binding.mu.Lock()
		defer binding.mu.Unlock()
		return len(binding.conns)
	}

	for i := 0; i < 5; i++ {
		resp := post(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		if got := resp.Header.Get(sessionHeader); got != "" {
			t.Errorf("uninitialized request minted session %q", got)
		}
	}
	if n := sessions(); n != 0 {
		t.Errorf("%d sessions stored for uninitialized requests, want 0", n)
	}

	if resp := post(`{"jsonrpc":"2.0","id":2,"method":"initialize"}`); resp.Header.Get(sessionHeader) == "" {
		t.Error("initialize returned no session id")
	}
	if n := sessions(); n != 1 {
		t.Errorf("%d sessions stored after initialize, want 1", n)
	}
}

// TestHTTPBinding verifies session assignment, the full handshake, and
// notification suppression over HTTP.
func TestHTTPBinding(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	srv := httptest.NewServer(s.HTTPHandler())
	defer srv.Close()

	post := func(session string, body string) (*http.Response, []byte) {
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if session != "" {
			req.Header.Set(sessionHeader, session)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var buf [4096]byte
		n, _ := resp.Body.Read(buf[:])
		return resp, buf[:n]
	}

	// Initialize without a session header mints one.
	resp, body := post("", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	session := resp.Header.Get(sessionHeader)
	if session == "" {
		t.Fatal("no session id returned on initialize")
	}
	if !strings.Contains(string(body), ProtocolVersion) {
		t.Errorf("initialize body = %s, want protocol version", body)
	}

	// The minted session carries the handshake state.
	_, body = post(session, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if !strings.Contains(string(body), `"echo"`) {
		t.Errorf("tools/list body = %s, want echo tool", body)
	}

	// A fresh session is uninitialized.
	_, body = post("", `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	if !strings.Contains(string(body), "-32002") {
		t.Errorf("cold tools/list body = %s, want not-initialized error", body)
	}

	// Unknown session id is rejected.
	if resp, _ := post("no-such-session", `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}

	// Notifications get 204 and no body.
	resp, body = post(session, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusNoContent || len(body) != 0 {
		t.Errorf("notification: status %d body %q, want 204 empty", resp.StatusCode, body)
	}
}
