package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/solenlabs/toolrelay/internal/events"
	"github.com/solenlabs/toolrelay/internal/tool"
	"github.com/solenlabs/toolrelay/pkg/provider/llm"
	"github.com/solenlabs/toolrelay/pkg/provider/llm/mock"
)

// newTestRegistry builds a registry with send_email and fail tools backed by
// in-process handlers.
func newTestRegistry(t *testing.T) *tool.Registry {
	t.Helper()

	reg := tool.NewRegistry()
	sendEmail := tool.Descriptor{
		Definition: llm.ToolDefinition{
			Name:        "send_email",
			Description: "sends an email",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_email":   map[string]any{"type": "string"},
					"from_email": map[string]any{"type": "string"},
					"subject":    map[string]any{"type": "string"},
					"content":    map[string]any{"type": "string"},
				},
				"required": []any{"to_email", "from_email", "subject", "content"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return fmt.Sprintf("Email sent from %v to %v", args["from_email"], args["to_email"]), nil
		},
	}
	fail := tool.Descriptor{
		Definition: llm.ToolDefinition{
			Name:        "fail",
			Description: "always fails",
			Parameters:  map[string]any{"type": "object"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}
	for _, d := range []tool.Descriptor{sendEmail, fail} {
		if err := reg.Register(d); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

// toolCallReply builds a backend reply requesting the given tool calls.
func toolCallReply(calls ...llm.ToolCall) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		ToolCalls: calls,
		Usage:     llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
}

// finalReply builds a backend reply with a final answer.
func finalReply(text string) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		Content: text,
		Usage:   llm.Usage{PromptTokens: 150, CompletionTokens: 30, TotalTokens: 180},
	}
}

func eventKinds(evs []events.Event) []events.Kind {
	kinds := make([]events.Kind, len(evs))
	for i, ev := range evs {
		kinds[i] = ev.Kind
	}
	return kinds
}

// TestRunEmailScenario drives the canonical flow: one send_email tool call
// followed by a final answer.
func TestRunEmailScenario(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			toolCallReply(llm.ToolCall{
				ID:        "call-1",
				Name:      "send_email",
				Arguments: `{"to_email":"a@example.com","from_email":"b@example.com","subject":"X","content":"Y"}`,
			}),
			finalReply("The email has been sent."),
		},
	}
	pub := events.NewPublisher(nil)
	o := New(provider, newTestRegistry(t), pub, WithModel("gpt-4o"))

	res, err := o.Run(context.Background(), "Send an email to a@example.com from b@example.com with subject X and content Y")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
	if res.Response != "The email has been sent." {
		t.Errorf("Response = %q", res.Response)
	}
	if len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != "send_email" {
		t.Errorf("ToolsUsed = %v, want [send_email]", res.ToolsUsed)
	}
	if res.Turns < 1 {
		t.Errorf("Turns = %d, want >= 1", res.Turns)
	}
	if res.CostUSD <= 0 {
		t.Errorf("CostUSD = %v, want > 0 for a priced model", res.CostUSD)
	}

	got := eventKinds(pub.Collect(res.SessionID))
	want := []events.Kind{
		events.KindStart, events.KindToolCall, events.KindToolResult,
		events.KindResponse, events.KindDone,
	}
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestRunUnknownToolRecovers verifies that an unregistered tool name yields an
// error tool result and the session still completes when the backend recovers.
func TestRunUnknownToolRecovers(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			toolCallReply(llm.ToolCall{ID: "c1", Name: "no_such_tool", Arguments: `{}`}),
			finalReply("I could not find that tool, giving up gracefully."),
		},
	}
	pub := events.NewPublisher(nil)
	o := New(provider, newTestRegistry(t), pub)

	res, err := o.Run(context.Background(), "do something")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success || res.Turns != 2 {
		t.Errorf("Success=%v Turns=%d, want completed in 2 turns", res.Success, res.Turns)
	}
	if len(res.ToolsUsed) != 0 {
		t.Errorf("ToolsUsed = %v, want empty (call failed)", res.ToolsUsed)
	}

	var sawErrorResult bool
	for _, ev := range pub.Collect(res.SessionID) {
		if ev.Kind == events.KindToolResult && ev.Payload["status"] == "error" {
			sawErrorResult = true
			if ev.Payload["error_kind"] != string(tool.ErrKindUnknownTool) {
				t.Errorf("error_kind = %v, want unknown_tool", ev.Payload["error_kind"])
			}
		}
	}
	if !sawErrorResult {
		t.Error("no error tool_result event emitted")
	}
}

// TestRunMaxTurns verifies the session fails once the turn budget is spent and
// still reports totals.
func TestRunMaxTurns(t *testing.T) {
	t.Parallel()

	// Backend that asks for a tool forever.
	provider := &mock.Provider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return toolCallReply(llm.ToolCall{ID: "c", Name: "send_email",
				Arguments: `{"to_email":"a@a.com","from_email":"b@b.com","subject":"s","content":"c"}`}), nil
		},
	}
	pub := events.NewPublisher(nil)
	o := New(provider, newTestRegistry(t), pub, WithMaxTurns(3), WithModel("gpt-4o"))

	res, err := o.Run(context.Background(), "loop forever")
	if err == nil || !errors.Is(err, ErrMaxTurns) {
		t.Fatalf("err = %v, want ErrMaxTurns", err)
	}
	if res.Success || res.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
	if res.Turns != 3 {
		t.Errorf("Turns = %d, want exactly the budget of 3", res.Turns)
	}
	if res.CostUSD <= 0 {
		t.Error("CostUSD not reported on failure")
	}

	log := pub.Collect(res.SessionID)
	if log[0].Kind != events.KindStart || log[len(log)-1].Kind != events.KindError {
		t.Errorf("event boundaries %q..%q, want start..error", log[0].Kind, log[len(log)-1].Kind)
	}
}

// TestRunMaxTurnsOverride verifies per-run budgets cap below the default but
// never above it.
func TestRunMaxTurnsOverride(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return toolCallReply(llm.ToolCall{ID: "c", Name: "fail", Arguments: `{}`}), nil
		},
	}
	pub := events.NewPublisher(nil)
	o := New(provider, newTestRegistry(t), pub, WithMaxTurns(5))

	res, _ := o.Run(context.Background(), "p", WithRunMaxTurns(2))
	if res.Turns != 2 {
		t.Errorf("Turns = %d, want capped at 2", res.Turns)
	}

	res, _ = o.Run(context.Background(), "p", WithRunMaxTurns(50))
	if res.Turns != 5 {
		t.Errorf("Turns = %d, want capped at configured default 5", res.Turns)
	}
}

// TestRunBackendError verifies a backend failure is fatal with kind backend.
func TestRunBackendError(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{CompleteErr: errors.New("upstream 500")}
	pub := events.NewPublisher(nil)
	o := New(provider, newTestRegistry(t), pub)

	res, err := o.Run(context.Background(), "p")
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BackendError", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}

	log := pub.Collect(res.SessionID)
	last := log[len(log)-1]
	if last.Kind != events.KindError || last.Payload["kind"] != "backend" {
		t.Errorf("terminal event = %+v, want error/backend", last)
	}
}

// TestRunCancellation verifies that cancelling mid-session yields Cancelled
// and no further events.
func TestRunCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	provider := &mock.Provider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	pub := events.NewPublisher(nil)
	o := New(provider, newTestRegistry(t), pub)

	res, err := o.Run(ctx, "p")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", res.Status)
	}

	log := pub.Collect(res.SessionID)
	last := log[len(log)-1]
	if last.Kind != events.KindError || last.Payload["kind"] != "cancelled" {
		t.Errorf("terminal event = %+v, want error/cancelled", last)
	}

	// The stream is closed; later emissions must not appear.
	pub.Emit(res.SessionID, events.KindReasoning, nil)
	if got := len(pub.Collect(res.SessionID)); got != len(log) {
		t.Errorf("events grew after terminal state: %d -> %d", len(log), got)
	}
}

// TestRunCancellationDuringTool verifies that cancelling while a tool call is
// in flight yields Cancelled and no further events.
func TestRunCancellationDuringTool(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	reg := tool.NewRegistry()
	wait := tool.Descriptor{
		Definition: llm.ToolDefinition{
			Name:        "wait",
			Description: "blocks until cancelled",
			Parameters:  map[string]any{"type": "object"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	if err := reg.Register(wait); err != nil {
		t.Fatal(err)
	}

	provider := &mock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			toolCallReply(llm.ToolCall{ID: "c1", Name: "wait", Arguments: `{}`}),
		},
	}
	pub := events.NewPublisher(nil)
	o := New(provider, reg, pub)

	res, err := o.Run(ctx, "p")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", res.Status)
	}

	log := pub.Collect(res.SessionID)
	last := log[len(log)-1]
	if last.Kind != events.KindError || last.Payload["kind"] != "cancelled" {
		t.Errorf("terminal event = %+v, want error/cancelled", last)
	}

	// The stream is closed; later emissions must not appear.
	pub.Emit(res.SessionID, events.KindReasoning, nil)
	if got := len(pub.Collect(res.SessionID)); got != len(log) {
		t.Errorf("events grew after terminal state: %d -> %d", len(log), got)
	}
}

// TestRunAssignsMissingCallIDs verifies that tool calls arriving without an id
// get one shared by the call event, the result event, and the messages
// replayed to the backend.
func TestRunAssignsMissingCallIDs(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			toolCallReply(llm.ToolCall{Name: "send_email",
				Arguments: `{"to_email":"a@a.com","from_email":"b@b.com","subject":"s","content":"c"}`}),
			finalReply("done"),
		},
	}
	pub := events.NewPublisher(nil)
	o := New(provider, newTestRegistry(t), pub)

	res, err := o.Run(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}

	var callID, resultID string
	for _, ev := range pub.Collect(res.SessionID) {
		switch ev.Kind {
		case events.KindToolCall:
			callID = ev.Payload["call_id"].(string)
		case events.KindToolResult:
			resultID = ev.Payload["call_id"].(string)
		}
	}
	if callID == "" {
		t.Fatal("tool_call event carries an empty call_id")
	}
	if resultID != callID {
		t.Errorf("tool_result call_id = %q, want %q", resultID, callID)
	}

	second := provider.CompleteCalls[1].Req
	var sawToolMsg bool
	for _, m := range second.Messages {
		if m.Role == "tool" {
			sawToolMsg = true
			if m.ToolCallID != callID {
				t.Errorf("tool message ToolCallID = %q, want %q", m.ToolCallID, callID)
			}
		}
	}
	if !sawToolMsg {
		t.Error("no tool message replayed to the backend")
	}
}

// TestRunTimeout verifies the wall-clock budget fails the session with a
// distinct timeout kind.
func TestRunTimeout(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	pub := events.NewPublisher(nil)
	o := New(provider, newTestRegistry(t), pub, WithSessionTimeout(20*time.Millisecond))

	res, err := o.Run(context.Background(), "p")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
	last := pub.Collect(res.SessionID)
	if last[len(last)-1].Payload["kind"] != "timeout" {
		t.Errorf("terminal kind = %v, want timeout", last[len(last)-1].Payload["kind"])
	}
}

// TestRunParallelToolCalls verifies that multiple tool calls in one reply all
// resolve, results stay matched to their call IDs, and one failure does not
// block the others.
func TestRunParallelToolCalls(t *testing.T) {
	t.Parallel()

	calls := []llm.ToolCall{
		{ID: "c1", Name: "send_email", Arguments: `{"to_email":"1@a.com","from_email":"b@b.com","subject":"s","content":"c"}`},
		{ID: "c2", Name: "fail", Arguments: `{}`},
		{ID: "c3", Name: "send_email", Arguments: `{"to_email":"3@a.com","from_email":"b@b.com","subject":"s","content":"c"}`},
	}
	provider := &mock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			toolCallReply(calls...),
			finalReply("done"),
		},
	}
	pub := events.NewPublisher(nil)
	o := New(provider, newTestRegistry(t), pub)

	res, err := o.Run(context.Background(), "p")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success {
		t.Error("session should complete despite one failed tool call")
	}

	results := map[string]map[string]any{}
	for _, ev := range pub.Collect(res.SessionID) {
		if ev.Kind == events.KindToolResult {
			results[ev.Payload["call_id"].(string)] = ev.Payload
		}
	}
	if len(results) != 3 {
		t.Fatalf("got %d tool results, want 3 (one per call_id)", len(results))
	}
	if results["c1"]["status"] != "ok" || results["c3"]["status"] != "ok" {
		t.Errorf("c1/c3 results = %v / %v, want ok", results["c1"], results["c3"])
	}
	if results["c2"]["status"] != "error" {
		t.Errorf("c2 result = %v, want error", results["c2"])
	}

	// Tool results fed back to the backend carry the matching tool_call_id.
	second := provider.CompleteCalls[1].Req
	var toolMsgs []llm.Message
	for _, m := range second.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 3 {
		t.Fatalf("second exchange carried %d tool messages, want 3", len(toolMsgs))
	}
	for i, m := range toolMsgs {
		if m.ToolCallID != calls[i].ID {
			t.Errorf("tool message %d: ToolCallID = %q, want %q", i, m.ToolCallID, calls[i].ID)
		}
	}
}

// TestRunSessionIDPinned verifies a caller-provided session id is honored so
// subscribers can attach before Run.
func TestRunSessionIDPinned(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{CompleteResponse: finalReply("hi")}
	pub := events.NewPublisher(nil)
	o := New(provider, newTestRegistry(t), pub)

	ch, cancelSub := pub.Subscribe("pinned-id")
	defer cancelSub()

	res, err := o.Run(context.Background(), "p", WithSessionID("pinned-id"))
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "pinned-id" {
		t.Errorf("SessionID = %q, want pinned-id", res.SessionID)
	}

	var kinds []events.Kind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) == 0 || kinds[0] != events.KindStart || kinds[len(kinds)-1] != events.KindDone {
		t.Errorf("subscriber saw %v, want start..done", kinds)
	}
}

// TestExchangeCost spot-checks the pricing table and the unknown-model path.
func TestExchangeCost(t *testing.T) {
	t.Parallel()

	usage := llm.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}

	cost, known := exchangeCost("gpt-4o", usage)
	if !known || cost != 12.50 {
		t.Errorf("gpt-4o cost = %v known=%v, want 12.50 true", cost, known)
	}

	// Longest prefix wins: gpt-4o-mini must not price as gpt-4o.
	cost, known = exchangeCost("gpt-4o-mini-2024-07-18", usage)
	if !known || cost != 0.75 {
		t.Errorf("gpt-4o-mini cost = %v known=%v, want 0.75 true", cost, known)
	}

	if cost, known := exchangeCost("mystery-model", usage); known || cost != 0 {
		t.Errorf("unknown model cost = %v known=%v, want 0 false", cost, known)
	}
}
