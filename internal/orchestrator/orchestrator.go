// Package orchestrator drives one multi-step agent session: it sends the
// caller's prompt to the reasoning backend, resolves every tool call the
// backend requests, feeds the results back, and repeats until the backend
// produces a final answer or the session's turn/time budget runs out.
//
// Each session runs on the calling goroutine; run multiple sessions by calling
// Run from multiple goroutines. Progress is reported through an
// events.Publisher so callers can either stream it live or collect the
// aggregate afterwards.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/solenlabs/toolrelay/internal/events"
	"github.com/solenlabs/toolrelay/internal/observe"
	"github.com/solenlabs/toolrelay/internal/tool"
	"github.com/solenlabs/toolrelay/pkg/provider/llm"
)

// DefaultMaxTurns bounds a session that never asks for one explicitly.
const DefaultMaxTurns = 10

// Result is the aggregate outcome of one session, reported to blocking
// callers. Turns and CostUSD are populated even on failure.
type Result struct {
	SessionID string
	Success   bool
	Response  string
	ToolsUsed []string
	Turns     int
	CostUSD   float64
	Elapsed   time.Duration

	// Status is the session's terminal status.
	Status Status

	// Err is set when Success is false.
	Err error
}

// Orchestrator runs sessions against one backend provider and one tool
// registry. Safe for concurrent use.
type Orchestrator struct {
	provider  llm.Provider
	registry  *tool.Registry
	publisher *events.Publisher

	model          string
	systemPrompt   string
	temperature    float64
	maxTokens      int
	maxTurns       int
	sessionTimeout time.Duration

	logger  *slog.Logger
	metrics *observe.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSystemPrompt sets the instruction injected ahead of every conversation.
func WithSystemPrompt(p string) Option {
	return func(o *Orchestrator) { o.systemPrompt = p }
}

// WithTemperature sets the backend sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) { o.temperature = t }
}

// WithMaxTokens caps completion tokens per backend exchange.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithMaxTurns sets the default turn budget for sessions that do not override
// it.
func WithMaxTurns(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTurns = n
		}
	}
}

// WithSessionTimeout sets the wall-clock budget per session. Zero disables
// the timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.sessionTimeout = d }
}

// WithModel records the model name used for cost accounting. It does not
// change which model the provider talks to.
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator.
func New(provider llm.Provider, registry *tool.Registry, publisher *events.Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:  provider,
		registry:  registry,
		publisher: publisher,
		maxTurns:  DefaultMaxTurns,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunSettings carries per-session overrides.
type RunSettings struct {
	// SessionID pins the session identifier. Callers that want to subscribe
	// to the event stream before the session starts generate the id
	// themselves and pass it here. Empty means a fresh UUID.
	SessionID string

	// MaxTurns overrides the orchestrator's default turn budget. It is capped
	// at the configured default, never raised above it.
	MaxTurns int
}

// RunOption adjusts a single Run call.
type RunOption func(*RunSettings)

// WithSessionID pins the session identifier for this run.
func WithSessionID(id string) RunOption {
	return func(s *RunSettings) { s.SessionID = id }
}

// WithRunMaxTurns overrides the turn budget for this run.
func WithRunMaxTurns(n int) RunOption {
	return func(s *RunSettings) { s.MaxTurns = n }
}

// Run executes one full session and returns its aggregate result. The
// returned error is the session's terminal error; the Result is populated in
// all cases so callers always see total turns and cost.
//
// Cancel the session by cancelling ctx.
func (o *Orchestrator) Run(ctx context.Context, prompt string, opts ...RunOption) (*Result, error) {
	settings := RunSettings{}
	for _, opt := range opts {
		opt(&settings)
	}

	sess := &Session{
		ID:        settings.SessionID,
		Prompt:    prompt,
		MaxTurns:  o.maxTurns,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if settings.MaxTurns > 0 && settings.MaxTurns < o.maxTurns {
		sess.MaxTurns = settings.MaxTurns
	}

	if o.sessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.sessionTimeout, ErrTimeout)
		defer cancel()
	}

	logger := o.logger.With("session_id", sess.ID)
	logger.Info("session started", "max_turns", sess.MaxTurns)

	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, 1)
		defer o.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	o.publisher.Emit(sess.ID, events.KindStart, map[string]any{
		"prompt":    prompt,
		"max_turns": sess.MaxTurns,
	})

	o.loop(ctx, sess, logger)

	result := o.finalize(ctx, sess, logger)
	if result.Success {
		return result, nil
	}
	return result, sess.Err
}

// loop runs the turn cycle until the session reaches a terminal status.
func (o *Orchestrator) loop(ctx context.Context, sess *Session, logger *slog.Logger) {
	messages := []llm.Message{{Role: "user", Content: sess.Prompt}}
	toolDefs := o.toolDefinitions()

	for {
		if sess.TurnCount >= sess.MaxTurns {
			sess.finish(StatusFailed, fmt.Errorf("%w after %d turns", ErrMaxTurns, sess.TurnCount))
			return
		}

		resp, err := o.exchange(ctx, llm.CompletionRequest{
			Messages:     messages,
			Tools:        toolDefs,
			Temperature:  o.temperature,
			MaxTokens:    o.maxTokens,
			SystemPrompt: o.systemPrompt,
		})
		if err != nil {
			sess.finish(terminalStatus(ctx, err))
			return
		}

		sess.TurnCount++
		cost, known := exchangeCost(o.model, resp.Usage)
		if !known && o.model != "" {
			logger.Debug("no pricing entry for model, counting cost as zero", "model", o.model)
		}
		sess.AccumulatedCost += cost

		if len(resp.ToolCalls) == 0 {
			// Final answer.
			sess.Response = resp.Content
			o.publisher.Emit(sess.ID, events.KindResponse, map[string]any{"text": resp.Content})
			sess.finish(StatusCompleted, nil)
			return
		}

		if resp.Content != "" {
			o.publisher.Emit(sess.ID, events.KindReasoning, map[string]any{"text": resp.Content})
		}

		results := o.resolveToolCalls(ctx, sess, resp.ToolCalls)
		if ctx.Err() != nil {
			sess.finish(terminalStatus(ctx, ctx.Err()))
			return
		}

		messages = append(messages, assistantMessage(resp))
		for i, tc := range resp.ToolCalls {
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    toolResultText(results[i]),
			})
		}
	}
}

// exchange performs one backend round trip with latency and error metrics.
func (o *Orchestrator) exchange(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := o.provider.Complete(ctx, req)
	elapsed := time.Since(start).Seconds()

	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("model", o.model),
			attribute.String("status", status),
		)
		o.metrics.BackendDuration.Record(ctx, elapsed, attrs)
		o.metrics.BackendRequests.Add(ctx, 1, attrs)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &BackendError{Err: errors.New("backend returned no response")}
	}
	return resp, nil
}

// resolveToolCalls invokes every tool call of one backend reply concurrently.
// Each call gets exactly one result at its originating index; a failure of one
// call never blocks the others.
func (o *Orchestrator) resolveToolCalls(ctx context.Context, sess *Session, calls []llm.ToolCall) []tool.CallResult {
	// Backends may omit call ids. Assign them up front so the call and result
	// events, and the messages replayed next turn, all share one id.
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
		o.publisher.Emit(sess.ID, events.KindToolCall, map[string]any{
			"call_id":   calls[i].ID,
			"tool":      calls[i].Name,
			"arguments": calls[i].Arguments,
		})
	}

	results := make([]tool.CallResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		g.Go(func() error {
			args, err := decodeArguments(tc.Arguments)
			if err != nil {
				results[i] = tool.CallResult{
					CallID: tc.ID,
					Status: tool.StatusError,
					Err:    &tool.CallError{Kind: tool.ErrKindValidation, Message: err.Error()},
				}
				return nil
			}
			results[i] = o.registry.Invoke(gctx, tool.CallRequest{
				CallID:    tc.ID,
				ToolName:  tc.Name,
				Arguments: args,
			})
			return nil
		})
	}
	// Invoke never returns an error, so Wait only reflects ctx cancellation.
	_ = g.Wait()

	// Emit results in call order so the event stream stays deterministic.
	for i, tc := range calls {
		res := results[i]
		payload := map[string]any{
			"call_id": res.CallID,
			"tool":    tc.Name,
			"status":  string(res.Status),
		}
		if res.Status == tool.StatusOK {
			payload["result"] = res.Payload
			sess.markToolUsed(tc.Name)
		} else {
			payload["error"] = res.Err.Message
			payload["error_kind"] = string(res.Err.Kind)
		}
		o.publisher.Emit(sess.ID, events.KindToolResult, payload)

		if o.metrics != nil {
			o.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tc.Name),
				attribute.String("status", string(res.Status)),
			))
			o.metrics.ToolExecutionDuration.Record(ctx, res.Duration.Seconds(), metric.WithAttributes(
				attribute.String("tool", tc.Name),
			))
		}
	}
	return results
}

// finalize emits the terminal event, closes the session's stream, and builds
// the aggregate result.
func (o *Orchestrator) finalize(ctx context.Context, sess *Session, logger *slog.Logger) *Result {
	result := &Result{
		SessionID: sess.ID,
		Success:   sess.Status == StatusCompleted,
		Response:  sess.Response,
		ToolsUsed: sess.ToolsUsed,
		Turns:     sess.TurnCount,
		CostUSD:   sess.AccumulatedCost,
		Elapsed:   sess.Elapsed(),
		Status:    sess.Status,
		Err:       sess.Err,
	}

	if result.Success {
		o.publisher.Emit(sess.ID, events.KindDone, map[string]any{
			"success":         true,
			"turns":           sess.TurnCount,
			"cost_usd":        sess.AccumulatedCost,
			"elapsed_seconds": result.Elapsed.Seconds(),
			"tools_used":      sess.ToolsUsed,
		})
		logger.Info("session completed",
			"turns", sess.TurnCount, "cost_usd", sess.AccumulatedCost,
			"tools_used", sess.ToolsUsed)
	} else {
		o.publisher.Emit(sess.ID, events.KindError, map[string]any{
			"kind":     errorKind(sess.Err),
			"message":  sess.Err.Error(),
			"turns":    sess.TurnCount,
			"cost_usd": sess.AccumulatedCost,
		})
		logger.Warn("session ended without success",
			"status", sess.Status, "error", sess.Err, "turns", sess.TurnCount)
	}
	o.publisher.Close(sess.ID)

	if o.metrics != nil {
		o.metrics.Sessions.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
			attribute.String("status", string(sess.Status)),
		))
	}
	return result
}

// terminalStatus maps a loop-breaking error to the session's terminal status
// and error. Timeouts fail the session with a distinct kind; explicit caller
// cancellation yields the cancelled status.
func terminalStatus(ctx context.Context, err error) (Status, error) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeout):
		return StatusFailed, ErrTimeout
	case ctx.Err() != nil:
		return StatusCancelled, ErrCancelled
	default:
		return StatusFailed, &BackendError{Err: err}
	}
}

func (o *Orchestrator) toolDefinitions() []llm.ToolDefinition {
	descs := o.registry.List()
	defs := make([]llm.ToolDefinition, 0, len(descs))
	for _, d := range descs {
		defs = append(defs, d.Definition)
	}
	return defs
}

// assistantMessage rebuilds the backend's reply as a conversation message.
func assistantMessage(resp *llm.CompletionResponse) llm.Message {
	return llm.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	}
}
