// Package agent implements the chat turn orchestration loop.
//
// A turn runs at most two completion calls. The first sees the system
// directive, the whole conversation and the offered tools. If the model
// asks for tools, each invocation is executed in order and the results
// are sent back in a second call whose text becomes the reply. Every
// path, including completion failures, ends at a single append of one
// assistant turn, so a conversation never holds a user turn without its
// answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/tools"
)

// FallbackMarker prefixes every reply produced because a completion call
// failed, so clients and tests can recognize it.
const FallbackMarker = "[error]"

// DefaultFallbackMessage follows FallbackMarker when none is configured.
const DefaultFallbackMessage = "Sorry, I couldn't generate a response right now. Please try again."

// ErrUnexpectedToolRequest is the cause recorded when the follow-up
// completion asks for tools again instead of answering.
var ErrUnexpectedToolRequest = errors.New("follow-up completion requested tools instead of answering")

// Config holds the per-loop chat settings.
type Config struct {
	Model        string
	SystemPrompt string
	Temperature  float64

	// ToolChoice is the policy for the first completion of each turn.
	ToolChoice llm.ToolChoice

	// Tools names the registered tools offered to the model. Empty
	// offers every registered tool.
	Tools []string

	FallbackMessage   string
	CompletionTimeout time.Duration
	ToolTimeout       time.Duration
}

// Branch is the path a turn took.
type Branch int

const (
	// BranchPlain means the first completion answered directly.
	BranchPlain Branch = iota

	// BranchTool means tools ran and a second completion answered.
	BranchTool

	// BranchFailed means a completion call failed and the fallback
	// reply was recorded.
	BranchFailed
)

func (b Branch) String() string {
	switch b {
	case BranchTool:
		return "tool"
	case BranchFailed:
		return "failed"
	default:
		return "plain"
	}
}

// ToolOutcome is the result of one requested invocation.
type ToolOutcome struct {
	ID     string
	Name   string
	Result string
	Err    error // set when the invocation was skipped
}

// message renders the outcome as the tool message answering its call.
// Skipped invocations are answered with the error so the model sees every
// call it issued resolved.
func (o ToolOutcome) message() llm.Message {
	content := o.Result
	if o.Err != nil {
		content = "error: " + o.Err.Error()
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: o.ID,
		Name:       o.Name,
	}
}

// Reply is the outcome of one user turn.
type Reply struct {
	Content   string
	Branch    Branch
	Model     string
	ToolCalls []ToolOutcome

	// Err is the completion failure behind a fallback reply.
	Err error

	// Turn is the assistant turn appended to the conversation.
	Turn memory.Turn
}

// TurnOptions override loop settings for a single turn.
type TurnOptions struct {
	Temperature  *float64
	SystemPrompt *string
}

// Loop is the chat turn orchestrator.
type Loop struct {
	logger   *slog.Logger
	client   llm.Client
	registry *tools.Registry
	cfg      Config
	schemas  []llm.ToolSchema
	metrics  *metrics.Metrics
}

// NewLoop validates cfg against the registry and creates a loop. Every
// offered tool must already be registered, and a forced tool must be
// among those offered.
func NewLoop(logger *slog.Logger, client llm.Client, registry *tools.Registry, cfg Config) (*Loop, error) {
	if client == nil {
		return nil, fmt.Errorf("completion client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if err := validateTemperature(cfg.Temperature); err != nil {
		return nil, err
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallbackMessage
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 60 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}

	l := &Loop{
		logger:   logger,
		client:   client,
		registry: registry,
		cfg:      cfg,
	}

	if cfg.ToolChoice.Mode == llm.ToolChoiceNone {
		return l, nil
	}

	schemas, err := registry.Schemas(cfg.Tools...)
	if err != nil {
		return nil, fmt.Errorf("offered tools: %w", err)
	}
	if cfg.ToolChoice.Mode == llm.ToolChoiceForced && !hasSchema(schemas, cfg.ToolChoice.Name) {
		return nil, fmt.Errorf("forced tool %q is not among the offered tools", cfg.ToolChoice.Name)
	}
	l.schemas = schemas
	return l, nil
}

// SetMetrics enables instrumentation.
func (l *Loop) SetMetrics(m *metrics.Metrics) {
	l.metrics = m
}

// Config returns the effective configuration.
func (l *Loop) Config() Config {
	return l.cfg
}

// Process runs one user turn with the loop's default settings.
func (l *Loop) Process(ctx context.Context, sess *Session, text string) (*Reply, error) {
	return l.ProcessWithOptions(ctx, sess, text, TurnOptions{})
}

// ProcessWithOptions runs one user turn. Completion failures do not return
// an error: they produce a fallback reply (Reply.Branch == BranchFailed)
// that is recorded like any other. The returned error is reserved for
// invalid options, a closed session, or a store that cannot be written.
func (l *Loop) ProcessWithOptions(ctx context.Context, sess *Session, text string, opts TurnOptions) (*Reply, error) {
	system := l.cfg.SystemPrompt
	if opts.SystemPrompt != nil {
		system = *opts.SystemPrompt
	}
	temperature := l.cfg.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
		if err := validateTemperature(temperature); err != nil {
			return nil, err
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed {
		return nil, ErrSessionClosed
	}

	start := time.Now()
	convID := sess.id

	if _, err := sess.store.Append(ctx, convID, memory.Turn{Role: llm.RoleUser, Content: text}); err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}

	finish := l.metrics.TurnStarted()

	var reply *Reply
	history, err := sess.store.Turns(ctx, convID)
	if err != nil {
		reply = l.failed(convID, "history", err)
	} else {
		recorder, _ := sess.store.(memory.ToolCallRecorder)
		reply = l.converse(ctx, convID, BuildMessages(system, history), temperature, recorder)
	}

	// The single append point. A cancelled request must not leave the
	// user turn unanswered.
	turn, err := sess.store.Append(context.WithoutCancel(ctx), convID, memory.Turn{
		Role:    llm.RoleAssistant,
		Content: reply.Content,
	})
	finish(reply.Branch.String())
	if err != nil {
		return reply, fmt.Errorf("append reply: %w", err)
	}
	reply.Turn = turn

	l.logger.Info("turn completed",
		"conversation", convID,
		"branch", reply.Branch.String(),
		"tools", len(reply.ToolCalls),
		"model", reply.Model,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return reply, nil
}

// converse runs the completion phases and returns the reply to record.
func (l *Loop) converse(ctx context.Context, convID string, msgs []llm.Message, temperature float64, recorder memory.ToolCallRecorder) *Reply {
	first, err := l.complete(ctx, "first", llm.Request{
		Model:       l.cfg.Model,
		Messages:    msgs,
		Tools:       l.schemas,
		ToolChoice:  l.cfg.ToolChoice,
		Temperature: temperature,
	})
	if err != nil {
		return l.failed(convID, "first", err)
	}

	if first.Kind == llm.ResultToolRequested && len(l.schemas) == 0 {
		// Nothing was offered, so no requested tool may run.
		l.logger.Warn("provider requested tools that were not offered, using direct reply",
			"conversation", convID,
			"invocations", len(first.Invocations),
		)
		return &Reply{Content: first.Text, Branch: BranchPlain, Model: first.Model}
	}
	if first.Kind != llm.ResultToolRequested {
		if l.cfg.ToolChoice.Mode == llm.ToolChoiceForced {
			l.logger.Warn("forced tool was not requested, using direct reply",
				"conversation", convID,
				"tool", l.cfg.ToolChoice.Name,
			)
		}
		return &Reply{Content: first.Text, Branch: BranchPlain, Model: first.Model}
	}

	// The working list exists only to build the follow-up request.
	working := make([]llm.Message, 0, len(msgs)+1+len(first.Invocations))
	working = append(working, msgs...)
	working = append(working, first.Assistant)

	outcomes := make([]ToolOutcome, 0, len(first.Invocations))
	for _, inv := range first.Invocations {
		o := l.invoke(ctx, convID, inv, recorder)
		outcomes = append(outcomes, o)
		working = append(working, o.message())
	}

	second, err := l.complete(ctx, "second", llm.Request{
		Model:       l.cfg.Model,
		Messages:    working,
		ToolChoice:  llm.ToolChoice{Mode: llm.ToolChoiceNone},
		Temperature: temperature,
	})
	if err == nil && second.Kind == llm.ResultToolRequested && second.Text == "" {
		err = llm.AsCompletionError("llm", l.cfg.Model, ErrUnexpectedToolRequest)
	}
	if err != nil {
		r := l.failed(convID, "second", err)
		r.ToolCalls = outcomes
		return r
	}

	return &Reply{
		Content:   second.Text,
		Branch:    BranchTool,
		Model:     second.Model,
		ToolCalls: outcomes,
	}
}

// invoke executes one requested tool. Errors are recovered here: the
// invocation is skipped and the turn continues.
func (l *Loop) invoke(ctx context.Context, convID string, inv llm.Invocation, recorder memory.ToolCallRecorder) ToolOutcome {
	o := ToolOutcome{ID: inv.ID, Name: inv.ToolName}
	start := time.Now()

	tctx, cancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
	result, err := l.registry.Execute(tctx, inv.ToolName, inv.RawArguments)
	cancel()

	label := inv.ToolName
	outcome := "ok"
	if err != nil {
		o.Err = err
		var unknown *tools.ErrUnknownTool
		var malformed *tools.ErrMalformedArguments
		switch {
		case errors.As(err, &unknown):
			outcome = "unknown_tool"
			label = "_unknown" // model-chosen names would be unbounded labels
		case errors.As(err, &malformed):
			outcome = "malformed_arguments"
		default:
			outcome = "error"
		}
		l.logger.Warn("tool invocation skipped",
			"conversation", convID,
			"tool", inv.ToolName,
			"tool_call_id", inv.ID,
			"error", err,
		)
	} else {
		o.Result = result
		l.logger.Debug("tool invocation completed",
			"conversation", convID,
			"tool", inv.ToolName,
			"tool_call_id", inv.ID,
			"result_len", len(result),
		)
	}
	l.metrics.ObserveTool(label, outcome)

	if recorder != nil {
		rec := memory.ToolCallRecord{
			ID:             inv.ID,
			ConversationID: convID,
			ToolName:       inv.ToolName,
			Arguments:      inv.RawArguments,
			Result:         o.Result,
			StartedAt:      start,
			Duration:       time.Since(start),
		}
		if o.Err != nil {
			rec.Error = o.Err.Error()
		}
		if err := recorder.RecordToolCall(context.WithoutCancel(ctx), rec); err != nil {
			l.logger.Warn("failed to record tool call", "conversation", convID, "tool_call_id", inv.ID, "error", err)
		}
	}
	return o
}

// complete issues one completion call under the configured timeout.
func (l *Loop) complete(ctx context.Context, phase string, req llm.Request) (*llm.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CompletionTimeout)
	defer cancel()

	start := time.Now()
	res, err := l.client.Complete(cctx, req)
	if err == nil && res == nil {
		err = llm.ErrNoChoices
	}

	var in, out int
	if res != nil {
		in, out = res.InputTokens, res.OutputTokens
	}
	l.metrics.ObserveCompletion(phase, err, time.Since(start), in, out)

	if err != nil {
		return nil, llm.AsCompletionError("llm", req.Model, err)
	}

	l.logger.Debug("completion finished",
		"phase", phase,
		"kind", res.Kind.String(),
		"invocations", len(res.Invocations),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

func (l *Loop) failed(convID, phase string, err error) *Reply {
	l.logger.Error("turn failed, recording fallback reply",
		"conversation", convID,
		"phase", phase,
		"error", err,
	)
	return &Reply{
		Content: FallbackMarker + " " + l.cfg.FallbackMessage,
		Branch:  BranchFailed,
		Err:     err,
	}
}

func validateTemperature(t float64) error {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return fmt.Errorf("temperature %.2f out of range [0, 1]", t)
	}
	return nil
}

func hasSchema(schemas []llm.ToolSchema, name string) bool {
	for _, s := range schemas {
		if s.Name == name {
			return true
		}
	}
	return false
}
