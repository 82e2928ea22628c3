// Package llm provides chat-completion client implementations.
package llm

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	Name       string     `json:"name,omitempty"`         // Tool name on tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the requested function and its raw JSON arguments.
// Arguments are kept as the provider sent them; parsing happens at
// execution time so a malformed payload only affects its own invocation.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema is the declared contract of a tool offered to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolChoiceMode selects how the model may use the offered tools.
type ToolChoiceMode int

const (
	// ToolChoiceAuto lets the model decide whether to call a tool.
	ToolChoiceAuto ToolChoiceMode = iota

	// ToolChoiceNone offers no tools at all.
	ToolChoiceNone

	// ToolChoiceForced requires the model to call the named tool.
	ToolChoiceForced
)

// ToolChoice is the tool-use policy for a completion request.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // Set for ToolChoiceForced
}

// Forced returns a policy that mandates the named tool.
func Forced(name string) ToolChoice {
	return ToolChoice{Mode: ToolChoiceForced, Name: name}
}

// String renders the policy in the same form ParseToolChoice accepts.
func (c ToolChoice) String() string {
	switch c.Mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceForced:
		return "forced:" + c.Name
	default:
		return "auto"
	}
}

// ParseToolChoice parses a configured policy: "auto" (or empty), "none",
// or "forced:<tool>".
func ParseToolChoice(s string) (ToolChoice, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "auto":
		return ToolChoice{Mode: ToolChoiceAuto}, nil
	case "none", "off":
		return ToolChoice{Mode: ToolChoiceNone}, nil
	}
	if name, ok := strings.CutPrefix(s, "forced:"); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			return ToolChoice{}, fmt.Errorf("tool choice %q: forced policy needs a tool name", s)
		}
		return Forced(name), nil
	}
	return ToolChoice{}, fmt.Errorf("unknown tool choice %q (valid: auto, none, forced:<tool>)", s)
}

// Request is a single completion request.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	ToolChoice  ToolChoice
	Temperature float64
}

// OffersTools reports whether tool schemas should go on the wire.
func (r *Request) OffersTools() bool {
	return len(r.Tools) > 0 && r.ToolChoice.Mode != ToolChoiceNone
}

// Invocation is one tool call requested by the model.
type Invocation struct {
	ID           string
	ToolName     string
	RawArguments string
}

// ResultKind distinguishes the two shapes a completion can take.
type ResultKind int

const (
	// ResultPlainReply means the model answered with text.
	ResultPlainReply ResultKind = iota

	// ResultToolRequested means the model asked for one or more tools.
	ResultToolRequested
)

func (k ResultKind) String() string {
	if k == ResultToolRequested {
		return "tool_requested"
	}
	return "plain_reply"
}

// Result is the provider-neutral outcome of a completion.
type Result struct {
	Kind ResultKind

	// Text is the reply content. For ResultToolRequested it may carry
	// whatever preamble the model produced alongside its tool calls.
	Text string

	// Invocations are set for ResultToolRequested, in the order received.
	Invocations []Invocation

	// Assistant is the assistant message exactly as it must be replayed
	// in a follow-up request that carries the tool results.
	Assistant Message

	Model        string
	InputTokens  int
	OutputTokens int
}

// NewResult classifies an assistant message. An empty tool call list is a
// plain reply. Tool calls without an ID, or with an ID already used in
// the same message, get a fresh one so every invocation can be answered
// unambiguously; the replayed assistant message carries the same IDs.
func NewResult(msg Message) *Result {
	msg.Role = RoleAssistant
	if len(msg.ToolCalls) == 0 {
		msg.ToolCalls = nil
		return &Result{Kind: ResultPlainReply, Text: msg.Content, Assistant: msg}
	}

	calls := make([]ToolCall, len(msg.ToolCalls))
	copy(calls, msg.ToolCalls)
	seen := make(map[string]bool, len(calls))
	invocations := make([]Invocation, len(calls))
	for i := range calls {
		if calls[i].ID == "" || seen[calls[i].ID] {
			calls[i].ID = "call_" + uuid.NewString()
		}
		seen[calls[i].ID] = true
		invocations[i] = Invocation{
			ID:           calls[i].ID,
			ToolName:     calls[i].Function.Name,
			RawArguments: calls[i].Function.Arguments,
		}
	}
	msg.ToolCalls = calls

	return &Result{
		Kind:        ResultToolRequested,
		Text:        msg.Content,
		Invocations: invocations,
		Assistant:   msg,
	}
}
