package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/parley/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
//
// Ollama has no tool_choice parameter, so a forced policy is sent as a
// plain tool offer and the caller must tolerate the model declining.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute), // Large models with tools need time
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama sends an object, not a string
	} `json:"function"`
}

// ollamaWireResponse is the /api/chat response body.
type ollamaWireResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// toResult converts the wire response into a classified Result. Models
// that print tool calls as JSON text instead of using tool_calls are
// recognized here.
func (w *ollamaWireResponse) toResult() *Result {
	msg := Message{Role: RoleAssistant, Content: w.Message.Content}
	for _, tc := range w.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: encodeArguments(tc.Function.Arguments),
			},
		})
	}

	if len(msg.ToolCalls) == 0 && msg.Content != "" {
		if parsed := parseTextToolCalls(msg.Content); len(parsed) > 0 {
			msg.ToolCalls = parsed
			msg.Content = "" // Clear content since it was a tool call
		}
	}

	result := NewResult(msg)
	result.Model = w.Model
	result.InputTokens = w.PromptEvalCount
	result.OutputTokens = w.EvalCount
	return result
}

// Complete sends a non-streaming chat request to Ollama.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (*Result, error) {
	wire := ollamaRequest{
		Model:    req.Model,
		Messages: make([]ollamaMessage, len(req.Messages)),
		Options:  &ollamaOptions{Temperature: req.Temperature},
	}
	for i, m := range req.Messages {
		wire.Messages[i] = toOllamaMessage(m)
	}
	if req.OffersTools() {
		for _, t := range req.Tools {
			wire.Tools = append(wire.Tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
	}

	fail := func(status int, err error) error {
		return &CompletionError{Provider: "ollama", Model: req.Model, StatusCode: status, Err: err}
	}

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fail(0, fmt.Errorf("marshal request: %w", err))
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fail(0, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fail(0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fail(resp.StatusCode, fmt.Errorf("API error: %s", strings.TrimSpace(body)))
	}

	var out ollamaWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fail(0, fmt.Errorf("decode response: %w", err))
	}
	return out.toResult(), nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

func toOllamaMessage(m Message) ollamaMessage {
	out := ollamaMessage{Role: m.Role, Content: m.Content}
	if m.Role == RoleTool {
		out.ToolName = m.Name
	}
	for _, tc := range m.ToolCalls {
		var call ollamaToolCall
		call.Function.Name = tc.Function.Name
		call.Function.Arguments = decodeArguments(tc.Function.Arguments)
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out
}

// decodeArguments turns raw JSON arguments back into the object form
// Ollama expects. Unparseable arguments replay as an empty object.
func decodeArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &args)
	}
	return args
}

func encodeArguments(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many models output tool calls as JSON in the content rather than using
// the native tool_calls field. This function handles common formats:
// - Raw JSON object: {"name": "...", "arguments": {...}}
// - JSON array: [{"name": "...", "arguments": {...}}]
// - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		end := strings.Index(content, "</tool_call>")
		if end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else {
			// No closing tag, take rest of content
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil || len(calls) == 0 {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil
		}
		calls = []textCall{single}
	}

	var result []ToolCall
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		result = append(result, ToolCall{
			Function: FunctionCall{Name: c.Name, Arguments: encodeArguments(c.Arguments)},
		})
	}
	return result
}
