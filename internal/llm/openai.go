package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/nugget/parley/internal/httpkit"
)

// DefaultAzureAPIVersion is the Azure OpenAI REST API version used when
// none is configured.
const DefaultAzureAPIVersion = "2024-05-01-preview"

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	// Azure selects the Azure OpenAI URL scheme and api-key header.
	Azure bool

	// Endpoint is the Azure resource endpoint, or an optional base URL
	// override for OpenAI-compatible servers.
	Endpoint string

	APIKey     string
	APIVersion string

	// HTTPClient overrides the default client (tests, proxies).
	HTTPClient *http.Client
}

// OpenAIClient talks to Azure OpenAI or OpenAI chat completions.
type OpenAIClient struct {
	client   *openai.Client
	provider string
	logger   *slog.Logger
}

// NewOpenAIClient creates a client from cfg.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	var oc openai.ClientConfig
	provider := "openai"
	if cfg.Azure {
		provider = "azure"
		oc = openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
		oc.APIVersion = cfg.APIVersion
		if oc.APIVersion == "" {
			oc.APIVersion = DefaultAzureAPIVersion
		}
		// The configured model is the deployment name, used verbatim.
		oc.AzureModelMapperFunc = func(model string) string { return model }
	} else {
		oc = openai.DefaultConfig(cfg.APIKey)
		if cfg.Endpoint != "" {
			oc.BaseURL = cfg.Endpoint
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}
	oc.HTTPClient = httpClient

	return &OpenAIClient{
		client:   openai.NewClientWithConfig(oc),
		provider: provider,
		logger:   logger,
	}
}

// Complete sends a chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Result, error) {
	wire := c.buildRequest(req)

	c.logger.Log(ctx, LevelTrace, "completion request",
		"provider", c.provider,
		"model", req.Model,
		"messages", len(wire.Messages),
		"tools", len(wire.Tools),
	)

	resp, err := c.client.CreateChatCompletion(ctx, wire)
	if err != nil {
		return nil, c.wrapError(req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &CompletionError{Provider: c.provider, Model: req.Model, Err: ErrNoChoices}
	}

	choice := resp.Choices[0]
	c.logger.Log(ctx, LevelTrace, "completion response",
		"provider", c.provider,
		"model", resp.Model,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(choice.Message.ToolCalls),
	)

	result := NewResult(fromOpenAIMessage(choice.Message))
	result.Model = resp.Model
	result.InputTokens = resp.Usage.PromptTokens
	result.OutputTokens = resp.Usage.CompletionTokens
	return result, nil
}

// Ping lists models to confirm the endpoint and credential are accepted.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return c.wrapError("", err)
	}
	return nil
}

func (c *OpenAIClient) buildRequest(req Request) openai.ChatCompletionRequest {
	// go-openai omits a zero temperature, which the API reads as 1.0.
	temperature := float32(req.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	wire := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    make([]openai.ChatCompletionMessage, len(req.Messages)),
		Temperature: temperature,
	}
	for i, m := range req.Messages {
		wire.Messages[i] = toOpenAIMessage(m)
	}

	if !req.OffersTools() {
		return wire
	}

	wire.Tools = make([]openai.Tool, len(req.Tools))
	for i, t := range req.Tools {
		wire.Tools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}

	switch req.ToolChoice.Mode {
	case ToolChoiceForced:
		wire.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.ToolChoice.Name},
		}
	default:
		wire.ToolChoice = "auto"
	}
	return wire
}

func (c *OpenAIClient) wrapError(model string, err error) *CompletionError {
	ce := &CompletionError{Provider: c.provider, Model: model, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		ce.StatusCode = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		ce.StatusCode = reqErr.HTTPStatusCode
	}
	return ce
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	if m.Role == RoleTool {
		out.Name = m.Name
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	out := Message{
		Role:    m.Role,
		Content: m.Content,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID: tc.ID,
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

// String identifies the provider in logs.
func (c *OpenAIClient) String() string {
	return fmt.Sprintf("%s chat completions", c.provider)
}
