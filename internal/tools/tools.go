// Package tools defines the tool registry: named lookup capabilities the
// model may request, together with the schemas offered for them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nugget/parley/internal/llm"
)

// Capability is an external lookup function: a query in, text out.
type Capability interface {
	Execute(ctx context.Context, query string) (string, error)
}

// CapabilityFunc adapts a plain function to the Capability interface.
type CapabilityFunc func(ctx context.Context, query string) (string, error)

// Execute calls f.
func (f CapabilityFunc) Execute(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Capability  Capability     `json:"-"`
}

// QueryParameters is the parameter schema for a single-query lookup tool.
func QueryParameters(description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": description,
			},
		},
		"required": []string{"query"},
	}
}

// Schema returns the declared contract of the tool.
func (t *Tool) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// queryParam names the argument handed to the capability: "query" when the
// schema declares it, otherwise the first required string parameter.
func (t *Tool) queryParam() string {
	props, _ := t.Parameters["properties"].(map[string]any)
	if _, ok := props["query"]; ok || props == nil {
		return "query"
	}

	var required []string
	switch r := t.Parameters["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	for _, name := range required {
		if p, ok := props[name].(map[string]any); ok && p["type"] == "string" {
			return name
		}
	}
	return "query"
}

// Registry holds available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. Names must be unique.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if t.Capability == nil {
		return fmt.Errorf("register tool %q: capability is required", t.Name)
	}
	if t.Parameters == nil {
		t.Parameters = QueryParameters("What to look up")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %q: already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Resolve retrieves a tool by name.
func (r *Registry) Resolve(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, &ErrUnknownTool{ToolName: name}
	}
	return t, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the schemas for the named tools, or for every registered
// tool when no names are given. A name that is not registered is an error:
// a tool must never be offered to the model without an implementation.
func (r *Registry) Schemas(names ...string) ([]llm.ToolSchema, error) {
	if len(names) == 0 {
		names = r.Names()
	}

	schemas := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		t, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, t.Schema())
	}
	return schemas, nil
}

// ParseArguments decodes raw tool arguments. An empty payload is an empty
// argument object.
func ParseArguments(toolName, raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, &ErrMalformedArguments{ToolName: toolName, Raw: raw, Err: err}
	}
	return args, nil
}

// Execute runs a tool by name with the raw JSON arguments the model sent.
// Unknown names fail with *ErrUnknownTool; arguments that do not parse, or
// lack the query parameter, fail with *ErrMalformedArguments.
func (r *Registry) Execute(ctx context.Context, name, rawArgs string) (string, error) {
	t, err := r.Resolve(name)
	if err != nil {
		return "", err
	}

	args, err := ParseArguments(name, rawArgs)
	if err != nil {
		return "", err
	}

	param := t.queryParam()
	query, ok := args[param].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return "", &ErrMalformedArguments{
			ToolName: name,
			Raw:      rawArgs,
			Err:      fmt.Errorf("missing string argument %q", param),
		}
	}

	return t.Capability.Execute(ctx, query)
}
