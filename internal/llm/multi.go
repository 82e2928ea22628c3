package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// MultiClient routes each request to a provider by model name. Models
// without a mapping go to the fallback provider.
type MultiClient struct {
	providers map[string]Client // provider name → client
	models    map[string]string // model name → provider name
	fallback  Client
}

// NewMultiClient creates a router whose unmapped models go to fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		models:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel routes modelName to the named provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

func (m *MultiClient) route(model string) Client {
	if c, ok := m.providers[m.models[model]]; ok {
		return c
	}
	return m.fallback
}

// Complete forwards req to the provider serving req.Model.
func (m *MultiClient) Complete(ctx context.Context, req Request) (*Result, error) {
	c := m.route(req.Model)
	if c == nil {
		return nil, &CompletionError{
			Provider: "multi",
			Model:    req.Model,
			Err:      fmt.Errorf("no provider configured for model %q", req.Model),
		}
	}
	return c.Complete(ctx, req)
}

// Ping probes every registered provider and the fallback, reporting each
// failure by provider name.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.providers) == 0 {
		return errors.New("no provider configured")
	}

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	pinged := false
	for _, name := range names {
		c := m.providers[name]
		if c == m.fallback {
			pinged = true
		}
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if m.fallback != nil && !pinged {
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fallback: %w", err))
		}
	}
	return errors.Join(errs...)
}
