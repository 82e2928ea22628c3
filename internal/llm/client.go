package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client is the interface that all completion providers must implement.
type Client interface {
	// Complete sends one completion request and classifies the reply.
	// Every failure is returned as a *CompletionError.
	Complete(ctx context.Context, req Request) (*Result, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// ErrNoChoices is returned when a provider response carries no message.
var ErrNoChoices = errors.New("no choices in completion response")

// CompletionError wraps any failure of a completion call: transport,
// authentication, quota, timeout, or an unparseable response.
type CompletionError struct {
	Provider   string
	Model      string
	StatusCode int // HTTP status when the provider answered, 0 otherwise
	Err        error
}

// Error implements the error interface.
func (e *CompletionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s completion (model %s): status %d: %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s completion (model %s): %v", e.Provider, e.Model, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CompletionError) Unwrap() error { return e.Err }

// AsCompletionError returns err as a *CompletionError, wrapping it if it
// is not one already.
func AsCompletionError(provider, model string, err error) *CompletionError {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce
	}
	return &CompletionError{Provider: provider, Model: model, Err: err}
}
