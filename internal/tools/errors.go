// Package tools provides the tool registry and execution framework.
//
// This file defines the typed errors for tool execution.
package tools

import "fmt"

// ErrUnknownTool is returned when a tool call targets a name that is not
// present in the registry. The invocation is skipped; sibling invocations
// in the same turn still run.
type ErrUnknownTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}

// ErrMalformedArguments is returned when a tool call's arguments are not a
// JSON object or lack the parameter the capability needs.
type ErrMalformedArguments struct {
	ToolName string
	Raw      string
	Err      error
}

// Error implements the error interface.
func (e *ErrMalformedArguments) Error() string {
	return fmt.Sprintf("malformed arguments for tool %q: %v", e.ToolName, e.Err)
}

// Unwrap returns the underlying parse error.
func (e *ErrMalformedArguments) Unwrap() error { return e.Err }
