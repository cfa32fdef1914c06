// Package agenterr defines the error taxonomy shared by every agent
// component: a kind, the component and operation that raised it, and
// an optional wrapped cause.
package agenterr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure so callers can dispatch on behavior rather
// than on message text.
type Kind string

const (
	BadArgs        Kind = "bad_args"
	CantInitialize Kind = "cant_initialize"
	CantConnect    Kind = "cant_connect"
	CantRead       Kind = "cant_read"
	CantWrite      Kind = "cant_write"
	Timeout        Kind = "timeout"
	BadState       Kind = "bad_state"
	WontFit        Kind = "wont_fit"
)

// AgentError is the single error type every component returns.
type AgentError struct {
	Kind      Kind
	Component string
	Operation string
	Message   string
	Retryable bool
	Timestamp time.Time
	Err       error
}

func (e *AgentError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s", e.Component, e.Message)
	}
	return e.Message
}

func (e *AgentError) Unwrap() error { return e.Err }

// New builds an AgentError with the timestamp set to now.
func New(kind Kind, component, operation, message string) *AgentError {
	return &AgentError{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Message:   message,
		Retryable: retryableByDefault(kind),
		Timestamp: time.Now(),
	}
}

// Wrap attaches kind/component/operation context to an underlying error.
func Wrap(kind Kind, component, operation string, err error) *AgentError {
	if err == nil {
		return nil
	}
	return &AgentError{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Message:   err.Error(),
		Retryable: retryableByDefault(kind),
		Timestamp: time.Now(),
		Err:       err,
	}
}

func retryableByDefault(k Kind) bool {
	switch k {
	case CantConnect, Timeout:
		return true
	default:
		return false
	}
}

// Is reports whether err is an *AgentError of the given kind.
func Is(err error, kind Kind) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}
