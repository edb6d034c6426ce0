package model

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the Weft API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Kind    string       `json:"kind,omitempty"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// NewConflictError creates a CONFLICT APIError.
func NewConflictError(msg string) *APIError {
	return &APIError{Code: ErrConflict, Message: msg}
}

// NotConvertibleError is returned when no conversion path exists between two formats.
type NotConvertibleError struct {
	Type   string
	From   FormatRef
	To     FormatRef
	Reason string
}

func (e *NotConvertibleError) Error() string {
	msg := fmt.Sprintf("not convertible: %s -> %s", e.From, e.To)
	if e.Type != "" {
		msg = fmt.Sprintf("not convertible (type %s): %s -> %s", e.Type, e.From.Format, e.To.Format)
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// UnknownFormatError is returned when a (type, format) pair is not registered.
type UnknownFormatError struct {
	Format FormatRef
	Port   string
}

func (e *UnknownFormatError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("port %q: unknown format %s", e.Port, e.Format)
	}
	return fmt.Sprintf("unknown format %s", e.Format)
}

// CycleError is returned when a workflow graph contains a cycle.
// Nodes lists the cycle in order with the first node repeated at the end.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return "workflow contains a cycle: " + strings.Join(e.Nodes, " -> ")
}

// DanglingPortError is returned when an edge or binding references a node or
// port that does not exist.
type DanglingPortError struct {
	Node      string
	Port      string
	Direction string // "input" or "output"
	Reason    string
}

func (e *DanglingPortError) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("unknown node %q", e.Node)
	}
	if e.Reason != "" {
		return fmt.Sprintf("node %q: %s port %q: %s", e.Node, e.Direction, e.Port, e.Reason)
	}
	return fmt.Sprintf("node %q has no %s port %q", e.Node, e.Direction, e.Port)
}

// TypeMismatchError is returned when connected ports (or converter endpoints)
// belong to different types.
type TypeMismatchError struct {
	Edge     Edge
	FromType string
	ToType   string
}

func (e *TypeMismatchError) Error() string {
	if e.Edge == (Edge{}) {
		return fmt.Sprintf("type mismatch: %s vs %s", e.FromType, e.ToType)
	}
	return fmt.Sprintf("edge %s: type mismatch: %s vs %s", e.Edge, e.FromType, e.ToType)
}

// UnboundInputError is returned when a required input has neither an inbound
// edge, a literal binding, nor a default.
type UnboundInputError struct {
	Node string
	Port string
}

func (e *UnboundInputError) Error() string {
	return fmt.Sprintf("node %q: required input %q is not bound", e.Node, e.Port)
}

// DuplicateBindingError is returned when an input port is fed by more than one
// edge, or by both an edge and a literal.
type DuplicateBindingError struct {
	Node    string
	Port    string
	Sources []string
}

func (e *DuplicateBindingError) Error() string {
	return fmt.Sprintf("node %q: input %q bound more than once (%s)", e.Node, e.Port, strings.Join(e.Sources, ", "))
}

// ValidationError is returned when data does not satisfy the expected type and format.
type ValidationError struct {
	Port   string
	GoType string
	Format FormatRef
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("value (Go type %q) is not of the expected type (%q) and format (%q)",
		e.GoType, e.Format.Type, e.Format.Format)
	if e.Port != "" {
		msg = fmt.Sprintf("port %q: %s", e.Port, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TaskExecutionError wraps a backend failure for a specific node.
type TaskExecutionError struct {
	NodeID string
	Mode   Mode
	Cause  error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("node %q (%s): %v", e.NodeID, e.Mode, e.Cause)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Cause
}

// InvalidTransitionError is returned when a node state transition is invalid.
type InvalidTransitionError struct {
	Node string
	From NodeState
	To   NodeState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid node state transition: %s → %s (node %s)", e.From, e.To, e.Node)
}
