// Package util provides logging and the error kinds shared by the routing engine.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every typed error below unwraps to one of these so callers
// can branch with errors.Is.
var (
	ErrInvalidSelector  = errors.New("invalid selector")
	ErrValidationFailed = errors.New("validation failed")
	ErrPortConflict     = errors.New("port conflict")
	ErrStorageFailure   = errors.New("storage failure")
	ErrNotFound         = errors.New("resource not found")
)

// SelectorError reports a missing or out-of-range set/terminal/slot/port index.
type SelectorError struct {
	Selector string
	Value    int
	Max      int
}

func (e *SelectorError) Error() string {
	if e.Value == 0 {
		return fmt.Sprintf("invalid selector: %s is required", e.Selector)
	}
	if e.Value < 0 {
		return fmt.Sprintf("invalid selector: %s=%d must be positive", e.Selector, e.Value)
	}
	if e.Max <= 0 {
		return fmt.Sprintf("invalid selector: %s=%d out of range, none available", e.Selector, e.Value)
	}
	return fmt.Sprintf("invalid selector: %s=%d out of range 1..%d", e.Selector, e.Value, e.Max)
}

func (e *SelectorError) Unwrap() error {
	return ErrInvalidSelector
}

// NewSelectorError creates a selector error. A zero value means "missing".
func NewSelectorError(selector string, value, max int) *SelectorError {
	return &SelectorError{Selector: selector, Value: value, Max: max}
}

// ValidationError represents one or more local validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message unconditionally
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors reports whether any message was collected.
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the accumulated error or nil
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// Conflict names one contested port and its current occupant.
type Conflict struct {
	Sequence             int    `json:"sequence,omitempty"`
	NodeID               string `json:"nodeId"`
	PortAddress          string `json:"portAddress"`
	OccupyingLineID      string `json:"occupyingLineId,omitempty"`
	OccupyingPhoneNumber string `json:"occupyingPhoneNumber,omitempty"`
	OccupyingHopID       string `json:"occupyingHopId,omitempty"`
}

// PortConflictError is returned when one or more ports are already claimed.
// It is the only error kind an operator can override.
type PortConflictError struct {
	Conflicts []Conflict
}

func (e *PortConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		who := c.OccupyingPhoneNumber
		if who == "" {
			who = "another line"
		}
		parts = append(parts, fmt.Sprintf("%s port %s is used by %s", c.NodeID, c.PortAddress, who))
	}
	return "port conflict: " + strings.Join(parts, "; ")
}

func (e *PortConflictError) Unwrap() error {
	return ErrPortConflict
}

// NewPortConflictError creates a conflict error for the given ports.
func NewPortConflictError(conflicts ...Conflict) *PortConflictError {
	return &PortConflictError{Conflicts: conflicts}
}

// StorageError wraps a failure of the route store. The underlying message is
// surfaced verbatim.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Err}
}

// NewStorageError wraps err unless it already carries a routing error kind.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsKnown(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsKnown reports whether err already carries one of the routing error kinds.
func IsKnown(err error) bool {
	return errors.Is(err, ErrInvalidSelector) ||
		errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrPortConflict) ||
		errors.Is(err, ErrStorageFailure) ||
		errors.Is(err, ErrNotFound)
}
