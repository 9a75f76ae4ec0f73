package topology

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSealed is returned when a resource is registered after Finalize succeeded.
var ErrSealed = errors.New("topology is sealed")

// ErrorCode classifies topology errors.
type ErrorCode string

const (
	// ErrCodeInvalidInput marks a registration rejected at call time.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrCodeValidation marks a topology that is not ready to finalize.
	ErrCodeValidation ErrorCode = "VALIDATION_FAILED"
	// ErrCodeInternal marks a broken compiler invariant.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Violation is one reason a topology cannot be finalized.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Message
}

// ValidationError is returned by Finalize when Validate reports violations.
// The topology stays open; register more resources and finalize again.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return fmt.Sprintf("[%s] topology validation failed: %s", ErrCodeValidation, strings.Join(msgs, "; "))
}

// Code returns the error classification.
func (e *ValidationError) Code() ErrorCode { return ErrCodeValidation }

// MalformedInputError is returned by Register for input outside the accepted domain.
type MalformedInputError struct {
	Field  string
	Value  string
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("[%s] register resource: %s %q: %s", ErrCodeInvalidInput, e.Field, e.Value, e.Reason)
}

// Code returns the error classification.
func (e *MalformedInputError) Code() ErrorCode { return ErrCodeInvalidInput }

// InternalError means the compiler found state it assumes cannot exist.
// It is not recoverable and no artifacts are produced.
type InternalError struct {
	Op      string
	Message string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", ErrCodeInternal, e.Op, e.Message)
}

// Code returns the error classification.
func (e *InternalError) Code() ErrorCode { return ErrCodeInternal }
