package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Workflow errors
	ErrThreadNotFound   = errors.New("workflow thread not found")
	ErrStageNotFound    = errors.New("workflow stage not found")
	ErrWorkflowNotPaused = errors.New("workflow is not paused")
	ErrNoPendingInterrupt = errors.New("no pending interrupt for thread")

	// Checkpoint errors
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// Review errors
	ErrReviewNotFound  = errors.New("review request not found")
	ErrAlreadyReviewed = errors.New("review request already resolved")
	ErrInvalidDecision = errors.New("invalid review decision")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout         = errors.New("operation timeout")
	ErrContextCanceled = errors.New("context canceled")

	// Tool/network errors
	ErrToolNotFound      = errors.New("tool not found")
	ErrServerUnavailable = errors.New("tool server unavailable")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrRequestFailed     = errors.New("request failed")
)

// WorkflowError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type WorkflowError struct {
	Op      string // Operation that failed (e.g., "engine.Resume")
	Kind    string // Error kind (e.g., "workflow", "checkpoint", "review")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *WorkflowError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError creates a new WorkflowError
func NewWorkflowError(op, kind string, err error) *WorkflowError {
	return &WorkflowError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrThreadNotFound) ||
		errors.Is(err, ErrStageNotFound) ||
		errors.Is(err, ErrCheckpointNotFound) ||
		errors.Is(err, ErrReviewNotFound) ||
		errors.Is(err, ErrToolNotFound)
}

// IsConflict checks if an error represents a state conflict, such as
// resuming a workflow that is not paused or resolving a review twice.
func IsConflict(err error) bool {
	return errors.Is(err, ErrWorkflowNotPaused) ||
		errors.Is(err, ErrNoPendingInterrupt) ||
		errors.Is(err, ErrAlreadyReviewed)
}

// IsRetryable checks if an error is retryable
// Retryable errors are typically transient network or availability issues
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrServerUnavailable)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
