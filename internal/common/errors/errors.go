// Package errors provides the standardized error model shared by the
// retrieval, step and orchestration layers.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeBackendUnavailable    ErrorCode = "BACKEND_UNAVAILABLE"
	ErrCodeBackendRequestFailed  ErrorCode = "BACKEND_REQUEST_FAILED"
	ErrCodeDimensionMismatch     ErrorCode = "DIMENSION_MISMATCH"
	ErrCodeInvalidChunk          ErrorCode = "INVALID_CHUNK"
	ErrCodeEmbeddingFailure      ErrorCode = "EMBEDDING_FAILURE"
	ErrCodeUnknownWorkflow       ErrorCode = "UNKNOWN_WORKFLOW"
	ErrCodeRegistryMisconfigured ErrorCode = "REGISTRY_MISCONFIGURED"
	ErrCodeStepOutputInvalid     ErrorCode = "STEP_OUTPUT_INVALID"
	ErrCodeStepInputMissing      ErrorCode = "STEP_INPUT_MISSING"
	ErrCodeStepFailed            ErrorCode = "STEP_FAILED"
	ErrCodeGenerationFailed      ErrorCode = "GENERATION_FAILED"
	ErrCodeGenerationTimeout     ErrorCode = "GENERATION_TIMEOUT"
	ErrCodeInvalidRequest        ErrorCode = "INVALID_REQUEST"
	ErrCodeExecutionCancelled    ErrorCode = "EXECUTION_CANCELLED"
	ErrCodeInternal              ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// Is matches any StandardError carrying the same code, so the sentinels below
// work with errors.Is.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrBackendUnavailable    = &StandardError{Code: ErrCodeBackendUnavailable}
	ErrDimensionMismatch     = &StandardError{Code: ErrCodeDimensionMismatch}
	ErrEmbeddingFailure      = &StandardError{Code: ErrCodeEmbeddingFailure}
	ErrUnknownWorkflow       = &StandardError{Code: ErrCodeUnknownWorkflow}
	ErrRegistryMisconfigured = &StandardError{Code: ErrCodeRegistryMisconfigured}
	ErrStepOutputInvalid     = &StandardError{Code: ErrCodeStepOutputInvalid}
	ErrStepFailed            = &StandardError{Code: ErrCodeStepFailed}
	ErrGenerationFailed      = &StandardError{Code: ErrCodeGenerationFailed}
	ErrGenerationTimeout     = &StandardError{Code: ErrCodeGenerationTimeout}
	ErrInvalidRequest        = &StandardError{Code: ErrCodeInvalidRequest}
	ErrExecutionCancelled    = &StandardError{Code: ErrCodeExecutionCancelled}
)

// ==========================
// 2. Error Constructors
// ==========================

// NewBackendUnavailableError creates a retryable store/network error.
func NewBackendUnavailableError(backend string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeBackendUnavailable,
		Message:   fmt.Sprintf("Backend '%s' unavailable", backend),
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewBackendRequestFailedError creates a non-retryable error for requests the
// backend rejected outright.
func NewBackendRequestFailedError(backend, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeBackendRequestFailed,
		Message:   fmt.Sprintf("Backend '%s' rejected the request", backend),
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDimensionMismatchError creates a non-retryable embedding size error.
func NewDimensionMismatchError(chunkID string, expected, got int) *StandardError {
	return &StandardError{
		Code:      ErrCodeDimensionMismatch,
		Message:   "Embedding dimension does not match the store",
		Details:   fmt.Sprintf("chunkId: %s, expected: %d, got: %d", chunkID, expected, got),
		Retryable: false,
		Metadata:  map[string]interface{}{"expected": expected, "got": got},
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidChunkError creates a non-retryable chunk validation error.
func NewInvalidChunkError(chunkID, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidChunk,
		Message:   "Context chunk failed validation",
		Details:   fmt.Sprintf("chunkId: %s, %s", chunkID, details),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewEmbeddingFailureError wraps a failed embedding call.
func NewEmbeddingFailureError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeEmbeddingFailure,
		Message:   "Embedding request failed",
		Details:   errDetails(err),
		Retryable: IsTransient(err),
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewUnknownWorkflowError creates a non-retryable lookup error.
func NewUnknownWorkflowError(name string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnknownWorkflow,
		Message:   "Workflow not found in registry",
		Details:   fmt.Sprintf("workflow: %s", name),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRegistryMisconfiguredError reports a definition that can never run.
func NewRegistryMisconfiguredError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRegistryMisconfigured,
		Message:   "Workflow registry is misconfigured",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStepOutputInvalidError reports a payload that failed schema validation.
func NewStepOutputInvalidError(step, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeStepOutputInvalid,
		Message:   fmt.Sprintf("Step '%s' returned an invalid payload", step),
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStepInputMissingError reports a required input absent from the state.
func NewStepInputMissingError(step string, keys []string) *StandardError {
	return &StandardError{
		Code:      ErrCodeStepInputMissing,
		Message:   fmt.Sprintf("Step '%s' is missing inputs", step),
		Details:   strings.Join(keys, ", "),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStepFailedError wraps the final error of a step after retries.
func NewStepFailedError(step string, attempts int, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStepFailed,
		Message:   fmt.Sprintf("Step '%s' failed after %d attempt(s)", step, attempts),
		Details:   errDetails(err),
		Retryable: false,
		Metadata:  map[string]interface{}{"step": step, "attempts": attempts, "cause": string(CodeOf(err))},
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewGenerationFailedError classifies a generation capability failure.
func NewGenerationFailedError(details string, retryable bool, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeGenerationFailed,
		Message:   "Generation request failed",
		Details:   joinDetails(details, err),
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewGenerationTimeoutError creates a retryable timeout error.
func NewGenerationTimeoutError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeGenerationTimeout,
		Message:   "Generation request timed out",
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewInvalidRequestError creates a non-retryable request shape error.
func NewInvalidRequestError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidRequest,
		Message:   "Invalid execution request",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewExecutionCancelledError reports an execution abandoned by its caller.
func NewExecutionCancelledError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeExecutionCancelled,
		Message:   "Execution cancelled",
		Details:   errDetails(err),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func errDetails(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func joinDetails(details string, err error) string {
	switch {
	case err == nil:
		return details
	case details == "":
		return err.Error()
	default:
		return details + ": " + err.Error()
	}
}

// ==========================
// 3. Retry Policy
// ==========================

// GetRetryCount returns the recommended retry count for a code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeBackendUnavailable,
		ErrCodeGenerationTimeout,
		ErrCodeGenerationFailed:
		return 2

	default:
		return 0
	}
}

// IsTransient reports whether an error is worth retrying. Context
// cancellation is never transient; a per-attempt deadline is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

// CodeOf extracts the code of the outermost StandardError in the chain.
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Code
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return ErrCodeExecutionCancelled
	}
	return ErrCodeInternal
}

// ==========================
// 4. Utility Functions
// ==========================

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "BACKEND") || code == ErrCodeDimensionMismatch || code == ErrCodeInvalidChunk:
		return "STORAGE"
	case strings.HasPrefix(codeStr, "EMBEDDING") || strings.HasPrefix(codeStr, "GENERATION"):
		return "AI"
	case strings.Contains(codeStr, "WORKFLOW") || strings.Contains(codeStr, "REGISTRY"):
		return "REGISTRY"
	case strings.HasPrefix(codeStr, "STEP"):
		return "STEP"
	case strings.Contains(codeStr, "INVALID") || strings.Contains(codeStr, "CANCELLED"):
		return "REQUEST"
	default:
		return "OTHER"
	}
}
