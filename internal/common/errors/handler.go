// internal/common/errors/handler.go
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorHandler turns arbitrary failures into StandardErrors, logs them and
// renders the caller-facing strings placed in an execution result.
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Normalize ensures we always have a StandardError.
func (h *ErrorHandler) Normalize(err error) *StandardError {
	return Normalize(err)
}

// Normalize is the package level form of ErrorHandler.Normalize.
func Normalize(err error) *StandardError {
	if err == nil {
		return nil
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	if CodeOf(err) == ErrCodeExecutionCancelled {
		return NewExecutionCancelledError(err)
	}
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// Describe renders an error as a single result line, e.g.
// "STEP_FAILED: Step 'audience' failed after 3 attempt(s) (status 503)".
func Describe(err error) string {
	stdErr := Normalize(err)
	if stdErr == nil {
		return ""
	}
	if stdErr.Details == "" {
		return fmt.Sprintf("%s: %s", stdErr.Code, stdErr.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", stdErr.Code, stdErr.Message, stdErr.Details)
}

// Warning renders a non-fatal problem, prefixed so callers can tell warnings
// from hard errors in the same list.
func Warning(err error) string {
	return "warning: " + Describe(err)
}

// HandleStepError logs a step failure and returns the rendered line. Optional
// steps log at warn level since the pipeline carries on without them.
func (h *ErrorHandler) HandleStepError(workflow, step string, optional bool, err error) string {
	stdErr := h.Normalize(err)
	fields := map[string]interface{}{
		"workflow":      workflow,
		"step":          step,
		"optional":      optional,
		"errorCode":     string(stdErr.Code),
		"details":       stdErr.Details,
		"retryable":     stdErr.Retryable,
		"errorCategory": GetErrorCategory(stdErr.Code),
	}

	if optional {
		h.logger.Warn("optional step skipped", fields)
		return Warning(stdErr)
	}
	h.logger.Error("required step failed", fields)
	return Describe(stdErr)
}
