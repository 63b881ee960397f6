package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDuplicateStepKey  = "DUPLICATE_STEP_KEY"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// OrquestaError is the structured error type for all orquesta operations.
type OrquestaError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepKey string         `json:"step_key,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OrquestaError) Error() string {
	if e.StepKey != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepKey, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OrquestaError) Unwrap() error {
	return e.Cause
}

// NewError creates a new OrquestaError.
func NewError(code, message string) *OrquestaError {
	return &OrquestaError{Code: code, Message: message}
}

// NewErrorf creates a new OrquestaError with a formatted message.
func NewErrorf(code, format string, args ...any) *OrquestaError {
	return &OrquestaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step key to the error.
func (e *OrquestaError) WithStep(stepKey string) *OrquestaError {
	e.StepKey = stepKey
	return e
}

// WithCause attaches an underlying cause.
func (e *OrquestaError) WithCause(err error) *OrquestaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OrquestaError) WithDetails(details map[string]any) *OrquestaError {
	e.Details = details
	return e
}

// CodeOf returns the code of an OrquestaError, or ErrCodeExecution for
// any other non-nil error.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if oe, ok := err.(*OrquestaError); ok {
		return oe.Code
	}
	return ErrCodeExecution
}
