package domain

import "errors"

// Error taxonomy shared across services. The HTTP layer maps these to
// status codes; internal callers branch with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation failed")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrBudgetExceeded   = errors.New("budget exceeded")
	ErrDeliveryFailure  = errors.New("delivery failed")
	ErrExecutionTimeout = errors.New("execution timed out")
)
