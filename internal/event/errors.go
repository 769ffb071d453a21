package event

import "errors"

// Stable error taxonomy for the library surface. Callers classify with
// errors.Is; lower layers wrap these with %w and context.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrValidation           = errors.New("validation error")
	ErrContextMissing       = errors.New("project/environment context missing")
	ErrBulkTooLarge         = errors.New("bulk too large")
	ErrDuplicateExternalID  = errors.New("duplicate external_id in stream")
	ErrNotFound             = errors.New("not found")
	ErrTimeout              = errors.New("timeout")
	ErrChainConflict        = errors.New("chain conflict")
	ErrBacklogFull          = errors.New("backlog full")
	ErrStorage              = errors.New("storage error")
	ErrIntegrity            = errors.New("integrity failure")
)

// Permanent reports whether err is a caller or data fault that retrying
// cannot fix. Permanent failures never enter the backlog.
func Permanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateExternalID) ||
		errors.Is(err, ErrBulkTooLarge) ||
		errors.Is(err, ErrContextMissing) ||
		errors.Is(err, ErrInvalidConfiguration)
}
