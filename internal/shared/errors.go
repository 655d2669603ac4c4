package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig = fmt.Errorf("configuration not found")
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Catalog and composition errors
	ErrCatalogUnavailable = fmt.Errorf("service catalog unavailable")
	ErrNoViableChain      = fmt.Errorf("no viable transformation chain")
	ErrInvalidChain       = fmt.Errorf("invalid transformation chain")

	// Plan errors
	ErrNotFound          = fmt.Errorf("not found")
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
	ErrPlanBusy          = fmt.Errorf("plan is being executed")
	ErrInvalidDescriptor = fmt.Errorf("invalid migration descriptor")

	// Gate errors
	ErrDispatchFailed = fmt.Errorf("dispatched work failed")

	// API and service errors
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrTimeout            = fmt.Errorf("operation timed out")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrInvalidFlag     = fmt.Errorf("invalid flag value")
)

// IsRetryable reports whether err is a transient failure the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCatalogUnavailable) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}
