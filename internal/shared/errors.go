package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrTenantNotFound indicates the tenant could not be resolved.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrValidation indicates input rejected before any write took place.
	ErrValidation = errors.New("validation failed")
)
