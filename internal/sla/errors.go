package sla

import "errors"

// Sentinel errors surfaced to callers. Handlers map these onto HTTP statuses.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidState  = errors.New("invalid state")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflicting update")
)
