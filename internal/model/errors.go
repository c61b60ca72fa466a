package model

import "github.com/juju/errors"

const (
	// ErrNotFound is returned when a product is absent or deleted.
	ErrNotFound = errors.ConstError("product not found")
	// ErrVersionConflict is returned when an expected version does not match.
	ErrVersionConflict = errors.ConstError("version conflict")
	// ErrInvalidInput marks caller mistakes (bad ids, bad attributes).
	ErrInvalidInput = errors.ConstError("invalid input")
)
