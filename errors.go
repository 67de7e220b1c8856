package kensaku

import "errors"

// Error kinds returned by query construction and iteration configuration.
// Callers can test for them with errors.Is; the wrapped message carries the
// offending detail.
var (
	// ErrInvalidParameter is returned for nil inputs, malformed descriptors,
	// conflicting descriptor options and unknown order-by components.
	ErrInvalidParameter = errors.New("kensaku: invalid parameter")

	// ErrInvalidOperation is returned when an operation is issued at a time
	// it cannot run, such as creating a query while the world shuts down.
	ErrInvalidOperation = errors.New("kensaku: invalid operation")

	// ErrUnsupported is returned for query features the cache cannot
	// represent, such as named variables or filter-only access modes.
	ErrUnsupported = errors.New("kensaku: unsupported")
)
