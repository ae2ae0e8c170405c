package query

import "errors"

var (
	// ErrMissingKey is returned in strict mode when a projected path does not
	// resolve on an attribute.
	ErrMissingKey = errors.New("missing key")

	// ErrMissingIndex is returned when a row lacks the index column.
	ErrMissingIndex = errors.New("missing index column")

	ErrInvalidKeySpec = errors.New("invalid key spec")
	ErrInvalidRule    = errors.New("invalid rule")
	ErrInvalidOptions = errors.New("invalid query options")

	// ErrRemote wraps non-200 answers from the MISP API.
	ErrRemote = errors.New("remote API error")
)
