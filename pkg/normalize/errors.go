package normalize

import "errors"

var (
	// ErrCorruptPayload indicates the raw document could not be parsed,
	// even after character-array reconstruction.
	ErrCorruptPayload = errors.New("corrupt payload")

	// ErrMissingIdentifier indicates the payload lacks the per-sailing id
	// or the cruise definition id. Files with this error are never retried
	// automatically.
	ErrMissingIdentifier = errors.New("missing identifier")
)
