package types

import (
	"errors"
	"fmt"
)

// ErrValidation is the sentinel identity for rejected-at-the-boundary input,
// per spec.md §7's error taxonomy class (1).
var ErrValidation = errors.New("validation error")

func errValidation(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// IsValidation reports whether err (or something it wraps) is a Validation
// class error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
