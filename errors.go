package managednebula

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned from Setup and option validation.
var (
	ErrInvalidOptions       = errors.New("invalid options provided")
	ErrMissingRequiredField = errors.New("missing required field")
)

// WrapError prepends context to err while preserving the original for
// errors.Is/As. Nil in, nil out.
func WrapError(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// WrapErrorf is WrapError with printf-style context.
func WrapErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ValidateRequired ensures a string field is not empty after trimming.
func ValidateRequired(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s", ErrMissingRequiredField, fieldName)
	}
	return nil
}
