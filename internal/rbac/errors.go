package rbac

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound indicates that the requested record does not exist for
	// the resolved guard and tenant.
	ErrNotFound = errors.New("rbac: not found")
	// ErrCacheUnavailable wraps cache backend failures. It never escapes
	// the cache layer; callers see a recomputed value instead.
	ErrCacheUnavailable = errors.New("rbac: cache unavailable")
)

// ValidationError carries field-level detail for malformed or duplicate
// input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rbac: validation failed on %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var nameRe = regexp.MustCompile(`^[a-z0-9_.-]+$`)

func validateName(field, name string) error {
	if name == "" {
		return &ValidationError{Field: field, Message: "must not be empty"}
	}
	if !nameRe.MatchString(name) {
		return &ValidationError{Field: field, Message: "must match ^[a-z0-9_.-]+$"}
	}
	return nil
}
