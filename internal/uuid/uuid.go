// Package uuid generates and validates the client-side identifiers used as
// queue ids and draft idempotency keys.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a canonical (dashed, lower or upper case) UUID.
// Any version is accepted: draft ids may originate from other clients.
func IsValid(s string) bool {
	if len(s) != 36 || strings.Count(s, "-") != 4 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Validate returns an INVALID_INPUT error naming field when s is not a UUID.
func Validate(field, s string) error {
	if s == "" {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s is required", field))
	}
	if !IsValid(s) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s must be a UUID, got %q", field, s))
	}
	return nil
}
