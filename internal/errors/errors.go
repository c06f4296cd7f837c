// SPDX-License-Identifier: AGPL-3.0-only
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrAlreadyExists    = errors.New("already exists")
	ErrUnsupported      = errors.New("unsupported environment")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCancelled        = errors.New("cancelled by user")
	ErrInternal         = errors.New("internal error")
)

// NotFound creates an error for a missing resource
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// InvalidInput creates an error for invalid caller input
func InvalidInput(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrInvalidInput)
}

// AlreadyExists creates an error for a duplicate resource
func AlreadyExists(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrAlreadyExists)
}

// Unsupported creates an error for a host missing a required capability API
func Unsupported(what string) error {
	return fmt.Errorf("%s: %w", what, ErrUnsupported)
}

// PermissionDenied creates an error for an explicitly refused grant
func PermissionDenied(what string) error {
	return fmt.Errorf("%s: %w", what, ErrPermissionDenied)
}

// Internal wraps an unexpected failure
func Internal(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrInternal)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}
