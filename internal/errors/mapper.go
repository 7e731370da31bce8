package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// MapError maps filesystem, context and OS errors onto the mpkd taxonomy.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	// Propagate context cancellation as-is
	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("operation timeout: %w", ErrTransient)
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%v: %w", err, ErrPermissionDenied)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%v: %w", err, ErrConflict)
	case errors.Is(err, fs.ErrClosed):
		return fmt.Errorf("%v: %w", err, ErrClosed)
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("operation timeout: %w", ErrTransient)
	case strings.Contains(errStr, "resource temporarily unavailable"), strings.Contains(errStr, "too many open files"):
		return fmt.Errorf("%v: %w", err, ErrTransient)
	default:
		return fmt.Errorf("%v: %w", err, ErrInternal)
	}
}

// Category returns the taxonomy name for an error chain
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrPackage):
		return "ErrPackage"
	case errors.Is(err, ErrSandbox):
		return "ErrSandbox"
	case errors.Is(err, ErrProcess):
		return "ErrProcess"
	case errors.Is(err, ErrLimitExceeded):
		return "ErrLimitExceeded"
	case errors.Is(err, ErrClosed):
		return "ErrClosed"
	case errors.Is(err, ErrPermissionDenied):
		return "ErrPermissionDenied"
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrConflict):
		return "ErrConflict"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// Join re-exports errors.Join.
func Join(errs ...error) error { return errors.Join(errs...) }

// Package wraps message as a package error
func Package(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPackage)
}

// Sandbox wraps message as a sandbox error
func Sandbox(message string) error {
	return fmt.Errorf("%s: %w", message, ErrSandbox)
}

// Process wraps message as a process error
func Process(message string) error {
	return fmt.Errorf("%s: %w", message, ErrProcess)
}

// LimitExceeded wraps message as limit exceeded
func LimitExceeded(message string) error {
	return fmt.Errorf("%s: %w", message, ErrLimitExceeded)
}

// Closed wraps message as closed
func Closed(message string) error {
	return fmt.Errorf("%s: %w", message, ErrClosed)
}

// NotFound wraps message as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// PermissionDenied wraps message as permission denied
func PermissionDenied(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPermissionDenied)
}

// InvalidInput wraps message as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Conflict wraps message as conflict
func Conflict(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConflict)
}

// Transient wraps message as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps message as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable reports whether the error is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
