package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrPackage - bundle could not be parsed or is incomplete (fatal to load)
	ErrPackage = errors.New("package error")

	// ErrSandbox - sandbox directory create/delete failure (logged, non-fatal)
	ErrSandbox = errors.New("sandbox error")

	// ErrProcess - spawn failure or process table exhaustion (reported via callback)
	ErrProcess = errors.New("process error")

	// ErrLimitExceeded - a hard capacity was reached
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrClosed - operation on a released handle
	ErrClosed = errors.New("closed")

	// ErrPermissionDenied - permission denied
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidInput - invalid input
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrConflict - conflicting state, e.g. app already running
	ErrConflict = errors.New("conflict")

	// ErrTransient - transient error, caller may retry
	ErrTransient = errors.New("transient error")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
