package bundle

import (
	"fmt"

	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
)

// ErrorKind classifies why a bundle was rejected.
type ErrorKind string

const (
	KindMissingManifest   ErrorKind = "MissingManifest"
	KindMalformedManifest ErrorKind = "MalformedManifest"
	KindMissingField      ErrorKind = "MissingField"
	KindMissingEntryPoint ErrorKind = "MissingEntryPoint"
	KindCorruptArchive    ErrorKind = "CorruptArchive"
)

// Error is returned by Open for every rejected bundle. It matches
// errors.ErrPackage with errors.Is.
type Error struct {
	Kind  ErrorKind
	Path  string
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Field != "" {
		msg = fmt.Sprintf("%s(%s)", e.Kind, e.Field)
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{mpkerrors.ErrPackage}
	}
	return []error{mpkerrors.ErrPackage, e.Err}
}

// IsKind reports whether err is a bundle Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var bundleErr *Error
	if !mpkerrors.As(err, &bundleErr) {
		return false
	}
	return bundleErr.Kind == kind
}
