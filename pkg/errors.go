package btrfshash

import (
	"errors"
	"fmt"
)

// Lookup failures. Any of these makes the index path give up and the caller
// hash the file directly instead.
var (
	ErrUnsupportedInline = errors.New("file has inline extents")
	ErrNotFound          = errors.New("checksums not found")
	ErrMalformedRecord   = errors.New("malformed extent record")
)

// ErrorKind classifies failures for the exit policy of the command
type ErrorKind int

const (
	// InputError covers bad arguments and targets that are not regular files
	InputError ErrorKind = iota + 1
	// ResolutionError covers mount table lookups and opening the filesystem
	ResolutionError
	// LookupError covers failures inside the index path; it is recoverable
	LookupError
	// FallbackIOError covers failures to open or read the file directly
	FallbackIOError
)

func (k ErrorKind) String() string {
	switch k {
	case InputError:
		return "input error"
	case ResolutionError:
		return "resolution error"
	case LookupError:
		return "lookup error"
	case FallbackIOError:
		return "fallback I/O error"
	default:
		return "unknown error"
	}
}

// Error is a classified failure
type Error struct {
	Kind ErrorKind
	Op   string // What was being done, e.g. "stat", "resolve device"
	Path string // File or device involved, may be empty
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of a classified error, or 0 if err is not one
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsLookupError reports whether err only means the index path could not be used
func IsLookupError(err error) bool {
	return KindOf(err) == LookupError
}
