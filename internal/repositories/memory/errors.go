package memory

import "fmt"

// Error implements repositories.RepositoryError for the in-memory store.
type Error struct {
	op       string
	err      error
	notFound bool
	conflict bool
}

func newError(op string, err error, notFound, conflict bool) *Error {
	return &Error{op: op, err: err, notFound: notFound, conflict: conflict}
}

func notFound(op, what string) *Error {
	return newError(op, fmt.Errorf("%s not found", what), true, false)
}

func conflict(op, what string) *Error {
	return newError(op, fmt.Errorf("%s already exists", what), false, true)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("memory.%s: %v", e.op, e.err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the record was missing.
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict reports whether the write collided with existing data.
func (e *Error) IsConflict() bool { return e != nil && e.conflict }

// IsUnavailable is always false for the in-memory store.
func (e *Error) IsUnavailable() bool { return false }
