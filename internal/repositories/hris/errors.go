package hris

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Error implements repositories.RepositoryError for HRIS lookups.
type Error struct {
	Op  string
	Err error
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Op: op, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("hris.%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) IsNotFound() bool {
	return e != nil && errors.Is(e.Err, gorm.ErrRecordNotFound)
}

func (e *Error) IsConflict() bool {
	return e != nil && errors.Is(e.Err, gorm.ErrDuplicatedKey)
}

// IsUnavailable reports connection-level failures.
func (e *Error) IsUnavailable() bool {
	return e != nil && errors.Is(e.Err, driver.ErrBadConn)
}
