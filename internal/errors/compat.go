package errors

import "errors"

// Re-exports so callers importing this package as ierr don't also need the
// stdlib errors package for Is/As/New.

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
