// Package apperr classifies pipeline errors so the dispatcher knows whether
// to retry a stage, flag the dataset for its owner, or treat the failure as a
// programming error.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Category indicates how the dispatcher responds to an error.
type Category int

const (
	// CategoryTransient covers infrastructure failures (document store or
	// search engine unreachable). The stage is retried with a fixed delay.
	CategoryTransient Category = iota

	// CategoryData covers problems with the dataset content itself: malformed
	// file, schema violation, breaking change without override. Never
	// retried; the dataset moves to error until its owner corrects it.
	CategoryData

	// CategoryInvariant covers programming errors such as running a stage
	// against the wrong dataset kind. Logged loudly, dataset moves to error.
	CategoryInvariant
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryData:
		return "data"
	case CategoryInvariant:
		return "invariant"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// CategorizedError is a wrapper that includes the underlying error plus a Category.
type CategorizedError struct {
	Err      error
	Category Category
}

func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

func NewTransient(err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Err: err, Category: CategoryTransient}
}

func NewData(err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Err: err, Category: CategoryData}
}

// Dataf builds a data error from a format string. The message is shown to
// the dataset owner as-is.
func Dataf(format string, args ...any) error {
	return &CategorizedError{Err: fmt.Errorf(format, args...), Category: CategoryData}
}

func NewInvariant(err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Err: err, Category: CategoryInvariant}
}

// Invariantf builds an invariant error from a format string.
func Invariantf(format string, args ...any) error {
	return &CategorizedError{Err: fmt.Errorf(format, args...), Category: CategoryInvariant}
}

// CategoryOf returns the category of err. Uncategorized errors are
// considered transient.
func CategoryOf(err error) Category {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryTransient
}

func IsTransient(err error) bool { return err != nil && CategoryOf(err) == CategoryTransient }
func IsData(err error) bool      { return err != nil && CategoryOf(err) == CategoryData }
func IsInvariant(err error) bool { return err != nil && CategoryOf(err) == CategoryInvariant }

// IsShutdown reports whether err stems from context cancellation. Such
// errors are never recorded against a dataset.
func IsShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
