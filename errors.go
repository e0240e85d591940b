package spannix

import (
	"errors"
	"fmt"

	"github.com/spannix/spannix/index"
	"github.com/spannix/spannix/resource"
	"github.com/spannix/spannix/vectorstore"
)

var (
	// ErrNotFound is returned when an ID is not present in the database.
	ErrNotFound = errors.New("id not found")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrResourceExhausted is returned when an operation would exceed a
	// configured resource budget. The operation leaves no partial state.
	ErrResourceExhausted = errors.New("resource budget exhausted")

	// ErrInvalidMetric is returned when the configured distance metric is
	// unknown or rejected by the configured embedder.
	ErrInvalidMetric = errors.New("invalid metric")

	// ErrEmptyID is returned when an operation addresses the empty string ID.
	ErrEmptyID = errors.New("id must not be empty")

	// ErrClosed is returned when the database has been closed.
	ErrClosed = errors.New("database is closed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError maps internal package errors onto the public error surface.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, index.ErrUnknownHandle) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, vectorstore.ErrOutOfBounds) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	// Dimension and argument normalization.
	var dm *vectorstore.DimensionMismatchError
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	if errors.Is(err, index.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}

	// Budget denials.
	if errors.Is(err, resource.ErrMemoryExhausted) {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	return err
}
