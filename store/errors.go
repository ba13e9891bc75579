package store

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyOwner is returned when the owner user ID is empty.
	ErrEmptyOwner = errors.New("owner user id must not be empty")

	// ErrEmptyImageID is returned when the image ID is empty.
	ErrEmptyImageID = errors.New("image id must not be empty")

	// ErrNotNormalized is returned when an inserted vector is not unit-norm.
	// Vectors must pass through the normalizer before insertion.
	ErrNotNormalized = errors.New("vector is not L2-normalized")

	// ErrDuplicateID is returned when a restore would overwrite an
	// existing record. Vector IDs are never reused.
	ErrDuplicateID = errors.New("duplicate vector id")
)

// ErrDimensionMismatch indicates a vector/store dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}
