// Package repository defines the backend-agnostic persistence contract shared by
// the wide-column and relational backends.
//
// Callers only ever see the sentinel errors declared here; storage engine types
// and error classes never cross this boundary.
package repository

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("twinstore: entity not found")

	// ErrConflict is returned when a guarded write's precondition did not hold.
	// It is never retried automatically; re-read and decide at the business layer.
	ErrConflict = errors.New("twinstore: precondition failed")

	// ErrOversize is returned when an item or item collection exceeds engine limits.
	ErrOversize = errors.New("twinstore: item exceeds storage size limit")

	// ErrTransient is returned when a throttling or internal failure persisted
	// through every retry.
	ErrTransient = errors.New("twinstore: storage unavailable after retries")

	// ErrCorruptData is returned when a stored item could not be decoded.
	ErrCorruptData = errors.New("twinstore: stored data is corrupt")

	// ErrInterrupted is returned when the caller's context ended while waiting
	// to retry.
	ErrInterrupted = errors.New("twinstore: operation interrupted")

	// ErrStorage is returned for storage failures that fit no other kind.
	ErrStorage = errors.New("twinstore: storage operation failed")
)

// Repository is the capability set every backend implements for an entity type.
type Repository[T any, ID comparable] interface {
	// Save inserts the entity when it has no identifier yet and overwrites it
	// otherwise. The returned entity carries the assigned identifier.
	Save(ctx context.Context, entity T) (T, error)

	// FindByID returns ErrNotFound when no entity has the identifier.
	FindByID(ctx context.Context, id ID) (T, error)

	// FindAll returns every entity, draining all pages.
	FindAll(ctx context.Context) ([]T, error)

	// Delete removes the entity unconditionally.
	Delete(ctx context.Context, entity T) error

	Count(ctx context.Context) (int64, error)

	Exists(ctx context.Context, id ID) (bool, error)
}
