package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks. The typed errors below wrap these so
// callers can branch on category without knowing the concrete type.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrStorage    = errors.New("storage failure")
	ErrMigration  = errors.New("migration failure")
	ErrRollback   = errors.New("rollback failure")
)

// ValidationError reports a schema violation the caller can correct.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing record.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("context not found: %s", e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a duplicate id or storage key.
type ConflictError struct {
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Key, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// StorageError wraps a backend failure. Primary-store failures are fatal to
// the calling operation; index-store failures are recoverable warnings.
type StorageError struct {
	Backend string // "primary" or "index"
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s storage %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return ErrStorage }

// Cause exposes the underlying backend error.
func (e *StorageError) Cause() error { return e.Err }

// MigrationPhaseError wraps a failure in a named pipeline phase.
type MigrationPhaseError struct {
	Phase string
	Err   error
}

func (e *MigrationPhaseError) Error() string {
	return fmt.Sprintf("migration phase %s: %v", e.Phase, e.Err)
}

func (e *MigrationPhaseError) Unwrap() error { return ErrMigration }

// RollbackError records a secondary failure during rollback. It never masks
// the original migration failure, which stays attached as Original.
type RollbackError struct {
	Original error
	Err      error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %v (original failure: %v)", e.Err, e.Original)
}

func (e *RollbackError) Unwrap() error { return ErrRollback }
