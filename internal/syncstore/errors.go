package syncstore

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrResyncRequired  = errors.New("resync required")
	ErrValidation      = errors.New("validation failed")
	ErrInvalidInput    = errors.New("invalid input")
	ErrPersistence     = errors.New("persistence error")
	ErrNotImplemented  = errors.New("not implemented")
)

// VersionConflictError is returned when a client submits a mutation against a
// stale store version. ServerVersion carries the authoritative version so the
// client can fetch the full store and retry.
type VersionConflictError struct {
	ServerVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: server is at version %d", e.ServerVersion)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// ResyncRequiredError is returned by the differential read path when the
// requested version predates the oldest retained ledger entry, meaning the
// delta would be incomplete.
type ResyncRequiredError struct {
	OldestVersion    int64
	RequestedVersion int64
}

func (e *ResyncRequiredError) Error() string {
	return fmt.Sprintf("resync required: version %d predates oldest retained ledger entry %d", e.RequestedVersion, e.OldestVersion)
}

func (e *ResyncRequiredError) Is(target error) bool {
	return target == ErrResyncRequired
}
