// CLAUDE:SUMMARY Error taxonomy — typed errors for validation, missing entities, write conflicts, bootstrap, storage faults and safety vetoes
package db

import (
	"errors"
	"fmt"
)

// ErrNoActiveVersion is returned by the active-version lookups before the
// store has been seeded. It is a bootstrap condition, not a runtime fault:
// callers must seed an initial active version before serving traffic.
var ErrNoActiveVersion = errors.New("no active version")

// ValidationError reports malformed caller input. Not retryable.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.Entity, e.Field, e.Reason)
}

// NotFoundError reports a reference to an entity that does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// ConflictError reports an invariant violation caused by a concurrent
// mutation (e.g. a second running experiment on the same lineage). Safe to
// retry after re-reading state.
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Entity, e.ID, e.Reason)
}

// InvalidStateError reports an illegal lifecycle transition, such as
// evaluating a proposal's safety twice or aborting a completed experiment.
type InvalidStateError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// StorageError wraps a transient infrastructure failure from the driver.
// Callers retry with backoff; the prior consistent state is intact.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SafetyVeto is terminal for the vetoed proposal and never retried
// automatically.
type SafetyVeto struct {
	ProposalID string
	Reason     string
}

func (e *SafetyVeto) Error() string {
	return fmt.Sprintf("safety veto on proposal %s: %s", e.ProposalID, e.Reason)
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
