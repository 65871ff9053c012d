package engine

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Every failure maps to a well-defined client retry action;
// none terminates the device's session.
var (
	// ErrBatchTooLarge rejects an entire batch above the configured
	// maximum; the device must split and retry.
	ErrBatchTooLarge = errors.New("engine: batch exceeds maximum size")
	// ErrConflictQueueFull is system-level backpressure: the mutation is
	// neither applied nor queued; the device retries later.
	ErrConflictQueueFull = errors.New("engine: pending conflict queue is full")
	// ErrAlreadyConflicted marks an entity with a pending manual
	// resolution; the device retries after resolution.
	ErrAlreadyConflicted = errors.New("engine: entity already has a pending conflict")
	// ErrStaleCursor means the cursor predates change-log retention; the
	// device must request a full resync from cursor zero.
	ErrStaleCursor = errors.New("engine: cursor predates retained history")
	// ErrIdempotencyConflict rejects a mutation id reused with different
	// content; the recorded outcome is never overwritten.
	ErrIdempotencyConflict = errors.New("engine: mutation id reused with different content")
	// ErrStorageFailure wraps a durable-write failure for one mutation;
	// fully retryable since nothing was committed.
	ErrStorageFailure = errors.New("engine: storage failure")
	// ErrUnknownConflict indicates the conflict id does not exist.
	ErrUnknownConflict = errors.New("engine: unknown conflict")
	// ErrConflictNotPending indicates the conflict was already resolved.
	ErrConflictNotPending = errors.New("engine: conflict is not pending")
	// ErrMergedPayloadRequired indicates a merged-payload resolution
	// without an explicit payload.
	ErrMergedPayloadRequired = errors.New("engine: merged resolution requires a payload")
)

// ServiceError carries an operation/reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "engine.service.new"
	opProcessBatch    = "engine.process_batch"
	opCompileDelta    = "engine.compile_delta"
	opResolveConflict = "engine.resolve_conflict"
	opPruneChangeLog  = "engine.prune_change_log"
	opListConflicts   = "engine.list_conflicts"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
