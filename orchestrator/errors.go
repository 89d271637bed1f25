package orchestrator

import "errors"

// Error taxonomy. Validation errors fail a DelegateTask call immediately and
// are never retried; worker execution failures are handled by recovery up to
// the configured limits and then surfaced as failed results, not errors.
var (
	ErrIntentInvalid         = errors.New("intent invalid")
	ErrDependencyUnmet       = errors.New("dependency unmet")
	ErrCapacityExceeded      = errors.New("capacity exceeded")
	ErrNoWorkerAvailable     = errors.New("no worker available")
	ErrWorkerExecutionFailed = errors.New("worker execution failed")

	ErrUnknownWorker = errors.New("unknown worker")
	ErrInvalidWorker = errors.New("invalid worker")
	ErrInvalidTask   = errors.New("invalid task")
	ErrNoResults     = errors.New("no results to synthesize")
)
