package orchestrator

import "fmt"

var allowedWorkerTransitions = map[WorkerStatus]map[WorkerStatus]struct{}{
	WorkerIdle: {
		WorkerBusy:    {},
		WorkerError:   {},
		WorkerOffline: {},
	},
	WorkerBusy: {
		WorkerIdle:    {},
		WorkerError:   {},
		WorkerOffline: {},
	},
	WorkerError: {
		WorkerIdle:    {},
		WorkerOffline: {},
	},
	WorkerOffline: {
		WorkerIdle: {},
	},
}

func ValidateWorkerStatus(status WorkerStatus) error {
	if _, ok := allowedWorkerTransitions[status]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidWorker, status)
	}
	return nil
}

func ValidateWorkerTransition(from, to WorkerStatus) error {
	if err := ValidateWorkerStatus(from); err != nil {
		return err
	}
	if err := ValidateWorkerStatus(to); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if _, ok := allowedWorkerTransitions[from][to]; !ok {
		return fmt.Errorf("%w: transition %s -> %s not allowed", ErrInvalidWorker, from, to)
	}
	return nil
}
