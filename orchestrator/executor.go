package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tfoster/conclave/refine"
)

// DeliveryResult is what a Messenger returns for one task send. Retryable
// distinguishes transport hiccups from the worker actually failing.
type DeliveryResult struct {
	Result    TaskResult
	Retryable bool
}

// Messenger reaches workers that are not in-process callables. Send blocks
// until the worker replies or ctx is done.
type Messenger interface {
	Send(ctx context.Context, workerID string, task Task) (DeliveryResult, error)
}

// Executor runs the delegation pipeline: validate, check dependencies and
// capacity, assign, execute under the refinement loop, recover on failure,
// record the outcome.
type Executor struct {
	registry  *Registry
	recoverer *Recoverer
	messenger Messenger
	refineCfg refine.Config
	threshold float64
	weights   AssignWeights
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	completed map[string]TaskResult
	succeeded int
	failed    int
	inFlight  int
}

func NewExecutor(registry *Registry, recoverer *Recoverer, refineCfg refine.Config, threshold float64, weights AssignWeights) *Executor {
	def := refine.DefaultConfig()
	if refineCfg.MaxIterations == 0 {
		refineCfg.MaxIterations = def.MaxIterations
	}
	if refineCfg.ConfidenceThreshold == 0 {
		refineCfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if threshold <= 0 {
		threshold = refineCfg.ConfidenceThreshold
	}
	return &Executor{
		registry:  registry,
		recoverer: recoverer,
		refineCfg: refineCfg,
		threshold: threshold,
		weights:   weights,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		completed: map[string]TaskResult{},
	}
}

func (e *Executor) SetMessenger(m Messenger) { e.messenger = m }

func (e *Executor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

func (e *Executor) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// CompletedResult returns the stored result for a finished task.
func (e *Executor) CompletedResult(taskID string) (TaskResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.completed[taskID]
	return res, ok
}

// Counters reports completed, failed, and in-flight task counts.
func (e *Executor) Counters() (succeeded, failed, inFlight int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.succeeded, e.failed, e.inFlight
}

// DelegateTask validates, assigns, and executes one task. A validation or
// availability problem fails the delegation itself; a worker failure that
// recovery cannot absorb comes back as a failed result with the error
// attached.
func (e *Executor) DelegateTask(ctx context.Context, task Task) DelegationResult {
	if err := ValidateTask(task); err != nil {
		return DelegationResult{
			TaskID:    task.ID,
			Err:       err,
			Reasoning: fmt.Sprintf("task rejected: %v", err),
		}
	}
	if err := e.checkDependencies(task); err != nil {
		return DelegationResult{
			TaskID:    task.ID,
			Err:       err,
			Reasoning: fmt.Sprintf("dependencies not satisfied: %v", err),
		}
	}
	if !e.registry.HasCapacity() {
		position, estimate := e.queueEstimate()
		return DelegationResult{
			TaskID:         task.ID,
			Err:            fmt.Errorf("%w: all workers at their concurrency limit", ErrCapacityExceeded),
			QueuePosition:  position,
			EstimatedStart: estimate,
			Reasoning:      "no worker has a free execution slot",
		}
	}
	assignment, ok := AssignWorker(task, e.registry.Snapshot(), e.weights)
	if !ok {
		return DelegationResult{
			TaskID:    task.ID,
			Err:       fmt.Errorf("%w: no idle worker matches task type %q", ErrNoWorkerAvailable, task.Type),
			Reasoning: "no idle worker matched the task",
		}
	}
	return e.runAssigned(ctx, task, assignment)
}

func (e *Executor) runAssigned(ctx context.Context, task Task, assignment WorkerAssignment) DelegationResult {
	workerID := assignment.WorkerID
	e.trackInFlight(1)
	defer e.trackInFlight(-1)

	reserveAttempts := 0
	for {
		if err := e.registry.beginTask(workerID); err != nil {
			// A concurrent delegation may have taken the slot between
			// assignment and reservation; pick again a bounded number
			// of times before giving up.
			reserveAttempts++
			if errors.Is(err, ErrCapacityExceeded) && reserveAttempts <= len(e.registry.Snapshot()) {
				if next, ok := AssignWorker(task, e.registry.Snapshot(), e.weights); ok && next.WorkerID != workerID {
					workerID = next.WorkerID
					continue
				}
			}
			return DelegationResult{
				TaskID:         task.ID,
				AssignedWorker: workerID,
				Err:            err,
				Reasoning:      fmt.Sprintf("could not reserve worker %s: %v", workerID, err),
			}
		}
		reserveAttempts = 0
		started := e.now()
		result, execErr := e.executeWithRefinement(ctx, task, workerID)
		elapsed := e.now().Sub(started)

		if execErr == nil {
			result.StartedAt = started
			result.Duration = elapsed
			_ = e.registry.finishTask(workerID, result.Success, elapsed)
			e.recordOutcome(result)
			e.recoverer.ResetRetries(task.ID)
			return DelegationResult{
				Success:        true,
				TaskID:         task.ID,
				AssignedWorker: workerID,
				Result:         &result,
				Reasoning:      assignment.Reasoning,
			}
		}

		// Classify against the worker's history before recording this
		// failure, otherwise a fresh worker's first error always trips
		// the success rate floor.
		action := e.recoverer.HandleWorkerFailure(workerID, execErr, task)
		_ = e.registry.finishTask(workerID, false, elapsed)
		e.logger.Warn("task execution failed",
			"task", task.ID, "worker", workerID, "action", action.Kind, "error", execErr)

		switch action.Kind {
		case RecoveryRetry:
			if action.Delay > 0 {
				select {
				case <-time.After(action.Delay):
				case <-ctx.Done():
					return e.failedDelegation(task, workerID, ctx.Err(), "context ended while waiting to retry")
				}
			}
			task.Context = append(task.Context, action.Feedback...)
		case RecoveryReassign:
			e.registry.markError(workerID)
			workerID = action.NewWorkerID
			task.Context = append(task.Context, action.Feedback...)
		case RecoverySkip:
			e.registry.markError(workerID)
			skipped := TaskResult{
				TaskID:    task.ID,
				WorkerID:  workerID,
				Topic:     task.Topic,
				Skipped:   true,
				Reasoning: action.Reasoning,
				StartedAt: started,
			}
			e.recordOutcome(skipped)
			return DelegationResult{
				Success:        true,
				TaskID:         task.ID,
				AssignedWorker: workerID,
				Result:         &skipped,
				Reasoning:      action.Reasoning,
			}
		case RecoveryEscalate:
			e.registry.markError(workerID)
			return e.failedDelegation(task, workerID,
				fmt.Errorf("%w: %v", ErrWorkerExecutionFailed, execErr), action.Reasoning)
		default:
			return e.failedDelegation(task, workerID,
				fmt.Errorf("%w: %v", ErrWorkerExecutionFailed, execErr), "unrecognized recovery action")
		}
	}
}

// executeWithRefinement drives the worker through the refinement loop:
// generate by executing the task, evaluate by auditing the result against
// the task's success criteria, refine by re-executing with the worst
// feedback appended to the task context.
func (e *Executor) executeWithRefinement(ctx context.Context, task Task, workerID string) (TaskResult, error) {
	exec, err := e.invoker(workerID)
	if err != nil {
		return TaskResult{}, err
	}

	var mu sync.Mutex
	byCandidate := map[string]TaskResult{}

	run := func(ctx context.Context, t Task) (refine.Candidate, error) {
		res, err := exec(ctx, t)
		if err != nil {
			return refine.Candidate{}, err
		}
		res.TaskID = task.ID
		res.WorkerID = workerID
		if res.Topic == "" {
			res.Topic = task.Topic
		}
		c := refine.Candidate{
			ID:         NewID("result"),
			Kind:       task.Type,
			Output:     res.Output,
			Confidence: res.Confidence,
			Reasoning:  res.Reasoning,
		}
		mu.Lock()
		byCandidate[c.ID] = res
		mu.Unlock()
		return c, nil
	}

	strategy := refine.FuncStrategy{
		GenerateFunc: func(ctx context.Context) (refine.Candidate, error) {
			return run(ctx, task)
		},
		EvaluateFunc: func(ctx context.Context, c refine.Candidate) (refine.Evaluation, error) {
			mu.Lock()
			res := byCandidate[c.ID]
			mu.Unlock()
			audit := AuditResult(task, res, e.threshold)
			feedback := auditFeedback(res, audit)
			if !audit.IsSatisfactory && len(feedback) == 0 {
				feedback = append(feedback, refine.Feedback{
					Issue:      fmt.Sprintf("confidence %.2f is below the required %.2f", res.Confidence, e.threshold),
					Severity:   refine.SeverityMajor,
					Suggestion: "strengthen the evidence behind the conclusion",
					Aspect:     "confidence",
				})
			}
			return refine.Evaluation{
				Score:      res.Confidence,
				Feedback:   feedback,
				Acceptable: audit.IsSatisfactory,
				Cost:       1,
			}, nil
		},
		RefineFunc: func(ctx context.Context, c refine.Candidate, worst refine.Feedback) (refine.Candidate, error) {
			next := task
			next.Context = append(append([]string(nil), task.Context...),
				fmt.Sprintf("previous attempt: %s", worst.Issue))
			if worst.Suggestion != "" {
				next.Context = append(next.Context, worst.Suggestion)
			}
			return run(ctx, next)
		},
	}

	loop, err := refine.New(e.refineCfg, strategy)
	if err != nil {
		return TaskResult{}, err
	}
	loop.SetLogger(e.logger)
	outcome := loop.Run(ctx)
	if outcome.Err != nil && outcome.Candidate.ID == "" {
		return TaskResult{}, outcome.Err
	}

	mu.Lock()
	best, ok := byCandidate[outcome.Candidate.ID]
	mu.Unlock()
	if !ok {
		return TaskResult{}, fmt.Errorf("%w: worker %s produced no result", ErrWorkerExecutionFailed, workerID)
	}
	return best, nil
}

// invoker returns the callable for a worker, wrapping the messenger when the
// worker has no in-process Execute.
func (e *Executor) invoker(workerID string) (ExecuteFunc, error) {
	exec, known := e.registry.executeFunc(workerID)
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if exec != nil {
		return exec, nil
	}
	if e.messenger == nil {
		return nil, fmt.Errorf("%w: worker %s has no execute func and no messenger is configured",
			ErrInvalidWorker, workerID)
	}
	m := e.messenger
	return func(ctx context.Context, task Task) (TaskResult, error) {
		delivery, err := m.Send(ctx, workerID, task)
		if err != nil {
			if delivery.Retryable {
				return TaskResult{}, fmt.Errorf("delivery temporarily unavailable: %w", err)
			}
			return TaskResult{}, err
		}
		return delivery.Result, nil
	}, nil
}

func (e *Executor) checkDependencies(task Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dep := range task.DependsOn {
		res, done := e.completed[dep]
		if !done {
			return fmt.Errorf("%w: task %s has not completed", ErrDependencyUnmet, dep)
		}
		if !res.Success && !res.Skipped {
			return fmt.Errorf("%w: task %s failed", ErrDependencyUnmet, dep)
		}
	}
	return nil
}

func (e *Executor) recordOutcome(res TaskResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed[res.TaskID] = res
	if res.Success {
		e.succeeded++
	} else if !res.Skipped {
		e.failed++
	}
}

func (e *Executor) trackInFlight(delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight += delta
}

func (e *Executor) failedDelegation(task Task, workerID string, err error, reasoning string) DelegationResult {
	failed := TaskResult{
		TaskID:    task.ID,
		WorkerID:  workerID,
		Topic:     task.Topic,
		Success:   false,
		Reasoning: reasoning,
		StartedAt: e.now(),
	}
	e.recordOutcome(failed)
	return DelegationResult{
		TaskID:         task.ID,
		AssignedWorker: workerID,
		Result:         &failed,
		Err:            err,
		Reasoning:      reasoning,
	}
}

// queueEstimate guesses where a task would sit if queued and when a slot
// should free up, based on the busiest workers' average completion times.
func (e *Executor) queueEstimate() (int, time.Time) {
	var shortest time.Duration
	for _, info := range e.registry.Snapshot() {
		if info.Status != WorkerBusy {
			continue
		}
		avg := info.Metrics.AverageCompletionTime
		if avg <= 0 {
			continue
		}
		if shortest == 0 || avg < shortest {
			shortest = avg
		}
	}
	e.mu.Lock()
	position := e.inFlight + 1
	e.mu.Unlock()
	if shortest == 0 {
		return position, time.Time{}
	}
	return position, e.now().Add(shortest)
}
