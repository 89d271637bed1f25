package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RecoveryConfig tunes failure handling. SuccessRateFloor is the rate below
// which a worker is no longer trusted with retries of the same task.
type RecoveryConfig struct {
	SuccessRateFloor  float64
	MaxRetries        int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		SuccessRateFloor:  0.5,
		MaxRetries:        2,
		RetryInitialDelay: 500 * time.Millisecond,
		RetryMaxDelay:     30 * time.Second,
	}
}

// Recoverer decides what to do when a worker fails a task. It never executes
// the chosen action itself; the caller applies it.
type Recoverer struct {
	registry *Registry
	cfg      RecoveryConfig
	weights  AssignWeights
	logger   *slog.Logger

	mu      sync.Mutex
	retries map[string]int
}

func NewRecoverer(registry *Registry, cfg RecoveryConfig, weights AssignWeights) *Recoverer {
	if cfg.SuccessRateFloor <= 0 {
		cfg.SuccessRateFloor = DefaultRecoveryConfig().SuccessRateFloor
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRecoveryConfig().MaxRetries
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = DefaultRecoveryConfig().RetryInitialDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRecoveryConfig().RetryMaxDelay
	}
	return &Recoverer{
		registry: registry,
		cfg:      cfg,
		weights:  weights,
		logger:   slog.Default(),
		retries:  map[string]int{},
	}
}

func (r *Recoverer) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// HandleWorkerFailure classifies the failure and picks one recovery action.
// Every action carries reasoning; escalation is the fallback when nothing
// safer applies.
func (r *Recoverer) HandleWorkerFailure(workerID string, failure error, task Task) RecoveryAction {
	info, known := r.registry.Get(workerID)
	if !known {
		return RecoveryAction{
			Kind:      RecoveryEscalate,
			Reasoning: fmt.Sprintf("failed worker %s is not registered", workerID),
			Feedback:  failureFeedback(failure),
		}
	}

	rate := info.Metrics.SuccessRate()
	if rate < r.cfg.SuccessRateFloor {
		return r.reassign(workerID, failure, task, rate)
	}

	if transientFailure(failure) {
		attempt := r.bumpRetries(task.ID)
		if attempt <= r.cfg.MaxRetries {
			delay := r.retryDelay(attempt)
			r.logger.Info("scheduling retry",
				"task", task.ID, "worker", workerID, "attempt", attempt, "delay", delay)
			return RecoveryAction{
				Kind: RecoveryRetry,
				Reasoning: fmt.Sprintf("transient failure on attempt %d of %d, worker success rate %.2f",
					attempt, r.cfg.MaxRetries, rate),
				Delay:    delay,
				Feedback: failureFeedback(failure),
			}
		}
		return r.reassign(workerID, failure, task, rate)
	}

	return RecoveryAction{
		Kind: RecoveryEscalate,
		Reasoning: fmt.Sprintf("non-transient failure from worker %s (success rate %.2f)",
			workerID, rate),
		Feedback: failureFeedback(failure),
	}
}

// ResetRetries clears the retry count for a task, typically after it finally
// succeeds.
func (r *Recoverer) ResetRetries(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, taskID)
}

func (r *Recoverer) reassign(failedID string, failure error, task Task, rate float64) RecoveryAction {
	candidates := make([]WorkerInfo, 0)
	for _, info := range r.registry.Snapshot() {
		if info.ID != failedID {
			candidates = append(candidates, info)
		}
	}
	assignment, ok := AssignWorker(task, candidates, r.weights)
	if ok {
		return RecoveryAction{
			Kind: RecoveryReassign,
			Reasoning: fmt.Sprintf("worker %s success rate %.2f is below floor %.2f, reassigning to %s",
				failedID, rate, r.cfg.SuccessRateFloor, assignment.WorkerID),
			NewWorkerID: assignment.WorkerID,
			Feedback:    failureFeedback(failure),
		}
	}
	if priorityRank(task.Priority) >= priorityRank(PriorityCritical) {
		return RecoveryAction{
			Kind: RecoveryEscalate,
			Reasoning: fmt.Sprintf("no replacement worker for critical task %s after %s failed",
				task.ID, failedID),
			Feedback: failureFeedback(failure),
		}
	}
	return RecoveryAction{
		Kind: RecoverySkip,
		Reasoning: fmt.Sprintf("no replacement worker for %s priority task %s, skipping",
			task.Priority, task.ID),
		Feedback: failureFeedback(failure),
	}
}

func (r *Recoverer) bumpRetries(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[taskID]++
	return r.retries[taskID]
}

// retryDelay derives the delay for the given attempt from a deterministic
// exponential backoff schedule.
func (r *Recoverer) retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryInitialDelay
	bo.MaxInterval = r.cfg.RetryMaxDelay
	bo.RandomizationFactor = 0
	bo.Reset()
	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	if delay == backoff.Stop {
		delay = r.cfg.RetryMaxDelay
	}
	return delay
}

func transientFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "temporar", "unavailable", "connection reset", "connection refused"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func failureFeedback(err error) []string {
	if err == nil {
		return nil
	}
	return []string{err.Error()}
}
