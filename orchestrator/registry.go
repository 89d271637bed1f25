package orchestrator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry owns the worker set. All mutation happens under one lock so two
// tasks completing on distinct workers never lose a metrics update.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*workerRecord
	now     func() time.Time
	logger  *slog.Logger

	defaultMaxConcurrent int
}

type workerRecord struct {
	spec     WorkerSpec
	status   WorkerStatus
	metrics  WorkerMetrics
	inFlight int
}

func NewRegistry() *Registry {
	return &Registry{
		workers:              map[string]*workerRecord{},
		now:                  func() time.Time { return time.Now().UTC() },
		logger:               slog.Default(),
		defaultMaxConcurrent: 1,
	}
}

func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

func (r *Registry) SetDefaultMaxConcurrent(n int) {
	if n > 0 {
		r.defaultMaxConcurrent = n
	}
}

func (r *Registry) Register(spec WorkerSpec) error {
	if err := ValidateWorkerSpec(spec); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[spec.ID]; exists {
		return fmt.Errorf("%w: worker %s already registered", ErrInvalidWorker, spec.ID)
	}
	r.workers[spec.ID] = &workerRecord{spec: spec, status: WorkerIdle}
	r.logger.Info("worker registered", "worker", spec.ID, "specialization", spec.Specialization)
	return nil
}

func (r *Registry) Deregister(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if rec.inFlight > 0 {
		return fmt.Errorf("%w: worker %s has %d tasks in flight", ErrInvalidWorker, workerID, rec.inFlight)
	}
	delete(r.workers, workerID)
	return nil
}

func (r *Registry) Get(workerID string) (WorkerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return WorkerInfo{}, false
	}
	return r.infoLocked(rec), true
}

// Snapshot returns all workers sorted by id for deterministic output.
func (r *Registry) Snapshot() []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkerInfo, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, r.infoLocked(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) SetStatus(workerID string, status WorkerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if err := ValidateWorkerTransition(rec.status, status); err != nil {
		return err
	}
	rec.status = status
	return nil
}

// HasCapacity reports whether any registered worker can take one more task.
func (r *Registry) HasCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.workers {
		if rec.status == WorkerOffline || rec.status == WorkerError {
			continue
		}
		if rec.inFlight < r.maxConcurrentLocked(rec) {
			return true
		}
	}
	return false
}

// beginTask reserves one execution slot on the worker.
func (r *Registry) beginTask(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if rec.status == WorkerOffline || rec.status == WorkerError {
		return fmt.Errorf("%w: worker %s is %s", ErrNoWorkerAvailable, workerID, rec.status)
	}
	if rec.inFlight >= r.maxConcurrentLocked(rec) {
		return fmt.Errorf("%w: worker %s at limit %d", ErrCapacityExceeded, workerID, r.maxConcurrentLocked(rec))
	}
	rec.inFlight++
	rec.status = WorkerBusy
	return nil
}

// finishTask releases the slot and applies the only metrics mutation path.
func (r *Registry) finishTask(workerID string, success bool, elapsed time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if rec.inFlight > 0 {
		rec.inFlight--
	}
	if success {
		rec.metrics.TasksCompleted++
		n := rec.metrics.TasksCompleted
		prev := rec.metrics.AverageCompletionTime
		rec.metrics.AverageCompletionTime = prev + (elapsed-prev)/time.Duration(n)
	} else {
		rec.metrics.TasksFailed++
	}
	rec.metrics.LastActiveAt = r.now()
	if rec.inFlight == 0 && rec.status == WorkerBusy {
		rec.status = WorkerIdle
	}
	return nil
}

// markError flags a worker whose execution failed in a way that makes it
// unsafe to assign more work until it is explicitly reset.
func (r *Registry) markError(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return
	}
	if ValidateWorkerTransition(rec.status, WorkerError) == nil {
		rec.status = WorkerError
	}
}

func (r *Registry) executeFunc(workerID string) (ExecuteFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	return rec.spec.Execute, true
}

func (r *Registry) maxConcurrentLocked(rec *workerRecord) int {
	if rec.spec.MaxConcurrent > 0 {
		return rec.spec.MaxConcurrent
	}
	return r.defaultMaxConcurrent
}

// infoLocked reports MaxConcurrent as the effective limit, so callers
// reading a snapshot see the same capacity the registry enforces.
func (r *Registry) infoLocked(rec *workerRecord) WorkerInfo {
	caps := append([]string(nil), rec.spec.Capabilities...)
	return WorkerInfo{
		ID:             rec.spec.ID,
		Specialization: rec.spec.Specialization,
		Capabilities:   caps,
		Status:         rec.status,
		Metrics:        rec.metrics,
		InFlight:       rec.inFlight,
		MaxConcurrent:  r.maxConcurrentLocked(rec),
	}
}
