package orchestrator

import (
	"context"
	"time"

	"github.com/tfoster/conclave/refine"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Scope optionally narrows what a task may touch.
type Scope struct {
	Included []string `json:"included,omitempty"`
	Excluded []string `json:"excluded,omitempty"`
}

// Task is immutable once submitted; only execution bookkeeping changes.
// Context carries feedback accumulated across refinement attempts and is the
// one field the executor appends to between worker invocations.
type Task struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Topic           string    `json:"topic,omitempty"`
	Intent          string    `json:"intent"`
	Constraints     []string  `json:"constraints,omitempty"`
	Priority        Priority  `json:"priority"`
	DependsOn       []string  `json:"depends_on,omitempty"`
	Scope           *Scope    `json:"scope,omitempty"`
	SuccessCriteria []string  `json:"success_criteria,omitempty"`
	Deadline        time.Time `json:"deadline,omitempty"`
	Context         []string  `json:"context,omitempty"`
}

type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerError   WorkerStatus = "error"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerMetrics mutate only at task completion or failure.
type WorkerMetrics struct {
	TasksCompleted        int           `json:"tasks_completed"`
	TasksFailed           int           `json:"tasks_failed"`
	AverageCompletionTime time.Duration `json:"average_completion_time"`
	LastActiveAt          time.Time     `json:"last_active_at"`
}

// SuccessRate reports completed/(completed+failed), or 1 for a worker with
// no history so new workers are not penalized in assignment.
func (m WorkerMetrics) SuccessRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 1
	}
	return float64(m.TasksCompleted) / float64(total)
}

// ExecuteFunc is the worker contract: one task in, one result out. It is
// invoked concurrently only up to the worker's MaxConcurrent limit.
type ExecuteFunc func(ctx context.Context, task Task) (TaskResult, error)

// WorkerSpec registers an externally supplied worker. Execute may be nil
// when the worker is reached through the orchestrator's Messenger instead of
// an in-process callable.
type WorkerSpec struct {
	ID             string
	Specialization string
	Capabilities   []string
	MaxConcurrent  int
	Execute        ExecuteFunc
}

// WorkerInfo is a point-in-time snapshot of a registered worker.
type WorkerInfo struct {
	ID             string        `json:"id"`
	Specialization string        `json:"specialization"`
	Capabilities   []string      `json:"capabilities,omitempty"`
	Status         WorkerStatus  `json:"status"`
	Metrics        WorkerMetrics `json:"metrics"`
	InFlight       int           `json:"in_flight"`
	MaxConcurrent  int           `json:"max_concurrent"`
}

// TaskResult is produced exactly once per executed task and is immutable
// after creation. Output is opaque; Conclusion is the worker's stated
// conclusion used for conflict detection.
type TaskResult struct {
	TaskID       string        `json:"task_id"`
	WorkerID     string        `json:"worker_id"`
	Topic        string        `json:"topic,omitempty"`
	Success      bool          `json:"success"`
	Skipped      bool          `json:"skipped,omitempty"`
	Output       []byte        `json:"output,omitempty"`
	Conclusion   string        `json:"conclusion,omitempty"`
	Confidence   float64       `json:"confidence"`
	Reasoning    string        `json:"reasoning,omitempty"`
	Issues       []string      `json:"issues,omitempty"`
	Insights     []string      `json:"insights,omitempty"`
	Alternatives []string      `json:"alternatives_considered,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

type ConflictType string

const (
	ConflictDisagreement  ConflictType = "disagreement"
	ConflictContradiction ConflictType = "contradiction"
	ConflictUncertainty   ConflictType = "uncertainty"
)

// Resolution records why a conflict was settled. Reasoning must be
// non-empty for the resolution to count; synthesis rejects anything else.
type Resolution struct {
	Method    string `json:"method"`
	Reasoning string `json:"reasoning"`
	ChosenID  string `json:"chosen_worker_id,omitempty"`
}

// Conflict is a recorded disagreement between results. It is never silently
// dropped: either Resolution is set with reasoning, or Preserved is true.
type Conflict struct {
	Type        ConflictType    `json:"type"`
	WorkerIDs   []string        `json:"worker_ids"`
	Description string          `json:"description"`
	Severity    refine.Severity `json:"severity"`
	Resolution  *Resolution     `json:"resolution,omitempty"`
	Preserved   bool            `json:"preserved"`
}

// RefinementMeta summarizes the loop that produced a synthesis narrative.
type RefinementMeta struct {
	Iterations int               `json:"iterations"`
	StopReason refine.StopReason `json:"stop_reason"`
	Cost       float64           `json:"cost"`
	FinalScore float64           `json:"final_score"`
}

// SynthesizedOutput merges multiple task results, keeping every conflict
// visible. Confidence never exceeds the minimum individual confidence while
// a major unresolved conflict exists.
type SynthesizedOutput struct {
	Results         []TaskResult    `json:"results"`
	Narrative       string          `json:"narrative"`
	Insights        []string        `json:"insights,omitempty"`
	Conflicts       []Conflict      `json:"conflicts,omitempty"`
	Confidence      float64         `json:"confidence"`
	Recommendations []string        `json:"recommendations,omitempty"`
	Refinement      *RefinementMeta `json:"refinement,omitempty"`
}

type RecoveryKind string

const (
	RecoveryRetry    RecoveryKind = "retry"
	RecoveryReassign RecoveryKind = "reassign"
	RecoverySkip     RecoveryKind = "skip"
	RecoveryEscalate RecoveryKind = "escalate"
)

// RecoveryAction is the chosen response to a worker failure. Escalation is
// the only action that requires caller intervention.
type RecoveryAction struct {
	Kind        RecoveryKind  `json:"kind"`
	Reasoning   string        `json:"reasoning"`
	NewWorkerID string        `json:"new_worker_id,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Feedback    []string      `json:"feedback,omitempty"`
}

// ScoredWorker is an assignment candidate kept for auditability.
type ScoredWorker struct {
	WorkerID string  `json:"worker_id"`
	Score    float64 `json:"score"`
}

// WorkerAssignment names the chosen worker plus the next-best candidates.
type WorkerAssignment struct {
	WorkerID     string         `json:"worker_id"`
	MatchScore   float64        `json:"match_score"`
	Reasoning    string         `json:"reasoning"`
	Alternatives []ScoredWorker `json:"alternatives,omitempty"`
}

// DelegationResult reports the outcome of one DelegateTask call. Success
// refers to the delegation itself; Result carries the execution outcome and
// a failed result is never upgraded to a successful one.
type DelegationResult struct {
	Success        bool        `json:"success"`
	TaskID         string      `json:"task_id"`
	AssignedWorker string      `json:"assigned_worker,omitempty"`
	QueuePosition  int         `json:"queue_position"`
	EstimatedStart time.Time   `json:"estimated_start,omitempty"`
	Result         *TaskResult `json:"result,omitempty"`
	Err            error       `json:"-"`
	Reasoning      string      `json:"reasoning,omitempty"`
}

// SelfAudit is a result's own assessment against its task's success
// criteria.
type SelfAudit struct {
	IsSatisfactory bool     `json:"is_satisfactory"`
	Confidence     float64  `json:"confidence"`
	Gaps           []string `json:"gaps,omitempty"`
	Risks          []string `json:"risks,omitempty"`
	ShouldRefine   bool     `json:"should_refine"`
	Reasoning      string   `json:"reasoning"`
}

type Pattern string

const (
	PatternParallelFanOut         Pattern = "parallel_fan_out"
	PatternSerialChain            Pattern = "serial_chain"
	PatternRecursiveDecomposition Pattern = "recursive_decomposition"
	PatternCompetitiveExploration Pattern = "competitive_exploration"
)

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	Workers        []WorkerInfo `json:"workers"`
	TasksCompleted int          `json:"tasks_completed"`
	TasksFailed    int          `json:"tasks_failed"`
	InFlight       int          `json:"in_flight"`
}
