package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// DecomposeFunc splits a task into subtasks for recursive decomposition.
// Returning no subtasks means the task is atomic and runs as-is.
type DecomposeFunc func(ctx context.Context, task Task) ([]Task, error)

// PatternResult is the outcome of one patterned execution. Delegations keeps
// every per-task outcome, including failures; Synthesis merges the results
// that produced one.
type PatternResult struct {
	Pattern     Pattern            `json:"pattern"`
	Delegations []DelegationResult `json:"delegations"`
	Synthesis   *SynthesizedOutput `json:"synthesis,omitempty"`
	HaltedAt    string             `json:"halted_at,omitempty"`
}

// PatternEngine executes groups of tasks under one of the delegation
// patterns. It owns no workers and no results; everything goes through the
// executor and synthesizer it is built with.
type PatternEngine struct {
	executor  *Executor
	synth     *Synthesizer
	registry  *Registry
	decompose DecomposeFunc
	maxDepth  int
	logger    *slog.Logger
}

func NewPatternEngine(executor *Executor, synth *Synthesizer, registry *Registry) *PatternEngine {
	return &PatternEngine{
		executor: executor,
		synth:    synth,
		registry: registry,
		maxDepth: 3,
		logger:   slog.Default(),
	}
}

func (p *PatternEngine) SetDecompose(fn DecomposeFunc) { p.decompose = fn }

func (p *PatternEngine) SetMaxDepth(depth int) {
	if depth > 0 {
		p.maxDepth = depth
	}
}

func (p *PatternEngine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Execute runs the tasks under the named pattern. Competitive exploration
// expects exactly one task; recursive decomposition requires a decompose
// func.
func (p *PatternEngine) Execute(ctx context.Context, pattern Pattern, tasks []Task) (PatternResult, error) {
	if len(tasks) == 0 {
		return PatternResult{}, fmt.Errorf("%w: no tasks given", ErrInvalidTask)
	}
	switch pattern {
	case PatternParallelFanOut:
		return p.fanOut(ctx, tasks)
	case PatternSerialChain:
		return p.serialChain(ctx, tasks)
	case PatternRecursiveDecomposition:
		return p.recursive(ctx, tasks)
	case PatternCompetitiveExploration:
		if len(tasks) != 1 {
			return PatternResult{}, fmt.Errorf("%w: competitive exploration takes exactly one task, got %d",
				ErrInvalidTask, len(tasks))
		}
		return p.competitive(ctx, tasks[0])
	default:
		return PatternResult{}, fmt.Errorf("%w: unknown pattern %q", ErrInvalidTask, pattern)
	}
}

// fanOut delegates every task concurrently and waits for all of them. A
// failure in one branch never cancels the others; failed branches stay in
// the output as failed delegations.
func (p *PatternEngine) fanOut(ctx context.Context, tasks []Task) (PatternResult, error) {
	delegations := make([]DelegationResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			delegations[i] = p.executor.DelegateTask(ctx, task)
		}(i, task)
	}
	wg.Wait()

	out := PatternResult{Pattern: PatternParallelFanOut, Delegations: delegations}
	p.attachSynthesis(ctx, &out)
	return out, nil
}

// serialChain runs tasks in order, feeding each conclusion forward as
// context. The chain halts on the first failure and marks the rest as not
// attempted.
func (p *PatternEngine) serialChain(ctx context.Context, tasks []Task) (PatternResult, error) {
	out := PatternResult{Pattern: PatternSerialChain}
	var carried []string
	for i, task := range tasks {
		if out.HaltedAt != "" {
			out.Delegations = append(out.Delegations, DelegationResult{
				TaskID: task.ID,
				Result: &TaskResult{
					TaskID:    task.ID,
					Topic:     task.Topic,
					Skipped:   true,
					Reasoning: fmt.Sprintf("not attempted: chain halted at %s", out.HaltedAt),
				},
				Reasoning: "not attempted",
			})
			continue
		}
		task.Context = append(append([]string(nil), task.Context...), carried...)
		delegation := p.executor.DelegateTask(ctx, task)
		out.Delegations = append(out.Delegations, delegation)
		if delegation.Err != nil || delegation.Result == nil || (!delegation.Result.Success && !delegation.Result.Skipped) {
			out.HaltedAt = task.ID
			p.logger.Warn("serial chain halted", "task", task.ID, "position", i)
			continue
		}
		if delegation.Result.Conclusion != "" {
			carried = append(carried, fmt.Sprintf("%s concluded: %s", task.ID, delegation.Result.Conclusion))
		}
	}
	p.attachSynthesis(ctx, &out)
	return out, nil
}

// recursive decomposes each root task, fans out over the subtasks, and folds
// the synthesized output back into a result for the parent.
func (p *PatternEngine) recursive(ctx context.Context, tasks []Task) (PatternResult, error) {
	if p.decompose == nil {
		return PatternResult{}, fmt.Errorf("%w: recursive decomposition requires a decompose func", ErrInvalidTask)
	}
	out := PatternResult{Pattern: PatternRecursiveDecomposition}
	for _, task := range tasks {
		delegation := p.runRecursive(ctx, task, 0)
		out.Delegations = append(out.Delegations, delegation)
	}
	p.attachSynthesis(ctx, &out)
	return out, nil
}

func (p *PatternEngine) runRecursive(ctx context.Context, task Task, depth int) DelegationResult {
	if depth >= p.maxDepth {
		return p.executor.DelegateTask(ctx, task)
	}
	subtasks, err := p.decompose(ctx, task)
	if err != nil {
		return DelegationResult{
			TaskID:    task.ID,
			Err:       fmt.Errorf("%w: decompose failed: %v", ErrInvalidTask, err),
			Reasoning: "decomposition failed",
		}
	}
	if len(subtasks) == 0 {
		return p.executor.DelegateTask(ctx, task)
	}

	children := make([]DelegationResult, len(subtasks))
	var wg sync.WaitGroup
	for i, sub := range subtasks {
		wg.Add(1)
		go func(i int, sub Task) {
			defer wg.Done()
			children[i] = p.runRecursive(ctx, sub, depth+1)
		}(i, sub)
	}
	wg.Wait()

	return p.foldChildren(ctx, task, children)
}

// foldChildren synthesizes the child results into one result attributed to
// the parent task.
func (p *PatternEngine) foldChildren(ctx context.Context, parent Task, children []DelegationResult) DelegationResult {
	results := collectResults(children)
	if len(results) == 0 {
		return DelegationResult{
			TaskID:    parent.ID,
			Err:       fmt.Errorf("%w: no subtask produced a result", ErrWorkerExecutionFailed),
			Reasoning: "every subtask failed before producing a result",
		}
	}
	synthesis, err := p.synth.Synthesize(ctx, results)
	if err != nil {
		return DelegationResult{
			TaskID:    parent.ID,
			Err:       err,
			Reasoning: "subtask synthesis failed",
		}
	}

	succeeded := true
	for _, child := range children {
		if child.Err != nil || child.Result == nil || (!child.Result.Success && !child.Result.Skipped) {
			succeeded = false
			break
		}
	}
	folded := TaskResult{
		TaskID:     parent.ID,
		Topic:      parent.Topic,
		Success:    succeeded,
		Output:     []byte(synthesis.Narrative),
		Conclusion: firstLine(synthesis.Narrative),
		Confidence: synthesis.Confidence,
		Reasoning:  fmt.Sprintf("folded from %d subtasks", len(children)),
		Insights:   synthesis.Insights,
	}
	return DelegationResult{
		Success:   true,
		TaskID:    parent.ID,
		Result:    &folded,
		Reasoning: fmt.Sprintf("decomposed into %d subtasks and synthesized", len(children)),
	}
}

// competitive clones the task to every plausible idle worker and runs the
// clones in parallel. All attempts are kept; the caller picks the winner,
// usually after reading the synthesis.
func (p *PatternEngine) competitive(ctx context.Context, task Task) (PatternResult, error) {
	// Clones are dispatched to pre-picked workers, so the root task has to
	// clear the same gates DelegateTask would apply before any clone runs.
	if err := ValidateTask(task); err != nil {
		return PatternResult{}, err
	}
	if err := p.executor.checkDependencies(task); err != nil {
		return PatternResult{}, err
	}
	if !p.registry.HasCapacity() {
		return PatternResult{}, fmt.Errorf("%w: all workers at their limit", ErrCapacityExceeded)
	}

	var contenders []WorkerInfo
	for _, info := range p.registry.Snapshot() {
		if info.Status != WorkerIdle {
			continue
		}
		if specializationMatch(task, info) > 0 || capabilityOverlap(task, info) > 0 {
			contenders = append(contenders, info)
		}
	}
	if len(contenders) == 0 {
		return PatternResult{}, fmt.Errorf("%w: no idle worker matches task type %q",
			ErrNoWorkerAvailable, task.Type)
	}

	delegations := make([]DelegationResult, len(contenders))
	var wg sync.WaitGroup
	for i, info := range contenders {
		clone := task
		clone.ID = task.ID + "-" + info.ID
		wg.Add(1)
		go func(i int, workerID string, clone Task) {
			defer wg.Done()
			delegations[i] = p.executor.runAssigned(ctx, clone, WorkerAssignment{
				WorkerID:  workerID,
				Reasoning: fmt.Sprintf("competitive clone of %s", task.ID),
			})
		}(i, info.ID, clone)
	}
	wg.Wait()

	out := PatternResult{Pattern: PatternCompetitiveExploration, Delegations: delegations}
	p.attachSynthesis(ctx, &out)
	return out, nil
}

// attachSynthesis merges whatever results the pattern produced. Fewer than
// one result, or a synthesis error, leaves Synthesis nil; the delegations
// already carry the per-task story.
func (p *PatternEngine) attachSynthesis(ctx context.Context, out *PatternResult) {
	results := collectResults(out.Delegations)
	if len(results) == 0 {
		return
	}
	synthesis, err := p.synth.Synthesize(ctx, results)
	if err != nil {
		p.logger.Warn("pattern synthesis failed", "pattern", out.Pattern, "error", err)
		return
	}
	out.Synthesis = &synthesis
}

func collectResults(delegations []DelegationResult) []TaskResult {
	var out []TaskResult
	for _, d := range delegations {
		if d.Result != nil {
			out = append(out, *d.Result)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
