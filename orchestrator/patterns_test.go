package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tfoster/conclave/refine"
)

func testEngine(t *testing.T) (*Registry, *PatternEngine) {
	t.Helper()
	registry := NewRegistry()
	recoverer := NewRecoverer(registry, DefaultRecoveryConfig(), DefaultAssignWeights())
	executor := NewExecutor(registry, recoverer, refine.DefaultConfig(), 0.85, DefaultAssignWeights())
	synth := NewSynthesizer(DefaultSynthesisConfig())
	return registry, NewPatternEngine(executor, synth, registry)
}

func TestFanOut_PartialFailureIsIsolated(t *testing.T) {
	t.Parallel()

	registry, engine := testEngine(t)
	if err := registry.Register(confidentWorker("good-a", "analysis", "branch a done")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register(confidentWorker("good-b", "analysis", "branch b done")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register(WorkerSpec{
		ID:             "broken",
		Specialization: "transform",
		Execute: func(ctx context.Context, task Task) (TaskResult, error) {
			return TaskResult{}, errors.New("parser rejected the document")
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tasks := []Task{
		{ID: "a", Type: "analysis", Intent: "inspect module a"},
		{ID: "b", Type: "analysis", Intent: "inspect module b"},
		{ID: "c", Type: "transform", Intent: "rewrite the doc"},
	}
	out, err := engine.Execute(context.Background(), PatternParallelFanOut, tasks)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Delegations) != 3 {
		t.Fatalf("delegations = %d, want 3", len(out.Delegations))
	}
	byID := map[string]DelegationResult{}
	for _, d := range out.Delegations {
		byID[d.TaskID] = d
	}
	if !byID["a"].Success || !byID["b"].Success {
		t.Fatalf("healthy branches failed: a=%v b=%v", byID["a"].Err, byID["b"].Err)
	}
	if byID["c"].Success {
		t.Fatal("broken branch must fail")
	}
	if out.Synthesis == nil {
		t.Fatal("fan-out with results must synthesize")
	}
}

func TestSerialChain_HaltsAndMarksRestNotAttempted(t *testing.T) {
	t.Parallel()

	registry, engine := testEngine(t)
	if err := registry.Register(confidentWorker("ok", "analysis", "step done")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register(WorkerSpec{
		ID:             "fails",
		Specialization: "transform",
		Execute: func(ctx context.Context, task Task) (TaskResult, error) {
			return TaskResult{}, errors.New("invalid input shape")
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tasks := []Task{
		{ID: "s1", Type: "analysis", Intent: "collect facts"},
		{ID: "s2", Type: "transform", Intent: "reshape facts"},
		{ID: "s3", Type: "analysis", Intent: "conclude"},
	}
	out, err := engine.Execute(context.Background(), PatternSerialChain, tasks)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.HaltedAt != "s2" {
		t.Fatalf("HaltedAt = %q, want s2", out.HaltedAt)
	}
	last := out.Delegations[2]
	if last.Result == nil || !last.Result.Skipped {
		t.Fatalf("s3 = %+v, want a skipped result", last.Result)
	}
	if !strings.Contains(last.Result.Reasoning, "not attempted") {
		t.Fatalf("s3 reasoning = %q, want a not-attempted marker", last.Result.Reasoning)
	}
}

func TestSerialChain_CarriesConclusionsForward(t *testing.T) {
	t.Parallel()

	registry, engine := testEngine(t)
	if err := registry.Register(confidentWorker("first", "recon", "three hosts found")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var sawCarried bool
	if err := registry.Register(WorkerSpec{
		ID:             "second",
		Specialization: "analysis",
		Execute: func(ctx context.Context, task Task) (TaskResult, error) {
			for _, c := range task.Context {
				if strings.Contains(c, "three hosts found") {
					sawCarried = true
				}
			}
			return TaskResult{Success: true, Confidence: 0.9, Conclusion: "hosts triaged"}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tasks := []Task{
		{ID: "s1", Type: "recon", Intent: "enumerate"},
		{ID: "s2", Type: "analysis", Intent: "triage"},
	}
	out, err := engine.Execute(context.Background(), PatternSerialChain, tasks)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.HaltedAt != "" {
		t.Fatalf("unexpected halt at %s", out.HaltedAt)
	}
	if !sawCarried {
		t.Fatal("second step never saw the first step's conclusion")
	}
}

func TestCompetitive_ClonesTaskPerContenderAndKeepsAll(t *testing.T) {
	t.Parallel()

	registry, engine := testEngine(t)
	for _, id := range []string{"red", "blue"} {
		id := id
		if err := registry.Register(WorkerSpec{
			ID:             id,
			Specialization: "exploit",
			Execute: func(ctx context.Context, task Task) (TaskResult, error) {
				return TaskResult{Success: true, Confidence: 0.9,
					Conclusion: "approach by " + id}, nil
			},
		}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := registry.Register(confidentWorker("bystander", "docs", "n/a")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := engine.Execute(context.Background(), PatternCompetitiveExploration,
		[]Task{{ID: "t1", Type: "exploit", Intent: "find a path in"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Delegations) != 2 {
		t.Fatalf("delegations = %d, want one per contender", len(out.Delegations))
	}
	seen := map[string]bool{}
	for _, d := range out.Delegations {
		seen[d.TaskID] = true
		if !d.Success {
			t.Fatalf("contender %s failed: %v", d.AssignedWorker, d.Err)
		}
	}
	if !seen["t1-red"] || !seen["t1-blue"] {
		t.Fatalf("clone ids = %v, want t1-red and t1-blue", seen)
	}
	if out.Synthesis == nil {
		t.Fatal("competitive run must synthesize all attempts")
	}
	for _, c := range out.Synthesis.Conflicts {
		if c.Resolution != nil {
			t.Fatal("competitive synthesis must not auto-select a winner")
		}
	}
}

func TestCompetitive_ValidatesRootTaskBeforeCloning(t *testing.T) {
	t.Parallel()

	registry, engine := testEngine(t)
	if err := registry.Register(confidentWorker("eager", "exploit", "done")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := engine.Execute(context.Background(), PatternCompetitiveExploration,
		[]Task{{ID: "t1", Type: "exploit"}})
	if !errors.Is(err, ErrIntentInvalid) {
		t.Fatalf("err = %v, want ErrIntentInvalid", err)
	}
	info, ok := registry.Get("eager")
	if !ok {
		t.Fatal("worker disappeared")
	}
	if info.Metrics.TasksCompleted != 0 || info.Metrics.TasksFailed != 0 {
		t.Fatalf("worker ran an invalid task: %+v", info)
	}
}

func TestCompetitive_BlocksOnUnmetDependency(t *testing.T) {
	t.Parallel()

	registry, engine := testEngine(t)
	if err := registry.Register(confidentWorker("solo", "exploit", "done")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := engine.Execute(context.Background(), PatternCompetitiveExploration,
		[]Task{{ID: "t1", Type: "exploit", Intent: "find a path in", DependsOn: []string{"recon"}}})
	if !errors.Is(err, ErrDependencyUnmet) {
		t.Fatalf("err = %v, want ErrDependencyUnmet", err)
	}
}

func TestCompetitive_RequiresOneTask(t *testing.T) {
	t.Parallel()

	_, engine := testEngine(t)
	_, err := engine.Execute(context.Background(), PatternCompetitiveExploration,
		[]Task{{ID: "a", Intent: "x"}, {ID: "b", Intent: "y"}})
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("err = %v, want ErrInvalidTask", err)
	}
}

func TestRecursive_FoldsSubtaskResultsIntoParent(t *testing.T) {
	t.Parallel()

	registry, engine := testEngine(t)
	if err := registry.Register(WorkerSpec{
		ID:             "leafworker",
		Specialization: "analysis",
		MaxConcurrent:  4,
		Execute: func(ctx context.Context, task Task) (TaskResult, error) {
			return TaskResult{Success: true, Confidence: 0.9,
				Conclusion: "leaf " + task.ID + " done"}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	engine.SetDecompose(func(ctx context.Context, task Task) ([]Task, error) {
		if task.ID != "root" {
			return nil, nil
		}
		return []Task{
			{ID: "root-1", Type: "analysis", Intent: "part one"},
			{ID: "root-2", Type: "analysis", Intent: "part two"},
		}, nil
	})

	out, err := engine.Execute(context.Background(), PatternRecursiveDecomposition,
		[]Task{{ID: "root", Type: "analysis", Intent: "whole job"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Delegations) != 1 {
		t.Fatalf("delegations = %d, want 1 folded parent", len(out.Delegations))
	}
	parent := out.Delegations[0]
	if parent.TaskID != "root" || !parent.Success {
		t.Fatalf("parent = %+v, want successful root", parent)
	}
	if parent.Result == nil || !parent.Result.Success {
		t.Fatal("parent result must reflect subtask success")
	}
	if len(parent.Result.Output) == 0 {
		t.Fatal("folded result must carry the synthesized narrative")
	}
}

func TestRecursive_RequiresDecomposeFunc(t *testing.T) {
	t.Parallel()

	_, engine := testEngine(t)
	_, err := engine.Execute(context.Background(), PatternRecursiveDecomposition,
		[]Task{{ID: "root", Intent: "x"}})
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("err = %v, want ErrInvalidTask", err)
	}
}

func TestExecute_UnknownPattern(t *testing.T) {
	t.Parallel()

	_, engine := testEngine(t)
	if _, err := engine.Execute(context.Background(), Pattern("mystery"), []Task{{ID: "a", Intent: "x"}}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("err = %v, want ErrInvalidTask", err)
	}
}
