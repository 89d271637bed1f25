package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tfoster/conclave/refine"
)

type memoryPatternStore struct {
	mu      sync.Mutex
	results []PatternResult
}

func (s *memoryPatternStore) Persist(ctx context.Context, result PatternResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *memoryPatternStore) Load(ctx context.Context, pattern Pattern, limit int) ([]PatternResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PatternResult
	for _, r := range s.results {
		if r.Pattern == pattern {
			out = append(out, r)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	t.Parallel()

	o := New(DefaultConfig())
	if err := o.RegisterWorker(confidentWorker("w1", "analysis", "nothing suspicious")); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	result := o.DelegateTask(context.Background(), Task{
		ID:     "t1",
		Type:   "analysis",
		Intent: "look at the access logs",
	})
	if !result.Success {
		t.Fatalf("delegation failed: %v (%s)", result.Err, result.Reasoning)
	}

	status := o.Status()
	if status.TasksCompleted != 1 || status.TasksFailed != 0 {
		t.Fatalf("status = %+v, want one completed task", status)
	}
	if len(status.Workers) != 1 || status.Workers[0].ID != "w1" {
		t.Fatalf("workers = %+v", status.Workers)
	}

	synthesis, err := o.SynthesizeResults(context.Background(), []TaskResult{*result.Result})
	if err != nil {
		t.Fatalf("SynthesizeResults: %v", err)
	}
	if synthesis.Narrative == "" {
		t.Fatal("expected a narrative")
	}
}

func TestOrchestrator_PatternStorePersistence(t *testing.T) {
	t.Parallel()

	o := New(DefaultConfig())
	store := &memoryPatternStore{}
	o.SetPatternStore(store)
	if err := o.RegisterWorker(confidentWorker("w1", "analysis", "done")); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	ctx := context.Background()
	if _, err := o.ExecuteWithPattern(ctx, PatternParallelFanOut,
		[]Task{{ID: "t1", Type: "analysis", Intent: "inspect"}}); err != nil {
		t.Fatalf("ExecuteWithPattern: %v", err)
	}

	history, err := o.PatternHistory(ctx, PatternParallelFanOut, 10)
	if err != nil {
		t.Fatalf("PatternHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d entries, want 1", len(history))
	}
	if history[0].Pattern != PatternParallelFanOut {
		t.Fatalf("persisted pattern = %s", history[0].Pattern)
	}
}

func TestOrchestrator_DefaultsApplied(t *testing.T) {
	t.Parallel()

	o := New(Config{})
	if o.cfg.SatisfactionThreshold != 0.85 {
		t.Fatalf("SatisfactionThreshold = %.2f, want default", o.cfg.SatisfactionThreshold)
	}
	if o.cfg.AssignWeights != DefaultAssignWeights() {
		t.Fatalf("AssignWeights = %+v, want defaults", o.cfg.AssignWeights)
	}
	if o.cfg.Refine.MaxIterations == 0 {
		t.Fatal("refine defaults not applied")
	}
}

func TestOrchestrator_RefineDefaultsKeepCallerFields(t *testing.T) {
	t.Parallel()

	o := New(Config{Refine: refine.Config{
		Timeout:            250 * time.Millisecond,
		CostBudget:         7,
		ProcessSupervision: true,
	}})
	if o.cfg.Refine.MaxIterations != 3 {
		t.Fatalf("MaxIterations = %d, want default 3", o.cfg.Refine.MaxIterations)
	}
	if o.cfg.Refine.ConfidenceThreshold != 0.85 {
		t.Fatalf("ConfidenceThreshold = %.2f, want default 0.85", o.cfg.Refine.ConfidenceThreshold)
	}
	if o.cfg.Refine.Timeout != 250*time.Millisecond {
		t.Fatalf("Timeout = %v, caller value lost", o.cfg.Refine.Timeout)
	}
	if o.cfg.Refine.CostBudget != 7 {
		t.Fatalf("CostBudget = %v, caller value lost", o.cfg.Refine.CostBudget)
	}
	if !o.cfg.Refine.ProcessSupervision {
		t.Fatal("ProcessSupervision lost while defaulting")
	}
}

func TestOrchestrator_PatternHistoryWithoutStore(t *testing.T) {
	t.Parallel()

	o := New(DefaultConfig())
	history, err := o.PatternHistory(context.Background(), PatternSerialChain, 5)
	if err != nil || history != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", history, err)
	}
}
