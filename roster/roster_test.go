package roster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tfoster/conclave/orchestrator"
)

const sampleRoster = `
workers:
  - id: recon-1
    specialization: recon
    capabilities: [scan, enumerate]
    max_concurrent: 2
  - id: analyst-1
    specialization: analysis
`

func TestParse(t *testing.T) {
	t.Parallel()

	r, err := Parse([]byte(sampleRoster))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(r.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(r.Workers))
	}
	first := r.Workers[0]
	if first.ID != "recon-1" || first.Specialization != "recon" || first.MaxConcurrent != 2 {
		t.Fatalf("first worker = %+v", first)
	}
	if len(first.Capabilities) != 2 {
		t.Fatalf("capabilities = %v", first.Capabilities)
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"empty", "workers: []"},
		{"missing id", "workers:\n  - specialization: recon"},
		{"missing specialization", "workers:\n  - id: w1"},
		{"duplicate id", "workers:\n  - id: w1\n    specialization: a\n  - id: w1\n    specialization: b"},
		{"negative concurrency", "workers:\n  - id: w1\n    specialization: a\n    max_concurrent: -1"},
		{"malformed yaml", "workers: ["},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(tc.body)); !errors.Is(err, ErrInvalidRoster) {
				t.Fatalf("Parse: got %v, want ErrInvalidRoster", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "roster.yaml")
	if err := os.WriteFile(path, []byte(sampleRoster), 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	if _, err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSpecs_RegisterWithOrchestrator(t *testing.T) {
	t.Parallel()

	r, err := Parse([]byte(sampleRoster))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	specs := r.Specs(func(id string) orchestrator.ExecuteFunc {
		return func(ctx context.Context, task orchestrator.Task) (orchestrator.TaskResult, error) {
			return orchestrator.TaskResult{Success: true, Confidence: 0.9, Conclusion: "done by " + id}, nil
		}
	})
	if len(specs) != 2 {
		t.Fatalf("specs = %d, want 2", len(specs))
	}

	o := orchestrator.New(orchestrator.DefaultConfig())
	for _, spec := range specs {
		if err := o.RegisterWorker(spec); err != nil {
			t.Fatalf("RegisterWorker %s: %v", spec.ID, err)
		}
	}
	result := o.DelegateTask(context.Background(), orchestrator.Task{
		ID:     "t1",
		Type:   "recon",
		Intent: "map the network",
	})
	if !result.Success {
		t.Fatalf("delegation failed: %v", result.Err)
	}
	if result.AssignedWorker != "recon-1" {
		t.Fatalf("assigned %s, want recon-1", result.AssignedWorker)
	}
}
