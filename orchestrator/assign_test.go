package orchestrator

import "testing"

func TestAssignWorker_PrefersSpecializationAndListsBusyAlternatives(t *testing.T) {
	t.Parallel()

	task := Task{ID: "t1", Type: "backend", Intent: "profile the slow endpoint"}
	workers := []WorkerInfo{
		{ID: "idle-backend", Specialization: "backend", Status: WorkerIdle},
		{ID: "busy-backend", Specialization: "backend", Status: WorkerBusy, InFlight: 1},
		{ID: "idle-frontend", Specialization: "frontend", Status: WorkerIdle},
	}

	assignment, ok := AssignWorker(task, workers, DefaultAssignWeights())
	if !ok {
		t.Fatal("expected an assignment")
	}
	if assignment.WorkerID != "idle-backend" {
		t.Fatalf("assigned %s, want idle-backend", assignment.WorkerID)
	}
	if assignment.MatchScore <= 0 {
		t.Fatalf("match score = %.2f, want > 0", assignment.MatchScore)
	}
	if assignment.Reasoning == "" {
		t.Fatal("assignment must carry reasoning")
	}

	found := false
	for _, alt := range assignment.Alternatives {
		if alt.WorkerID == "busy-backend" {
			found = true
			if alt.Score != 0 {
				t.Fatalf("busy alternative score = %.2f, want 0", alt.Score)
			}
		}
		if alt.WorkerID == "idle-frontend" {
			t.Fatal("non-matching idle worker should not appear as alternative")
		}
	}
	if !found {
		t.Fatal("busy specialization match missing from alternatives")
	}
}

func TestAssignWorker_NoMatchIsNotAnError(t *testing.T) {
	t.Parallel()

	task := Task{ID: "t1", Type: "backend", Intent: "profile the slow endpoint"}
	workers := []WorkerInfo{
		{ID: "w1", Specialization: "frontend", Status: WorkerIdle},
		{ID: "w2", Specialization: "backend", Status: WorkerOffline},
	}
	if _, ok := AssignWorker(task, workers, DefaultAssignWeights()); ok {
		t.Fatal("expected no assignment")
	}
}

func TestAssignWorker_SuccessRateBreaksSpecializationTie(t *testing.T) {
	t.Parallel()

	task := Task{ID: "t1", Type: "analysis", Intent: "review findings"}
	workers := []WorkerInfo{
		{
			ID: "flaky", Specialization: "analysis", Status: WorkerIdle,
			Metrics: WorkerMetrics{TasksCompleted: 1, TasksFailed: 3},
		},
		{
			ID: "steady", Specialization: "analysis", Status: WorkerIdle,
			Metrics: WorkerMetrics{TasksCompleted: 4},
		},
	}
	assignment, ok := AssignWorker(task, workers, DefaultAssignWeights())
	if !ok {
		t.Fatal("expected an assignment")
	}
	if assignment.WorkerID != "steady" {
		t.Fatalf("assigned %s, want steady", assignment.WorkerID)
	}
	if len(assignment.Alternatives) != 1 || assignment.Alternatives[0].WorkerID != "flaky" {
		t.Fatalf("alternatives = %+v, want flaky only", assignment.Alternatives)
	}
}

func TestAssignWorker_DeterministicTieBreaks(t *testing.T) {
	t.Parallel()

	task := Task{ID: "t1", Type: "analysis", Intent: "review findings"}
	equal := []WorkerInfo{
		{ID: "wb", Specialization: "analysis", Status: WorkerIdle},
		{ID: "wa", Specialization: "analysis", Status: WorkerIdle},
	}
	for i := 0; i < 5; i++ {
		assignment, ok := AssignWorker(task, equal, DefaultAssignWeights())
		if !ok || assignment.WorkerID != "wa" {
			t.Fatalf("tie break: got %s, want wa", assignment.WorkerID)
		}
	}

	loaded := []WorkerInfo{
		{ID: "wa", Specialization: "analysis", Status: WorkerIdle, InFlight: 2, MaxConcurrent: 4},
		{ID: "wb", Specialization: "analysis", Status: WorkerIdle, InFlight: 0, MaxConcurrent: 4},
	}
	assignment, ok := AssignWorker(task, loaded, DefaultAssignWeights())
	if !ok || assignment.WorkerID != "wb" {
		t.Fatalf("load tie break: got %s, want wb", assignment.WorkerID)
	}
}

func TestCapabilityOverlap(t *testing.T) {
	t.Parallel()

	task := Task{Type: "scan", Constraints: []string{"use passive recon only"}}
	full := WorkerInfo{Capabilities: []string{"scan", "recon"}}
	if got := capabilityOverlap(task, full); got != 1 {
		t.Fatalf("full overlap = %.2f, want 1", got)
	}
	half := WorkerInfo{Capabilities: []string{"scan", "fuzzing"}}
	if got := capabilityOverlap(task, half); got != 0.5 {
		t.Fatalf("half overlap = %.2f, want 0.5", got)
	}
	none := WorkerInfo{}
	if got := capabilityOverlap(task, none); got != 0 {
		t.Fatalf("no capabilities = %.2f, want 0", got)
	}
}
