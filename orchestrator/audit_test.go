package orchestrator

import (
	"testing"

	"github.com/tfoster/conclave/refine"
)

func TestAuditResult_SatisfactoryWhenCriteriaCovered(t *testing.T) {
	t.Parallel()

	task := Task{
		ID:              "t1",
		Intent:          "review the auth flow",
		SuccessCriteria: []string{"token expiry checked", "session fixation covered"},
	}
	res := TaskResult{
		TaskID:     "t1",
		Success:    true,
		Confidence: 0.9,
		Conclusion: "auth flow is sound",
		Reasoning:  "token expiry checked against the clock; session fixation covered by rotation",
	}
	audit := AuditResult(task, res, 0.85)
	if !audit.IsSatisfactory {
		t.Fatalf("expected satisfactory audit, got gaps=%v reasoning=%s", audit.Gaps, audit.Reasoning)
	}
	if audit.ShouldRefine {
		t.Fatal("satisfactory result should not request refinement")
	}
}

func TestAuditResult_UnmetCriterionBecomesGap(t *testing.T) {
	t.Parallel()

	task := Task{
		ID:              "t1",
		Intent:          "review the auth flow",
		SuccessCriteria: []string{"rate limiting verified"},
	}
	res := TaskResult{
		TaskID:     "t1",
		Success:    true,
		Confidence: 0.9,
		Conclusion: "login works",
		Issues:     []string{"logout endpoint untested"},
	}
	audit := AuditResult(task, res, 0.85)
	if audit.IsSatisfactory {
		t.Fatal("unmet criterion must fail the audit")
	}
	if len(audit.Gaps) != 1 || audit.Gaps[0] != "rate limiting verified" {
		t.Fatalf("gaps = %v, want the unmet criterion", audit.Gaps)
	}
	if len(audit.Risks) != 1 {
		t.Fatalf("risks = %v, want the reported issue", audit.Risks)
	}
	if !audit.ShouldRefine {
		t.Fatal("unsatisfactory audit must request refinement")
	}
}

func TestAuditResult_LowConfidenceFailsThreshold(t *testing.T) {
	t.Parallel()

	task := Task{ID: "t1", Intent: "quick check"}
	res := TaskResult{TaskID: "t1", Success: true, Confidence: 0.5}
	if audit := AuditResult(task, res, 0.85); audit.IsSatisfactory {
		t.Fatal("confidence below threshold must fail the audit")
	}
}

func TestAuditFeedback_SeverityLadder(t *testing.T) {
	t.Parallel()

	task := Task{ID: "t1", Intent: "x", SuccessCriteria: []string{"database checked"}}
	res := TaskResult{
		TaskID:  "t1",
		Success: false,
		Issues:  []string{"partial log access"},
	}
	audit := AuditResult(task, res, 0.85)
	feedback := auditFeedback(res, audit)
	if len(feedback) != 3 {
		t.Fatalf("feedback count = %d, want 3", len(feedback))
	}
	wantSeverity := []refine.Severity{refine.SeverityCritical, refine.SeverityMajor, refine.SeverityMinor}
	for i, want := range wantSeverity {
		if feedback[i].Severity != want {
			t.Fatalf("feedback[%d].Severity = %s, want %s", i, feedback[i].Severity, want)
		}
	}
}
