package orchestrator

import (
	"fmt"
	"strings"

	"github.com/tfoster/conclave/refine"
)

// AuditResult checks a result against its task's success criteria. The audit
// is a heuristic text check: a criterion counts as met when most of its
// meaningful tokens appear in the result's conclusion, reasoning, or
// insights.
func AuditResult(task Task, res TaskResult, threshold float64) SelfAudit {
	covered := resultTokens(res)

	var gaps []string
	for _, criterion := range task.SuccessCriteria {
		if !criterionMet(criterion, covered) {
			gaps = append(gaps, criterion)
		}
	}
	risks := append([]string(nil), res.Issues...)

	satisfactory := res.Success && len(gaps) == 0 && res.Confidence >= threshold
	reason := fmt.Sprintf("success=%t confidence=%.2f gaps=%d issues=%d",
		res.Success, res.Confidence, len(gaps), len(res.Issues))

	return SelfAudit{
		IsSatisfactory: satisfactory,
		Confidence:     res.Confidence,
		Gaps:           gaps,
		Risks:          risks,
		ShouldRefine:   !satisfactory,
		Reasoning:      reason,
	}
}

// auditFeedback turns an audit into refinement feedback, worst first: a
// failed execution is critical, an unmet criterion is major, a self-reported
// issue is minor.
func auditFeedback(res TaskResult, audit SelfAudit) []refine.Feedback {
	var out []refine.Feedback
	if !res.Success {
		out = append(out, refine.Feedback{
			Issue:    "execution did not succeed",
			Severity: refine.SeverityCritical,
			Aspect:   "execution",
		})
	}
	for _, gap := range audit.Gaps {
		out = append(out, refine.Feedback{
			Issue:      fmt.Sprintf("success criterion not addressed: %s", gap),
			Severity:   refine.SeverityMajor,
			Suggestion: fmt.Sprintf("address %q explicitly", gap),
			Aspect:     "completeness",
		})
	}
	for _, issue := range res.Issues {
		out = append(out, refine.Feedback{
			Issue:    issue,
			Severity: refine.SeverityMinor,
			Aspect:   "quality",
		})
	}
	return out
}

func resultTokens(res TaskResult) map[string]struct{} {
	parts := []string{res.Conclusion, res.Reasoning}
	parts = append(parts, res.Insights...)
	out := map[string]struct{}{}
	for tok := range tokenSet(strings.Join(parts, " ")) {
		out[tok] = struct{}{}
	}
	return out
}

// criterionMet requires at least half of the criterion's tokens to appear in
// the result text. An empty criterion is trivially met.
func criterionMet(criterion string, covered map[string]struct{}) bool {
	tokens := tokenSet(criterion)
	if len(tokens) == 0 {
		return true
	}
	matched := 0
	for tok := range tokens {
		if _, ok := covered[tok]; ok {
			matched++
		}
	}
	return float64(matched)/float64(len(tokens)) >= 0.5
}
