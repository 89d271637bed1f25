package orchestrator

import (
	"fmt"
	"strings"
)

// ValidateTask checks a task before delegation. Intent problems are reported
// as ErrIntentInvalid so callers can match the delegation error code.
func ValidateTask(task Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidTask)
	}
	if strings.TrimSpace(task.Intent) == "" {
		return fmt.Errorf("%w: intent is required", ErrIntentInvalid)
	}
	if task.Priority != "" && priorityRank(task.Priority) == 0 {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, task.Priority)
	}
	if a, b, ok := contradictoryConstraints(task.Constraints); ok {
		return fmt.Errorf("%w: constraints contradict: %q vs %q", ErrIntentInvalid, a, b)
	}
	for _, dep := range task.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("%w: empty dependency id", ErrInvalidTask)
		}
		if dep == task.ID {
			return fmt.Errorf("%w: task depends on itself", ErrInvalidTask)
		}
	}
	return nil
}

func ValidateWorkerSpec(spec WorkerSpec) error {
	if strings.TrimSpace(spec.ID) == "" {
		return fmt.Errorf("%w: worker id is required", ErrInvalidWorker)
	}
	if strings.TrimSpace(spec.Specialization) == "" {
		return fmt.Errorf("%w: specialization is required", ErrInvalidWorker)
	}
	if spec.MaxConcurrent < 0 {
		return fmt.Errorf("%w: max concurrent must be >= 0", ErrInvalidWorker)
	}
	return nil
}

var negationPrefixes = []string{"no ", "not ", "never ", "don't ", "do not ", "avoid "}

// contradictoryConstraints reports the first pair of constraints where one is
// a direct negation of the other after normalization. Deeper semantic checks
// belong to external validators.
func contradictoryConstraints(constraints []string) (string, string, bool) {
	type form struct {
		raw     string
		subject string
		negated bool
	}
	forms := make([]form, 0, len(constraints))
	for _, c := range constraints {
		subject := normalizeText(c)
		negated := false
		for _, prefix := range negationPrefixes {
			if strings.HasPrefix(subject, prefix) {
				subject = strings.TrimSpace(strings.TrimPrefix(subject, prefix))
				negated = true
				break
			}
		}
		forms = append(forms, form{raw: c, subject: subject, negated: negated})
	}
	for i := 0; i < len(forms); i++ {
		for j := i + 1; j < len(forms); j++ {
			if forms[i].subject == "" || forms[i].subject != forms[j].subject {
				continue
			}
			if forms[i].negated != forms[j].negated {
				return forms[i].raw, forms[j].raw, true
			}
		}
	}
	return "", "", false
}

func normalizeText(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(v)), " "))
}

// tokenSet splits normalized text into a unique word set for overlap
// comparisons.
func tokenSet(v string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range strings.Fields(normalizeText(v)) {
		tok = strings.Trim(tok, ".,;:!?\"'()")
		if tok == "" {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// tokenSimilarity is the Jaccard overlap of the two token sets.
func tokenSimilarity(a, b string) float64 {
	sa, sb := tokenSet(a), tokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// mutuallyExclusive reports whether one statement is the normalized negation
// of the other ("X is vulnerable" vs "X is not vulnerable").
func mutuallyExclusive(a, b string) bool {
	na, nb := normalizeText(a), normalizeText(b)
	if na == "" || nb == "" || na == nb {
		return false
	}
	for _, marker := range []string{" not ", " no ", " never ", "n't "} {
		stripped := strings.ReplaceAll(na, marker, " ")
		if normalizeText(stripped) == nb {
			return true
		}
		stripped = strings.ReplaceAll(nb, marker, " ")
		if normalizeText(stripped) == na {
			return true
		}
	}
	return false
}
