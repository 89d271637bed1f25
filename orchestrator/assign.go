package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// AssignWeights are calibration parameters, not business rules: only the
// monotonicity of the blended score matters to callers.
type AssignWeights struct {
	Specialization float64
	Capability     float64
	SuccessRate    float64
}

func DefaultAssignWeights() AssignWeights {
	return AssignWeights{Specialization: 0.5, Capability: 0.3, SuccessRate: 0.2}
}

// AssignWorker scores available workers against the task and returns the
// best match. The second return is false when no available worker matches;
// that is not an error, the caller decides whether to queue or fail.
// Unavailable workers that match the task's specialization appear in
// Alternatives with score 0 so the decision stays auditable.
func AssignWorker(task Task, workers []WorkerInfo, w AssignWeights) (WorkerAssignment, bool) {
	type scored struct {
		info   WorkerInfo
		score  float64
		detail string
	}
	idle := make([]scored, 0, len(workers))
	unavailable := make([]ScoredWorker, 0)

	for _, info := range workers {
		if !assignable(info) {
			if specializationMatch(task, info) > 0 {
				unavailable = append(unavailable, ScoredWorker{WorkerID: info.ID, Score: 0})
			}
			continue
		}
		spec := specializationMatch(task, info)
		caps := capabilityOverlap(task, info)
		rate := info.Metrics.SuccessRate()
		score := w.Specialization*spec + w.Capability*caps + w.SuccessRate*rate
		if spec == 0 && caps == 0 {
			// Nothing about this worker matches the task; success rate
			// alone does not make it a candidate.
			continue
		}
		idle = append(idle, scored{
			info:  info,
			score: score,
			detail: fmt.Sprintf("specialization=%.2f capability=%.2f success_rate=%.2f",
				spec, caps, rate),
		})
	}
	if len(idle) == 0 {
		return WorkerAssignment{}, false
	}

	sort.Slice(idle, func(i, j int) bool {
		if idle[i].score != idle[j].score {
			return idle[i].score > idle[j].score
		}
		if idle[i].info.InFlight != idle[j].info.InFlight {
			return idle[i].info.InFlight < idle[j].info.InFlight
		}
		return idle[i].info.ID < idle[j].info.ID
	})

	best := idle[0]
	alternatives := make([]ScoredWorker, 0, len(idle)-1+len(unavailable))
	for _, c := range idle[1:] {
		alternatives = append(alternatives, ScoredWorker{WorkerID: c.info.ID, Score: c.score})
	}
	alternatives = append(alternatives, unavailable...)
	sort.Slice(alternatives, func(i, j int) bool {
		if alternatives[i].Score != alternatives[j].Score {
			return alternatives[i].Score > alternatives[j].Score
		}
		return alternatives[i].WorkerID < alternatives[j].WorkerID
	})

	return WorkerAssignment{
		WorkerID:     best.info.ID,
		MatchScore:   best.score,
		Reasoning:    fmt.Sprintf("best of %d idle candidates: %s", len(idle), best.detail),
		Alternatives: alternatives,
	}, true
}

// assignable admits idle workers, plus busy ones that still have a free
// execution slot.
func assignable(info WorkerInfo) bool {
	if info.Status == WorkerIdle {
		return true
	}
	return info.Status == WorkerBusy && info.MaxConcurrent > 0 && info.InFlight < info.MaxConcurrent
}

func specializationMatch(task Task, info WorkerInfo) float64 {
	if normalizeText(info.Specialization) == "" {
		return 0
	}
	if normalizeText(info.Specialization) == normalizeText(task.Type) {
		return 1
	}
	return 0
}

// capabilityOverlap is the fraction of the worker's capability tags that
// appear in the task's type or constraints.
func capabilityOverlap(task Task, info WorkerInfo) float64 {
	if len(info.Capabilities) == 0 {
		return 0
	}
	taskTokens := tokenSet(task.Type)
	for _, c := range task.Constraints {
		for tok := range tokenSet(c) {
			taskTokens[tok] = struct{}{}
		}
	}
	matched := 0
	for _, tag := range info.Capabilities {
		if _, ok := taskTokens[strings.ToLower(strings.TrimSpace(tag))]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(info.Capabilities))
}
