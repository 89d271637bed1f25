package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tfoster/conclave/refine"
)

// SynthesisConfig tunes conflict detection and confidence aggregation.
// UncertaintyFloor is the confidence below which a result is flagged as
// uncertain; SimilarityThreshold is the token overlap below which two
// conclusions on the same topic count as a disagreement.
type SynthesisConfig struct {
	UncertaintyFloor    float64
	SimilarityThreshold float64
	ConflictPenalty     float64
	Refine              refine.Config
}

func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		UncertaintyFloor:    0.4,
		SimilarityThreshold: 0.25,
		ConflictPenalty:     0.15,
		Refine:              refine.DefaultConfig(),
	}
}

// ResolveFunc is an optional hook that attempts to settle a detected
// conflict. A resolution without reasoning is rejected and the conflict
// stays preserved.
type ResolveFunc func(conflict Conflict, results []TaskResult) (*Resolution, error)

// Synthesizer merges task results into one output without erasing
// disagreement. Conflicts survive synthesis either resolved with recorded
// reasoning or explicitly preserved.
type Synthesizer struct {
	cfg      SynthesisConfig
	resolver ResolveFunc
	logger   *slog.Logger
}

func NewSynthesizer(cfg SynthesisConfig) *Synthesizer {
	def := DefaultSynthesisConfig()
	if cfg.UncertaintyFloor <= 0 {
		cfg.UncertaintyFloor = def.UncertaintyFloor
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.ConflictPenalty <= 0 {
		cfg.ConflictPenalty = def.ConflictPenalty
	}
	if cfg.Refine.MaxIterations == 0 {
		cfg.Refine.MaxIterations = def.Refine.MaxIterations
	}
	if cfg.Refine.ConfidenceThreshold == 0 {
		cfg.Refine.ConfidenceThreshold = def.Refine.ConfidenceThreshold
	}
	return &Synthesizer{cfg: cfg, logger: slog.Default()}
}

func (s *Synthesizer) SetResolver(fn ResolveFunc) { s.resolver = fn }

func (s *Synthesizer) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Synthesize merges the results into a narrative plus structured conflicts,
// insights, and an aggregate confidence. The narrative itself goes through a
// refinement loop that rejects drafts omitting conflicts or overstating
// certainty.
func (s *Synthesizer) Synthesize(ctx context.Context, results []TaskResult) (SynthesizedOutput, error) {
	if len(results) == 0 {
		return SynthesizedOutput{}, ErrNoResults
	}

	ordered := make([]TaskResult, len(results))
	copy(ordered, results)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].TaskID != ordered[j].TaskID {
			return ordered[i].TaskID < ordered[j].TaskID
		}
		return ordered[i].WorkerID < ordered[j].WorkerID
	})

	conflicts := s.identifyConflicts(ordered)
	conflicts = s.resolveConflicts(conflicts, ordered)
	insights := sharedInsights(ordered)
	confidence := s.aggregateConfidence(ordered, conflicts)
	recommendations := recommendFromConflicts(conflicts)

	out := SynthesizedOutput{
		Results:         ordered,
		Insights:        insights,
		Conflicts:       conflicts,
		Confidence:      confidence,
		Recommendations: recommendations,
	}

	narrative, meta, err := s.refineNarrative(ctx, out)
	if err != nil {
		return SynthesizedOutput{}, err
	}
	out.Narrative = narrative
	out.Refinement = meta
	return out, nil
}

// identifyConflicts compares results pairwise within each topic. A result
// with no topic is its own topic keyed by task id.
func (s *Synthesizer) identifyConflicts(results []TaskResult) []Conflict {
	groups := map[string][]TaskResult{}
	var order []string
	for _, res := range results {
		if res.Skipped || res.Conclusion == "" {
			continue
		}
		key := res.Topic
		if key == "" {
			key = res.TaskID
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], res)
	}
	sort.Strings(order)

	var conflicts []Conflict
	for _, key := range order {
		group := groups[key]
		conflicted := map[string]struct{}{}
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if mutuallyExclusive(a.Conclusion, b.Conclusion) {
					sev := refine.SeverityMajor
					if a.Confidence > s.cfg.UncertaintyFloor && b.Confidence > s.cfg.UncertaintyFloor {
						sev = refine.SeverityCritical
					}
					conflicts = append(conflicts, Conflict{
						Type:      ConflictContradiction,
						WorkerIDs: []string{a.WorkerID, b.WorkerID},
						Description: fmt.Sprintf("%s: %q contradicts %q",
							key, a.Conclusion, b.Conclusion),
						Severity: sev,
					})
					conflicted[a.WorkerID] = struct{}{}
					conflicted[b.WorkerID] = struct{}{}
					continue
				}
				if a.Confidence <= s.cfg.UncertaintyFloor || b.Confidence <= s.cfg.UncertaintyFloor {
					continue
				}
				if tokenSimilarity(a.Conclusion, b.Conclusion) < s.cfg.SimilarityThreshold {
					conflicts = append(conflicts, Conflict{
						Type:      ConflictDisagreement,
						WorkerIDs: []string{a.WorkerID, b.WorkerID},
						Description: fmt.Sprintf("%s: %q diverges from %q",
							key, a.Conclusion, b.Conclusion),
						Severity: refine.SeverityMajor,
					})
					conflicted[a.WorkerID] = struct{}{}
					conflicted[b.WorkerID] = struct{}{}
				}
			}
		}
		// A low-confidence result already party to a pairwise conflict is
		// not flagged again; the pairwise record carries the doubt.
		for _, res := range group {
			if res.Skipped || res.Confidence > s.cfg.UncertaintyFloor {
				continue
			}
			if _, seen := conflicted[res.WorkerID]; seen {
				continue
			}
			conflicts = append(conflicts, Conflict{
				Type:      ConflictUncertainty,
				WorkerIDs: []string{res.WorkerID},
				Description: fmt.Sprintf("worker %s reports low confidence %.2f on %s",
					res.WorkerID, res.Confidence, key),
				Severity: refine.SeverityMinor,
			})
		}
	}
	return conflicts
}

// resolveConflicts runs the optional resolver; anything it does not settle
// with explicit reasoning stays preserved.
func (s *Synthesizer) resolveConflicts(conflicts []Conflict, results []TaskResult) []Conflict {
	for i := range conflicts {
		conflicts[i].Preserved = true
		if s.resolver == nil {
			continue
		}
		resolution, err := s.resolver(conflicts[i], results)
		if err != nil {
			s.logger.Warn("conflict resolver failed", "conflict", conflicts[i].Description, "error", err)
			continue
		}
		if resolution == nil {
			continue
		}
		if strings.TrimSpace(resolution.Reasoning) == "" {
			s.logger.Warn("rejecting resolution without reasoning", "conflict", conflicts[i].Description)
			continue
		}
		conflicts[i].Resolution = resolution
		conflicts[i].Preserved = false
	}
	return conflicts
}

// aggregateConfidence is the mean individual confidence scaled down per
// unresolved conflict, and never above the lowest individual confidence
// while an unresolved conflict of major or worse severity exists.
func (s *Synthesizer) aggregateConfidence(results []TaskResult, conflicts []Conflict) float64 {
	sum, minConf, counted := 0.0, 1.0, 0
	for _, res := range results {
		if res.Skipped {
			continue
		}
		sum += res.Confidence
		if res.Confidence < minConf {
			minConf = res.Confidence
		}
		counted++
	}
	if counted == 0 {
		return 0
	}

	unresolved, capped := 0, false
	for _, c := range conflicts {
		if c.Resolution != nil {
			continue
		}
		unresolved++
		if c.Severity == refine.SeverityMajor || c.Severity == refine.SeverityCritical {
			capped = true
		}
	}

	confidence := (sum / float64(counted)) * (1 - s.cfg.ConflictPenalty*float64(unresolved))
	if confidence < 0 {
		confidence = 0
	}
	if capped && confidence > minConf {
		confidence = minConf
	}
	return confidence
}

// sharedInsights keeps insights reported by at least two distinct results,
// in first-seen form and order.
func sharedInsights(results []TaskResult) []string {
	counts := map[string]int{}
	first := map[string]string{}
	var order []string
	for _, res := range results {
		seen := map[string]struct{}{}
		for _, insight := range res.Insights {
			key := normalizeText(insight)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			counts[key]++
			if counts[key] == 1 {
				first[key] = insight
				order = append(order, key)
			}
		}
	}
	var out []string
	for _, key := range order {
		if counts[key] >= 2 {
			out = append(out, first[key])
		}
	}
	return out
}

func recommendFromConflicts(conflicts []Conflict) []string {
	var out []string
	for _, c := range conflicts {
		if c.Resolution != nil {
			continue
		}
		switch c.Type {
		case ConflictContradiction:
			out = append(out, fmt.Sprintf("gather independent evidence to settle: %s", c.Description))
		case ConflictDisagreement:
			out = append(out, fmt.Sprintf("reconcile divergent conclusions: %s", c.Description))
		case ConflictUncertainty:
			out = append(out, fmt.Sprintf("seek corroboration: %s", c.Description))
		}
	}
	return out
}

// certaintyHedges maps overclaiming words to hedged replacements used when
// unresolved conflicts make certainty unwarranted.
var certaintyHedges = map[string]string{
	"definitely":  "likely",
	"certainly":   "probably",
	"undoubtedly": "apparently",
	"proves":      "suggests",
	"conclusive":  "suggestive",
}

// refineNarrative drafts a narrative and pushes it through the refinement
// loop. Evaluation fails drafts that omit a conflict, overstate certainty
// while conflicts remain unresolved, or say too little.
func (s *Synthesizer) refineNarrative(ctx context.Context, out SynthesizedOutput) (string, *RefinementMeta, error) {
	unresolved := false
	for _, c := range out.Conflicts {
		if c.Resolution == nil {
			unresolved = true
			break
		}
	}

	strategy := refine.FuncStrategy{
		GenerateFunc: func(ctx context.Context) (refine.Candidate, error) {
			draft := s.draftNarrative(out)
			return refine.Candidate{
				ID:         NewID("narrative"),
				Kind:       "narrative",
				Output:     []byte(draft),
				Confidence: out.Confidence,
			}, nil
		},
		EvaluateFunc: func(ctx context.Context, c refine.Candidate) (refine.Evaluation, error) {
			return s.evaluateNarrative(string(c.Output), out, unresolved), nil
		},
		RefineFunc: func(ctx context.Context, c refine.Candidate, worst refine.Feedback) (refine.Candidate, error) {
			c.Output = []byte(s.repairNarrative(string(c.Output), out, worst))
			return c, nil
		},
	}

	loop, err := refine.New(s.cfg.Refine, strategy)
	if err != nil {
		return "", nil, err
	}
	result := loop.Run(ctx)
	if result.Err != nil {
		return "", nil, result.Err
	}
	meta := &RefinementMeta{
		Iterations: result.Iterations,
		StopReason: result.StopReason,
		Cost:       result.TotalCost,
		FinalScore: result.Confidence,
	}
	return string(result.Candidate.Output), meta, nil
}

func (s *Synthesizer) draftNarrative(out SynthesizedOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Synthesis of %d results.\n", len(out.Results))
	for _, res := range out.Results {
		if res.Skipped {
			fmt.Fprintf(&b, "- %s (%s): not attempted\n", res.TaskID, res.WorkerID)
			continue
		}
		conclusion := res.Conclusion
		if conclusion == "" {
			conclusion = "no stated conclusion"
		}
		fmt.Fprintf(&b, "- %s (%s, confidence %.2f): %s\n", res.TaskID, res.WorkerID, res.Confidence, conclusion)
	}
	for _, insight := range out.Insights {
		fmt.Fprintf(&b, "Shared insight: %s\n", insight)
	}
	return b.String()
}

func (s *Synthesizer) evaluateNarrative(narrative string, out SynthesizedOutput, unresolved bool) refine.Evaluation {
	score := 1.0
	var feedback []refine.Feedback

	for _, c := range out.Conflicts {
		if strings.Contains(narrative, c.Description) {
			continue
		}
		score -= 0.3
		feedback = append(feedback, refine.Feedback{
			Issue:      fmt.Sprintf("conflict not surfaced: %s", c.Description),
			Severity:   refine.SeverityMajor,
			Suggestion: "state the conflict and whether it was resolved",
			Aspect:     "conflicts",
		})
	}

	if unresolved {
		lower := strings.ToLower(narrative)
		for word := range certaintyHedges {
			if strings.Contains(lower, word) {
				score -= 0.1
				feedback = append(feedback, refine.Feedback{
					Issue:      fmt.Sprintf("overclaims certainty (%q) while conflicts are unresolved", word),
					Severity:   refine.SeverityMinor,
					Suggestion: "hedge the claim",
					Aspect:     "tone",
				})
			}
		}
	}

	if len(narrative) < 20 {
		score -= 0.2
		feedback = append(feedback, refine.Feedback{
			Issue:      "narrative is too brief to be useful",
			Severity:   refine.SeverityMinor,
			Suggestion: "summarize each result",
			Aspect:     "length",
		})
	}

	if score < 0 {
		score = 0
	}
	return refine.Evaluation{
		Score:      score,
		Feedback:   feedback,
		Acceptable: len(feedback) == 0,
		Cost:       1,
	}
}

func (s *Synthesizer) repairNarrative(narrative string, out SynthesizedOutput, worst refine.Feedback) string {
	switch worst.Aspect {
	case "conflicts":
		var b strings.Builder
		b.WriteString(narrative)
		for _, c := range out.Conflicts {
			if strings.Contains(narrative, c.Description) {
				continue
			}
			status := "unresolved, preserved for the caller"
			if c.Resolution != nil {
				status = fmt.Sprintf("resolved (%s): %s", c.Resolution.Method, c.Resolution.Reasoning)
			}
			fmt.Fprintf(&b, "Conflict (%s, %s): %s [%s]\n", c.Type, c.Severity, c.Description, status)
		}
		return b.String()
	case "tone":
		for word, hedge := range certaintyHedges {
			narrative = strings.ReplaceAll(narrative, word, hedge)
			narrative = strings.ReplaceAll(narrative, capitalize(word), capitalize(hedge))
		}
		return narrative
	case "length":
		var b strings.Builder
		b.WriteString(narrative)
		for _, res := range out.Results {
			if res.Reasoning != "" {
				fmt.Fprintf(&b, "Reasoning (%s): %s\n", res.WorkerID, res.Reasoning)
			}
		}
		return b.String()
	default:
		return narrative
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
