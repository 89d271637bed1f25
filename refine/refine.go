// Package refine implements a generic iterative improvement loop: generate a
// candidate, evaluate it, refine against the worst feedback, and repeat until
// a termination condition fires. The loop knows nothing about tasks or
// workers; callers supply the three steps through a Strategy.
package refine

import (
	"context"
	"fmt"
	"time"
)

// Severity orders feedback items; the loop refines against the single worst
// item each iteration.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityMajor:
		return 2
	case SeverityMinor:
		return 1
	default:
		return 0
	}
}

// Candidate is an intermediate or final artifact under refinement. Output is
// an opaque payload tagged by Kind; the loop never inspects it.
type Candidate struct {
	ID         string
	Kind       string
	Output     []byte
	Confidence float64
	Reasoning  string
}

// Feedback is produced by evaluation and consumed by refinement.
type Feedback struct {
	Issue      string
	Severity   Severity
	Suggestion string
	Aspect     string
}

// Evaluation is the outcome of scoring one candidate.
type Evaluation struct {
	Score      float64
	Feedback   []Feedback
	Acceptable bool
	Cost       float64
}

// Strategy supplies the three caller-defined steps. Implementations may be
// non-deterministic; the loop itself is deterministic given deterministic
// steps.
type Strategy interface {
	Generate(ctx context.Context) (Candidate, error)
	Evaluate(ctx context.Context, c Candidate) (Evaluation, error)
	Refine(ctx context.Context, c Candidate, worst Feedback) (Candidate, error)
}

// FuncStrategy adapts three function values to Strategy.
type FuncStrategy struct {
	GenerateFunc func(ctx context.Context) (Candidate, error)
	EvaluateFunc func(ctx context.Context, c Candidate) (Evaluation, error)
	RefineFunc   func(ctx context.Context, c Candidate, worst Feedback) (Candidate, error)
}

func (f FuncStrategy) Generate(ctx context.Context) (Candidate, error) {
	return f.GenerateFunc(ctx)
}

func (f FuncStrategy) Evaluate(ctx context.Context, c Candidate) (Evaluation, error) {
	return f.EvaluateFunc(ctx, c)
}

func (f FuncStrategy) Refine(ctx context.Context, c Candidate, worst Feedback) (Candidate, error) {
	return f.RefineFunc(ctx, c, worst)
}

// StopReason is the terminal condition that ended a run. Exactly one is set
// on every result.
type StopReason string

const (
	StopConfidence    StopReason = "confidence_reached"
	StopMaxIterations StopReason = "max_iterations"
	StopBudget        StopReason = "budget_exceeded"
	StopTimeout       StopReason = "timeout"
	StopDiminishing   StopReason = "diminishing_returns"
	StopError         StopReason = "error"
)

// Config bounds a single run. Zero CostBudget, Timeout, or
// MinImprovementDelta disables that bound.
type Config struct {
	MaxIterations       int
	ConfidenceThreshold float64
	CostBudget          float64
	Timeout             time.Duration
	MinImprovementDelta float64
	ProcessSupervision  bool
}

// DefaultConfig returns the loop defaults used when callers pass a zero
// MaxIterations or ConfidenceThreshold.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       3,
		ConfidenceThreshold: 0.85,
	}
}

func (c Config) validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be > 0")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in [0,1]")
	}
	if c.CostBudget < 0 {
		return fmt.Errorf("cost budget must be >= 0")
	}
	if c.MinImprovementDelta < 0 {
		return fmt.Errorf("min improvement delta must be >= 0")
	}
	return nil
}

// ProcessStep records one iteration when process supervision is enabled.
type ProcessStep struct {
	Iteration int
	Score     float64
	Cost      float64
	Worst     *Feedback
	At        time.Time
}

// Result is the outcome of one run. Candidate is the best candidate seen,
// which is not necessarily the last one produced.
type Result struct {
	Candidate         Candidate
	Confidence        float64
	Iterations        int
	TotalCost         float64
	Converged         bool
	StopReason        StopReason
	Err               error
	RemainingFeedback []Feedback
	ConfidenceHistory []float64
	ProcessTrace      []ProcessStep
	Duration          time.Duration
}
