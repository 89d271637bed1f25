package refine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tfoster/conclave/refine"

// Loop runs a Strategy until one of the six stop reasons fires.
type Loop struct {
	cfg      Config
	strategy Strategy
	now      func() time.Time
	logger   *slog.Logger
}

func New(cfg Config, strategy Strategy) (*Loop, error) {
	if strategy == nil {
		return nil, fmt.Errorf("strategy is required")
	}
	def := DefaultConfig()
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid refinement config: %w", err)
	}
	return &Loop{
		cfg:      cfg,
		strategy: strategy,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}, nil
}

func (l *Loop) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

func (l *Loop) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Run executes the loop. It never returns a fatal error: evaluation or
// refinement failures terminate with StopError and the best candidate seen,
// and a timeout terminates with StopTimeout rather than an error.
func (l *Loop) Run(ctx context.Context) Result {
	start := l.now()
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "refine.Run")
	defer span.End()

	res := Result{}
	finish := func(reason StopReason, err error) Result {
		res.StopReason = reason
		res.Err = err
		res.Converged = reason == StopConfidence
		res.Duration = l.now().Sub(start)
		span.SetAttributes(
			attribute.String("stop_reason", string(reason)),
			attribute.Int("iterations", res.Iterations),
			attribute.Float64("confidence", res.Confidence),
		)
		return res
	}

	candidate, err := l.generate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return finish(StopTimeout, nil)
		}
		return finish(StopError, fmt.Errorf("generate: %w", err))
	}
	res.Candidate = candidate
	bestScore := -1.0

	for {
		ev, err := l.evaluate(ctx, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return finish(StopTimeout, nil)
			}
			return finish(StopError, fmt.Errorf("evaluate: %w", err))
		}

		res.Iterations++
		res.TotalCost += ev.Cost
		res.ConfidenceHistory = append(res.ConfidenceHistory, ev.Score)
		res.RemainingFeedback = ev.Feedback
		if ev.Score > bestScore {
			bestScore = ev.Score
			res.Candidate = candidate
			res.Candidate.Confidence = ev.Score
			res.Confidence = ev.Score
		}

		worst := worstFeedback(ev.Feedback)
		if l.cfg.ProcessSupervision {
			res.ProcessTrace = append(res.ProcessTrace, ProcessStep{
				Iteration: res.Iterations,
				Score:     ev.Score,
				Cost:      ev.Cost,
				Worst:     worst,
				At:        l.now(),
			})
		}
		span.AddEvent("iteration", trace.WithAttributes(
			attribute.Int("n", res.Iterations),
			attribute.Float64("score", ev.Score),
			attribute.Float64("cost", ev.Cost),
		))
		l.logger.Debug("refinement iteration",
			"iteration", res.Iterations, "score", ev.Score, "cost", ev.Cost)

		if ev.Acceptable || ev.Score >= l.cfg.ConfidenceThreshold {
			return finish(StopConfidence, nil)
		}
		if res.Iterations >= l.cfg.MaxIterations {
			return finish(StopMaxIterations, nil)
		}
		if l.cfg.CostBudget > 0 && res.TotalCost >= l.cfg.CostBudget {
			return finish(StopBudget, nil)
		}
		if l.cfg.MinImprovementDelta > 0 && len(res.ConfidenceHistory) >= 2 {
			n := len(res.ConfidenceHistory)
			if res.ConfidenceHistory[n-1]-res.ConfidenceHistory[n-2] < l.cfg.MinImprovementDelta {
				return finish(StopDiminishing, nil)
			}
		}
		if ctx.Err() != nil {
			return finish(StopTimeout, nil)
		}
		if worst == nil {
			// Below threshold with nothing actionable to refine against.
			return finish(StopDiminishing, nil)
		}

		candidate, err = l.refine(ctx, candidate, *worst)
		if err != nil {
			if ctx.Err() != nil {
				return finish(StopTimeout, nil)
			}
			return finish(StopError, fmt.Errorf("refine: %w", err))
		}
	}
}

// worstFeedback picks the single highest-severity item, keeping the first of
// equal severity so refinement is stable across runs.
func worstFeedback(items []Feedback) *Feedback {
	var worst *Feedback
	for i := range items {
		if worst == nil || severityRank(items[i].Severity) > severityRank(worst.Severity) {
			worst = &items[i]
		}
	}
	return worst
}

// generate, evaluate, and refine run the strategy step in a goroutine so the
// wait stays cancellable even when the step ignores its context. A recovered
// panic is reported as a step error, never propagated.

type stepOutcome[T any] struct {
	value T
	err   error
}

func runStep[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	done := make(chan stepOutcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- stepOutcome[T]{zero, fmt.Errorf("%s panicked: %v", name, r)}
			}
		}()
		v, err := fn(ctx)
		done <- stepOutcome[T]{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case out := <-done:
		return out.value, out.err
	}
}

func (l *Loop) generate(ctx context.Context) (Candidate, error) {
	return runStep(ctx, "generate", l.strategy.Generate)
}

func (l *Loop) evaluate(ctx context.Context, c Candidate) (Evaluation, error) {
	return runStep(ctx, "evaluate", func(ctx context.Context) (Evaluation, error) {
		return l.strategy.Evaluate(ctx, c)
	})
}

func (l *Loop) refine(ctx context.Context, c Candidate, worst Feedback) (Candidate, error) {
	return runStep(ctx, "refine", func(ctx context.Context) (Candidate, error) {
		return l.strategy.Refine(ctx, c, worst)
	})
}
