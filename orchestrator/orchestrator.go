package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tfoster/conclave/refine"
)

const tracerName = "github.com/tfoster/conclave/orchestrator"

// Config gathers every tunable. Zero values fall back to the defaults of
// the component they belong to.
type Config struct {
	Refine                refine.Config
	SatisfactionThreshold float64
	AssignWeights         AssignWeights
	Recovery              RecoveryConfig
	Synthesis             SynthesisConfig
	DefaultMaxConcurrent  int
	MaxDecompositionDepth int
	Logger                *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Refine:                refine.DefaultConfig(),
		SatisfactionThreshold: 0.85,
		AssignWeights:         DefaultAssignWeights(),
		Recovery:              DefaultRecoveryConfig(),
		Synthesis:             DefaultSynthesisConfig(),
		DefaultMaxConcurrent:  1,
		MaxDecompositionDepth: 3,
	}
}

// PatternStore persists pattern outcomes for later inspection. Both methods
// tolerate a nil store at the orchestrator level; persistence failures are
// logged, never fatal.
type PatternStore interface {
	Persist(ctx context.Context, result PatternResult) error
	Load(ctx context.Context, pattern Pattern, limit int) ([]PatternResult, error)
}

// Orchestrator is the composition root tying registry, executor,
// synthesizer, recoverer, and pattern engine together.
type Orchestrator struct {
	cfg       Config
	registry  *Registry
	executor  *Executor
	synth     *Synthesizer
	recoverer *Recoverer
	patterns  *PatternEngine
	store     PatternStore
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.AssignWeights == (AssignWeights{}) {
		cfg.AssignWeights = def.AssignWeights
	}
	if cfg.SatisfactionThreshold <= 0 {
		cfg.SatisfactionThreshold = def.SatisfactionThreshold
	}
	// Refine defaults apply field by field so a caller setting only a
	// budget or a timeout keeps it.
	if cfg.Refine.MaxIterations == 0 {
		cfg.Refine.MaxIterations = def.Refine.MaxIterations
	}
	if cfg.Refine.ConfidenceThreshold == 0 {
		cfg.Refine.ConfidenceThreshold = def.Refine.ConfidenceThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	registry := NewRegistry()
	registry.SetLogger(cfg.Logger)
	if cfg.DefaultMaxConcurrent > 0 {
		registry.SetDefaultMaxConcurrent(cfg.DefaultMaxConcurrent)
	}

	recoverer := NewRecoverer(registry, cfg.Recovery, cfg.AssignWeights)
	recoverer.SetLogger(cfg.Logger)

	executor := NewExecutor(registry, recoverer, cfg.Refine, cfg.SatisfactionThreshold, cfg.AssignWeights)
	executor.SetLogger(cfg.Logger)

	synth := NewSynthesizer(cfg.Synthesis)
	synth.SetLogger(cfg.Logger)

	patterns := NewPatternEngine(executor, synth, registry)
	patterns.SetLogger(cfg.Logger)
	if cfg.MaxDecompositionDepth > 0 {
		patterns.SetMaxDepth(cfg.MaxDecompositionDepth)
	}

	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		executor:  executor,
		synth:     synth,
		recoverer: recoverer,
		patterns:  patterns,
		logger:    cfg.Logger,
		tracer:    otel.Tracer(tracerName),
	}
}

func (o *Orchestrator) SetMessenger(m Messenger)       { o.executor.SetMessenger(m) }
func (o *Orchestrator) SetResolver(fn ResolveFunc)     { o.synth.SetResolver(fn) }
func (o *Orchestrator) SetDecompose(fn DecomposeFunc)  { o.patterns.SetDecompose(fn) }
func (o *Orchestrator) SetPatternStore(s PatternStore) { o.store = s }

// SetClock injects a clock into every time-dependent component, for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.registry.SetClock(now)
	o.executor.SetClock(now)
}

func (o *Orchestrator) RegisterWorker(spec WorkerSpec) error {
	return o.registry.Register(spec)
}

func (o *Orchestrator) DeregisterWorker(workerID string) error {
	return o.registry.Deregister(workerID)
}

func (o *Orchestrator) SetWorkerStatus(workerID string, status WorkerStatus) error {
	return o.registry.SetStatus(workerID, status)
}

func (o *Orchestrator) Workers() []WorkerInfo {
	return o.registry.Snapshot()
}

// DelegateTask runs the full pipeline for one task.
func (o *Orchestrator) DelegateTask(ctx context.Context, task Task) DelegationResult {
	ctx, span := o.tracer.Start(ctx, "orchestrator.DelegateTask",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", task.Type),
		))
	defer span.End()

	result := o.executor.DelegateTask(ctx, task)
	span.SetAttributes(
		attribute.Bool("delegation.success", result.Success),
		attribute.String("delegation.worker", result.AssignedWorker),
	)
	return result
}

// SynthesizeResults merges externally collected results.
func (o *Orchestrator) SynthesizeResults(ctx context.Context, results []TaskResult) (SynthesizedOutput, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.SynthesizeResults",
		trace.WithAttributes(attribute.Int("results.count", len(results))))
	defer span.End()
	return o.synth.Synthesize(ctx, results)
}

// ExecuteWithPattern runs the tasks under the named delegation pattern and
// persists the outcome when a store is configured.
func (o *Orchestrator) ExecuteWithPattern(ctx context.Context, pattern Pattern, tasks []Task) (PatternResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ExecuteWithPattern",
		trace.WithAttributes(
			attribute.String("pattern", string(pattern)),
			attribute.Int("tasks.count", len(tasks)),
		))
	defer span.End()

	result, err := o.patterns.Execute(ctx, pattern, tasks)
	if err != nil {
		return result, err
	}
	if o.store != nil {
		if perr := o.store.Persist(ctx, result); perr != nil {
			o.logger.Warn("pattern result not persisted", "pattern", pattern, "error", perr)
		}
	}
	return result, nil
}

// PatternHistory loads previously persisted outcomes for a pattern. It
// returns nothing when no store is configured.
func (o *Orchestrator) PatternHistory(ctx context.Context, pattern Pattern, limit int) ([]PatternResult, error) {
	if o.store == nil {
		return nil, nil
	}
	return o.store.Load(ctx, pattern, limit)
}

// HandleWorkerFailure exposes recovery classification for callers that run
// workers outside the executor.
func (o *Orchestrator) HandleWorkerFailure(workerID string, failure error, task Task) RecoveryAction {
	return o.recoverer.HandleWorkerFailure(workerID, failure, task)
}

// Status reports a point-in-time snapshot.
func (o *Orchestrator) Status() Status {
	succeeded, failed, inFlight := o.executor.Counters()
	return Status{
		Workers:        o.registry.Snapshot(),
		TasksCompleted: succeeded,
		TasksFailed:    failed,
		InFlight:       inFlight,
	}
}
