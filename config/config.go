// Package config loads orchestrator settings from an optional TOML file plus
// environment overrides. Absent file and absent variables both mean
// defaults; only a malformed file is reported as a parse error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/tfoster/conclave/orchestrator"
	"github.com/tfoster/conclave/refine"
)

const (
	// ConfigFile is resolved relative to the root passed to Load.
	ConfigFile = "conclave.toml"
	envFile    = ".env"
	envPrefix  = "CONCLAVE_"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Refinement RefinementConfig `toml:"refinement"`
	Assignment AssignmentConfig `toml:"assignment"`
	Recovery   RecoveryConfig   `toml:"recovery"`
	Synthesis  SynthesisConfig  `toml:"synthesis"`
	Workers    WorkersConfig    `toml:"workers"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
}

type RefinementConfig struct {
	MaxIterations         int     `toml:"max_iterations"`
	ConfidenceThreshold   float64 `toml:"confidence_threshold"`
	CostBudget            float64 `toml:"cost_budget"`
	TimeoutMS             int     `toml:"timeout_ms"`
	MinImprovementDelta   float64 `toml:"min_improvement_delta"`
	ProcessSupervision    bool    `toml:"process_supervision"`
	SatisfactionThreshold float64 `toml:"satisfaction_threshold"`
}

type AssignmentConfig struct {
	SpecializationWeight float64 `toml:"specialization_weight"`
	CapabilityWeight     float64 `toml:"capability_weight"`
	SuccessRateWeight    float64 `toml:"success_rate_weight"`
}

type RecoveryConfig struct {
	SuccessRateFloor    float64 `toml:"success_rate_floor"`
	MaxRetries          int     `toml:"max_retries"`
	RetryInitialDelayMS int     `toml:"retry_initial_delay_ms"`
	RetryMaxDelayMS     int     `toml:"retry_max_delay_ms"`
}

type SynthesisConfig struct {
	UncertaintyFloor    float64 `toml:"uncertainty_floor"`
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	ConflictPenalty     float64 `toml:"conflict_penalty"`
}

type WorkersConfig struct {
	DefaultMaxConcurrent  int    `toml:"default_max_concurrent"`
	MaxDecompositionDepth int    `toml:"max_decomposition_depth"`
	RosterPath            string `toml:"roster_path"`
}

type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
}

func Default() Config {
	return Config{
		Refinement: RefinementConfig{
			MaxIterations:         3,
			ConfidenceThreshold:   0.85,
			SatisfactionThreshold: 0.85,
		},
		Assignment: AssignmentConfig{
			SpecializationWeight: 0.5,
			CapabilityWeight:     0.3,
			SuccessRateWeight:    0.2,
		},
		Recovery: RecoveryConfig{
			SuccessRateFloor:    0.5,
			MaxRetries:          2,
			RetryInitialDelayMS: 500,
			RetryMaxDelayMS:     30000,
		},
		Synthesis: SynthesisConfig{
			UncertaintyFloor:    0.4,
			SimilarityThreshold: 0.25,
			ConflictPenalty:     0.15,
		},
		Workers: WorkersConfig{
			DefaultMaxConcurrent:  1,
			MaxDecompositionDepth: 3,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "conclave",
			SampleRatio: 1,
		},
	}
}

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads root/conclave.toml over the defaults, then applies CONCLAVE_*
// environment variables on top. A missing file is not an error.
func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(root, ConfigFile)
	res.Path = path

	// Variables already set in the environment win over .env entries.
	_ = godotenv.Load(filepath.Join(root, envFile))

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			res.Config = applyEnv(res.Config)
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}
	res.Config = applyEnv(merge(Default(), parsed))
	return res
}

func merge(def Config, cfg Config) Config {
	// Refinement
	if cfg.Refinement.MaxIterations != 0 {
		def.Refinement.MaxIterations = cfg.Refinement.MaxIterations
	}
	if cfg.Refinement.ConfidenceThreshold != 0 {
		def.Refinement.ConfidenceThreshold = cfg.Refinement.ConfidenceThreshold
	}
	if cfg.Refinement.CostBudget != 0 {
		def.Refinement.CostBudget = cfg.Refinement.CostBudget
	}
	if cfg.Refinement.TimeoutMS != 0 {
		def.Refinement.TimeoutMS = cfg.Refinement.TimeoutMS
	}
	if cfg.Refinement.MinImprovementDelta != 0 {
		def.Refinement.MinImprovementDelta = cfg.Refinement.MinImprovementDelta
	}
	def.Refinement.ProcessSupervision = cfg.Refinement.ProcessSupervision
	if cfg.Refinement.SatisfactionThreshold != 0 {
		def.Refinement.SatisfactionThreshold = cfg.Refinement.SatisfactionThreshold
	}
	// Assignment
	if cfg.Assignment.SpecializationWeight != 0 {
		def.Assignment.SpecializationWeight = cfg.Assignment.SpecializationWeight
	}
	if cfg.Assignment.CapabilityWeight != 0 {
		def.Assignment.CapabilityWeight = cfg.Assignment.CapabilityWeight
	}
	if cfg.Assignment.SuccessRateWeight != 0 {
		def.Assignment.SuccessRateWeight = cfg.Assignment.SuccessRateWeight
	}
	// Recovery
	if cfg.Recovery.SuccessRateFloor != 0 {
		def.Recovery.SuccessRateFloor = cfg.Recovery.SuccessRateFloor
	}
	if cfg.Recovery.MaxRetries != 0 {
		def.Recovery.MaxRetries = cfg.Recovery.MaxRetries
	}
	if cfg.Recovery.RetryInitialDelayMS != 0 {
		def.Recovery.RetryInitialDelayMS = cfg.Recovery.RetryInitialDelayMS
	}
	if cfg.Recovery.RetryMaxDelayMS != 0 {
		def.Recovery.RetryMaxDelayMS = cfg.Recovery.RetryMaxDelayMS
	}
	// Synthesis
	if cfg.Synthesis.UncertaintyFloor != 0 {
		def.Synthesis.UncertaintyFloor = cfg.Synthesis.UncertaintyFloor
	}
	if cfg.Synthesis.SimilarityThreshold != 0 {
		def.Synthesis.SimilarityThreshold = cfg.Synthesis.SimilarityThreshold
	}
	if cfg.Synthesis.ConflictPenalty != 0 {
		def.Synthesis.ConflictPenalty = cfg.Synthesis.ConflictPenalty
	}
	// Workers
	if cfg.Workers.DefaultMaxConcurrent != 0 {
		def.Workers.DefaultMaxConcurrent = cfg.Workers.DefaultMaxConcurrent
	}
	if cfg.Workers.MaxDecompositionDepth != 0 {
		def.Workers.MaxDecompositionDepth = cfg.Workers.MaxDecompositionDepth
	}
	if cfg.Workers.RosterPath != "" {
		def.Workers.RosterPath = cfg.Workers.RosterPath
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.Endpoint != "" {
		def.Telemetry.Endpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRatio != 0 {
		def.Telemetry.SampleRatio = cfg.Telemetry.SampleRatio
	}
	return def
}

func applyEnv(cfg Config) Config {
	if v, ok := envInt("REFINE_MAX_ITERATIONS"); ok {
		cfg.Refinement.MaxIterations = v
	}
	if v, ok := envFloat("REFINE_CONFIDENCE_THRESHOLD"); ok {
		cfg.Refinement.ConfidenceThreshold = v
	}
	if v, ok := envFloat("RECOVERY_SUCCESS_RATE_FLOOR"); ok {
		cfg.Recovery.SuccessRateFloor = v
	}
	if v, ok := envInt("RECOVERY_MAX_RETRIES"); ok {
		cfg.Recovery.MaxRetries = v
	}
	if v, ok := os.LookupEnv(envPrefix + "TELEMETRY_ENDPOINT"); ok && v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v, ok := os.LookupEnv(envPrefix + "ROSTER_PATH"); ok && v != "" {
		cfg.Workers.RosterPath = v
	}
	return cfg
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Orchestrator converts the file representation into the runtime config.
func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Refine: refine.Config{
			MaxIterations:       c.Refinement.MaxIterations,
			ConfidenceThreshold: c.Refinement.ConfidenceThreshold,
			CostBudget:          c.Refinement.CostBudget,
			Timeout:             time.Duration(c.Refinement.TimeoutMS) * time.Millisecond,
			MinImprovementDelta: c.Refinement.MinImprovementDelta,
			ProcessSupervision:  c.Refinement.ProcessSupervision,
		},
		SatisfactionThreshold: c.Refinement.SatisfactionThreshold,
		AssignWeights: orchestrator.AssignWeights{
			Specialization: c.Assignment.SpecializationWeight,
			Capability:     c.Assignment.CapabilityWeight,
			SuccessRate:    c.Assignment.SuccessRateWeight,
		},
		Recovery: orchestrator.RecoveryConfig{
			SuccessRateFloor:  c.Recovery.SuccessRateFloor,
			MaxRetries:        c.Recovery.MaxRetries,
			RetryInitialDelay: time.Duration(c.Recovery.RetryInitialDelayMS) * time.Millisecond,
			RetryMaxDelay:     time.Duration(c.Recovery.RetryMaxDelayMS) * time.Millisecond,
		},
		Synthesis: orchestrator.SynthesisConfig{
			UncertaintyFloor:    c.Synthesis.UncertaintyFloor,
			SimilarityThreshold: c.Synthesis.SimilarityThreshold,
			ConflictPenalty:     c.Synthesis.ConflictPenalty,
		},
		DefaultMaxConcurrent:  c.Workers.DefaultMaxConcurrent,
		MaxDecompositionDepth: c.Workers.MaxDecompositionDepth,
	}
}
