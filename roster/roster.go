// Package roster declares worker pools in YAML so deployments can describe
// their specialists without code changes. Execution callables are attached
// by the host program after parsing.
package roster

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tfoster/conclave/orchestrator"
)

var ErrInvalidRoster = errors.New("invalid roster")

// Entry declares one worker.
type Entry struct {
	ID             string   `yaml:"id"`
	Specialization string   `yaml:"specialization"`
	Capabilities   []string `yaml:"capabilities"`
	MaxConcurrent  int      `yaml:"max_concurrent"`
}

type Roster struct {
	Workers []Entry `yaml:"workers"`
}

// Parse decodes and validates a YAML roster.
func Parse(b []byte) (Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Roster{}, fmt.Errorf("%w: %v", ErrInvalidRoster, err)
	}
	if err := r.validate(); err != nil {
		return Roster{}, err
	}
	return r, nil
}

// LoadFile reads and parses a roster from disk.
func LoadFile(path string) (Roster, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("read roster: %w", err)
	}
	return Parse(b)
}

func (r Roster) validate() error {
	if len(r.Workers) == 0 {
		return fmt.Errorf("%w: no workers declared", ErrInvalidRoster)
	}
	seen := map[string]struct{}{}
	for i, entry := range r.Workers {
		if entry.ID == "" {
			return fmt.Errorf("%w: worker %d has no id", ErrInvalidRoster, i)
		}
		if entry.Specialization == "" {
			return fmt.Errorf("%w: worker %s has no specialization", ErrInvalidRoster, entry.ID)
		}
		if entry.MaxConcurrent < 0 {
			return fmt.Errorf("%w: worker %s has negative max_concurrent", ErrInvalidRoster, entry.ID)
		}
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("%w: duplicate worker id %s", ErrInvalidRoster, entry.ID)
		}
		seen[entry.ID] = struct{}{}
	}
	return nil
}

// Specs converts entries to registration specs. The execute function for
// each worker id comes from the provided lookup; a nil lookup leaves every
// spec messenger-backed.
func (r Roster) Specs(execute func(id string) orchestrator.ExecuteFunc) []orchestrator.WorkerSpec {
	specs := make([]orchestrator.WorkerSpec, 0, len(r.Workers))
	for _, entry := range r.Workers {
		spec := orchestrator.WorkerSpec{
			ID:             entry.ID,
			Specialization: entry.Specialization,
			Capabilities:   append([]string(nil), entry.Capabilities...),
			MaxConcurrent:  entry.MaxConcurrent,
		}
		if execute != nil {
			spec.Execute = execute(entry.ID)
		}
		specs = append(specs, spec)
	}
	return specs
}
