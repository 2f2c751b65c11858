package sequencer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stagehand-dev/stagehand/internal/models"
)

// Definition is an on-disk pipeline description. Stages run in file order.
type Definition struct {
	Goal   string            `yaml:"goal"`
	Stages []StageDefinition `yaml:"stages"`
}

// StageDefinition mirrors models.StageConfig with YAML-friendly defaults:
// stages are enabled unless marked disabled.
type StageDefinition struct {
	ID                string  `yaml:"id"`
	Disabled          bool    `yaml:"disabled"`
	Gate              string  `yaml:"gate"`
	MaxIterations     int     `yaml:"max_iterations"`
	CoverageThreshold float64 `yaml:"coverage_threshold"`
	Isolated          bool    `yaml:"isolated"`
	Prompt            string  `yaml:"prompt"`
}

// LoadDefinition reads and validates a pipeline definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline definition: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition %s: %w", path, err)
	}
	if len(def.Stages) == 0 {
		return nil, fmt.Errorf("pipeline definition %s has no stages", path)
	}

	if _, err := def.StageConfigs(); err != nil {
		return nil, fmt.Errorf("pipeline definition %s: %w", path, err)
	}
	return &def, nil
}

// StageConfigs converts the definition to runnable stage configs.
func (d *Definition) StageConfigs() ([]models.StageConfig, error) {
	stages := make([]models.StageConfig, 0, len(d.Stages))
	for _, sd := range d.Stages {
		stages = append(stages, models.StageConfig{
			ID:                sd.ID,
			Enabled:           !sd.Disabled,
			Gate:              models.GateKind(sd.Gate),
			MaxIterations:     sd.MaxIterations,
			CoverageThreshold: sd.CoverageThreshold,
			Isolated:          sd.Isolated,
			Prompt:            sd.Prompt,
		})
	}
	if err := validateStages(stages); err != nil {
		return nil, err
	}
	return stages, nil
}
