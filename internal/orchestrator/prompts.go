package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Prompts holds the four system prompts the shell reads from a single
// YAML document at startup: one each for the planner, the
// sub-planner, the reconciler, and the worker sandbox.
type Prompts struct {
	Planner    string `yaml:"planner"`
	Subplanner string `yaml:"subplanner"`
	Reconciler string `yaml:"reconciler"`
	Worker     string `yaml:"worker"`
}

// LoadPrompts reads and validates the prompts document at path. All
// four prompts are required; a missing one is a startup error rather
// than a silently empty system prompt reaching the LLM.
func LoadPrompts(path string) (Prompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("read prompts: %w", err)
	}
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prompts{}, fmt.Errorf("parse prompts %s: %w", path, err)
	}
	for name, value := range map[string]string{
		"planner":    p.Planner,
		"subplanner": p.Subplanner,
		"reconciler": p.Reconciler,
		"worker":     p.Worker,
	} {
		if value == "" {
			return Prompts{}, fmt.Errorf("prompts %s: %q prompt is missing or empty", path, name)
		}
	}
	return p, nil
}
