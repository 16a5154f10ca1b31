package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Resource weights are loaded from a YAML file naming backends, workspaces
// and action patterns:
//
//	tpp:
//	  heavy-workspace:
//	    - pattern: "model_.*"
//	      weight: 4
//
// An action matching no rule weighs 1. Patterns are anchored so a rule
// matches the whole action name.

const weightsPathVar = "JOB_RESOURCE_WEIGHTS_PATH"

// LoadResourceWeights reads the weights file named by the environment, if
// any, into cfg. Missing file is an error; unset env var is not.
func (c *ControllerConfig) LoadResourceWeights() error {
	path := os.Getenv(weightsPathVar)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config %s: %w", weightsPathVar, err)
	}
	return c.ParseResourceWeights(data)
}

// ParseResourceWeights loads a weights document, validating every pattern.
func (c *ControllerConfig) ParseResourceWeights(data []byte) error {
	weights := map[string]map[string][]WeightRule{}
	if err := yaml.Unmarshal(data, &weights); err != nil {
		return fmt.Errorf("parsing resource weights: %w", err)
	}
	for backend, workspaces := range weights {
		for workspace, rules := range workspaces {
			for _, rule := range rules {
				if _, err := regexp.Compile(anchored(rule.Pattern)); err != nil {
					return fmt.Errorf("resource weight pattern %q (%s/%s): %w",
						rule.Pattern, backend, workspace, err)
				}
				if rule.Weight <= 0 {
					return fmt.Errorf("resource weight for %q (%s/%s) must be positive",
						rule.Pattern, backend, workspace)
				}
			}
		}
	}
	c.ResourceWeights = weights
	return nil
}

// JobWeight returns the scheduling weight for an action: the first matching
// rule for the backend and workspace, or 1.
func (c *ControllerConfig) JobWeight(backend, workspace, action string) float64 {
	for _, rule := range c.ResourceWeights[backend][workspace] {
		// Patterns were validated at load time
		if matched, _ := regexp.MatchString(anchored(rule.Pattern), action); matched {
			return rule.Weight
		}
	}
	return 1
}

func anchored(pattern string) string {
	return "^(?:" + pattern + ")$"
}
