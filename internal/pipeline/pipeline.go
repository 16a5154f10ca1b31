// Package pipeline parses and validates project.yaml, the file in a study
// repo describing its actions, their dependencies and their expected
// outputs.
package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RunAll is the sentinel action name clients may request to mean every
// action in the pipeline.
const RunAll = "run_all"

// Privacy levels an action may write outputs at.
const (
	LevelHighlySensitive     = "highly_sensitive"
	LevelModeratelySensitive = "moderately_sensitive"
)

var validLevels = map[string]bool{
	LevelHighlySensitive:     true,
	LevelModeratelySensitive: true,
}

// databaseImages are the run images which query the backend database.
// Jobs running them count against the db worker cap and get database
// credentials injected.
var databaseImages = map[string]bool{
	"ehrql":           true,
	"cohortextractor": true,
	"sqlrunner":       true,
}

var actionNameRe = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// Pipeline is a parsed and validated project.yaml.
type Pipeline struct {
	Version float64            `yaml:"version"`
	Actions map[string]*Action `yaml:"actions"`
}

// Action is one named step of the pipeline.
type Action struct {
	// Run is "image:version arg...", the command the agent executes
	Run string `yaml:"run"`
	// Needs lists actions whose outputs this action consumes
	Needs []string `yaml:"needs"`
	// Outputs maps privacy level -> output name -> glob pattern
	Outputs map[string]map[string]string `yaml:"outputs"`
	// Config is merged into the action's environment as JSON
	Config map[string]any `yaml:"config"`
}

// Parse loads a project.yaml document and validates it.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("project.yaml is not valid YAML: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipeline) validate() error {
	if p.Version < 3 {
		return fmt.Errorf("project.yaml version must be at least 3, got %v", p.Version)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("project.yaml must define at least one action")
	}
	for name, action := range p.Actions {
		if !actionNameRe.MatchString(name) {
			return fmt.Errorf("invalid action name %q", name)
		}
		if name == RunAll {
			return fmt.Errorf("%q is a reserved action name", RunAll)
		}
		if action == nil || strings.TrimSpace(action.Run) == "" {
			return fmt.Errorf("action %q has no run command", name)
		}
		if len(action.Outputs) == 0 {
			return fmt.Errorf("action %q must declare at least one output", name)
		}
		for level := range action.Outputs {
			if !validLevels[level] {
				return fmt.Errorf("action %q has unknown privacy level %q", name, level)
			}
		}
		for _, needed := range action.Needs {
			if _, ok := p.Actions[needed]; !ok {
				return fmt.Errorf("action %q needs unknown action %q", name, needed)
			}
		}
	}
	if cycle := p.findCycle(); cycle != "" {
		return fmt.Errorf("dependency cycle involving action %q", cycle)
	}
	return nil
}

// findCycle returns the name of an action on a needs-cycle, or "".
func (p *Pipeline) findCycle() string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(p.Actions))
	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case visiting:
			return true
		case done:
			return false
		}
		state[name] = visiting
		for _, needed := range p.Actions[name].Needs {
			if visit(needed) {
				return true
			}
		}
		state[name] = done
		return false
	}
	for name := range p.Actions {
		if visit(name) {
			return name
		}
	}
	return ""
}

// ActionNames returns every action name, sorted.
func (p *Pipeline) ActionNames() []string {
	names := make([]string, 0, len(p.Actions))
	for name := range p.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExpandRequested resolves the requested action list, replacing the run_all
// sentinel with every action. Unknown actions are an error.
func (p *Pipeline) ExpandRequested(requested []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range requested {
		if name == RunAll {
			for _, a := range p.ActionNames() {
				add(a)
			}
			continue
		}
		if _, ok := p.Actions[name]; !ok {
			return nil, fmt.Errorf("requested action %q is not in the project pipeline", name)
		}
		add(name)
	}
	return out, nil
}

// Image returns the run image without its version tag or arguments, e.g.
// "ehrql" for "ehrql:v1 generate-dataset ...".
func (a *Action) Image() string {
	command := strings.Fields(a.Run)[0]
	image, _, _ := strings.Cut(command, ":")
	return image
}

// IsDatabaseAction reports whether the action queries the backend database.
func (a *Action) IsDatabaseAction() bool {
	return databaseImages[a.Image()]
}

// OutputLevels returns output name -> privacy level across all levels,
// erroring on a name declared twice.
func (a *Action) OutputLevels() (map[string]string, error) {
	out := map[string]string{}
	for level, patterns := range a.Outputs {
		for name := range patterns {
			if _, dup := out[name]; dup {
				return nil, fmt.Errorf("output %q declared at more than one privacy level", name)
			}
			out[name] = level
		}
	}
	return out, nil
}
