package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/deckflow/deckflow/pkg/types"
)

// TaskSpec describes one task of a pipeline template. Upstream
// dependencies are named by kind; the builder translates them to task-id
// edges at submission time.
type TaskSpec struct {
	Kind       string   `yaml:"kind"`
	Weight     int      `yaml:"weight"`
	MaxRetries *int     `yaml:"max_retries"`
	DependsOn  []string `yaml:"depends_on"`
}

// Template is a declarative pipeline description. The builder knows
// nothing about what the kinds mean; it only materializes the DAG.
type Template struct {
	Name  string     `yaml:"name"`
	Tasks []TaskSpec `yaml:"tasks"`
}

// LoadTemplate reads a template from a YAML file and validates it.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse template file %s: %w", path, err)
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// DeckAnalysisTemplate returns the built-in production pipeline: two
// independent roots, an extraction stage over the visual analysis, and
// three specialized analyses fanning out from the extraction.
func DeckAnalysisTemplate() *Template {
	return &Template{
		Name: "deck_analysis",
		Tasks: []TaskSpec{
			{Kind: types.KindVisualAnalysis, Weight: 3},
			{Kind: types.KindSlideFeedback, Weight: 1},
			{Kind: types.KindExtractionsAndTemplate, Weight: 2, DependsOn: []string{types.KindVisualAnalysis}},
			{Kind: types.KindSpecializedClinical, Weight: 1, DependsOn: []string{types.KindExtractionsAndTemplate}},
			{Kind: types.KindSpecializedRegulatory, Weight: 1, DependsOn: []string{types.KindExtractionsAndTemplate}},
			{Kind: types.KindSpecializedScience, Weight: 1, DependsOn: []string{types.KindExtractionsAndTemplate}},
		},
	}
}

// Validate rejects empty templates, duplicate kinds, undefined upstream
// references, negative weights, and cyclic dependency graphs.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if len(t.Tasks) == 0 {
		return fmt.Errorf("template %s has no tasks", t.Name)
	}

	byKind := make(map[string]*TaskSpec, len(t.Tasks))
	for i := range t.Tasks {
		spec := &t.Tasks[i]
		if spec.Kind == "" {
			return fmt.Errorf("template %s: task %d has no kind", t.Name, i)
		}
		if _, dup := byKind[spec.Kind]; dup {
			return fmt.Errorf("template %s: duplicate kind %q", t.Name, spec.Kind)
		}
		if spec.Weight < 0 {
			return fmt.Errorf("template %s: task %q has negative weight", t.Name, spec.Kind)
		}
		if spec.MaxRetries != nil && *spec.MaxRetries < 0 {
			return fmt.Errorf("template %s: task %q has negative max_retries", t.Name, spec.Kind)
		}
		byKind[spec.Kind] = spec
	}

	for _, spec := range t.Tasks {
		for _, up := range spec.DependsOn {
			if up == spec.Kind {
				return fmt.Errorf("template %s: task %q depends on itself", t.Name, spec.Kind)
			}
			if _, ok := byKind[up]; !ok {
				return fmt.Errorf("template %s: task %q depends on undefined kind %q", t.Name, spec.Kind, up)
			}
		}
	}

	if err := t.checkAcyclic(); err != nil {
		return err
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the kind graph; leftover nodes
// mean a cycle.
func (t *Template) checkAcyclic() error {
	indegree := make(map[string]int, len(t.Tasks))
	dependents := make(map[string][]string, len(t.Tasks))
	for _, spec := range t.Tasks {
		indegree[spec.Kind] += 0
		for _, up := range spec.DependsOn {
			indegree[spec.Kind]++
			dependents[up] = append(dependents[up], spec.Kind)
		}
	}

	var ready []string
	for kind, deg := range indegree {
		if deg == 0 {
			ready = append(ready, kind)
		}
	}

	visited := 0
	for len(ready) > 0 {
		kind := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, down := range dependents[kind] {
			indegree[down]--
			if indegree[down] == 0 {
				ready = append(ready, down)
			}
		}
	}

	if visited != len(t.Tasks) {
		return fmt.Errorf("template %s: dependency graph contains a cycle", t.Name)
	}
	return nil
}
