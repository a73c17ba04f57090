// Package orchestrator launches pipeline runs: it registers the job and
// its steps up front, then publishes one Command per step. Registering
// before publishing guarantees every Result that comes back finds its
// step, whatever order handlers answer in.
package orchestrator

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
)

// PipelineSpec is a YAML pipeline definition.
type PipelineSpec struct {
	Name         string         `yaml:"name"`
	Environment  string         `yaml:"environment"`
	Namespace    string         `yaml:"namespace"`
	LogicVersion string         `yaml:"logic_version"`
	Parameters   map[string]any `yaml:"parameters"`
	Steps        []StepSpec     `yaml:"steps"`
	Metadata     map[string]any `yaml:"metadata"`
}

// StepSpec is one step of a pipeline definition. Destination names the
// queue the step's Command is published to; empty means the handler
// type's default queue.
type StepSpec struct {
	Name        string         `yaml:"name"`
	Handler     string         `yaml:"handler"`
	Action      string         `yaml:"action"`
	Payload     map[string]any `yaml:"payload"`
	Destination string         `yaml:"destination"`
}

func (s PipelineSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if strings.TrimSpace(s.LogicVersion) == "" {
		return fmt.Errorf("logic_version is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("pipeline %s has no steps", s.Name)
	}
	names := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if names[step.Name] {
			return fmt.Errorf("duplicate step name %q", step.Name)
		}
		names[step.Name] = true
		if strings.TrimSpace(step.Handler) == "" {
			return fmt.Errorf("step %s: handler is required", step.Name)
		}
		if strings.TrimSpace(step.Action) == "" {
			return fmt.Errorf("step %s: action is required", step.Name)
		}
	}
	return nil
}

// ParsePipeline decodes and validates a YAML pipeline definition.
func ParsePipeline(data []byte) (PipelineSpec, error) {
	var spec PipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return PipelineSpec{}, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return PipelineSpec{}, err
	}
	return spec, nil
}

// LoadPipeline reads a pipeline definition from disk.
func LoadPipeline(path string) (PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineSpec{}, fmt.Errorf("read pipeline: %w", err)
	}
	return ParsePipeline(data)
}

func metadataOf(m map[string]any) domain.Metadata {
	if m == nil {
		return nil
	}
	return domain.Metadata(m)
}
