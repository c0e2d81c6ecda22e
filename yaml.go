package stepflow

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mkarren/stepflow/pkg/api"
)

// ParseWorkflowYAML decodes a single workflow definition from YAML.
// Unknown fields are rejected so typos in hand-written definitions fail
// loudly instead of silently dropping configuration.
func ParseWorkflowYAML(r io.Reader) (WorkflowDefinition, error) {
	var def api.WorkflowDefinition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("decode workflow yaml: %w", err)
	}
	return def, nil
}

// LoadWorkflowYAML reads a workflow definition from a YAML file.
func LoadWorkflowYAML(path string) (WorkflowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("open workflow yaml: %w", err)
	}
	defer f.Close()
	return ParseWorkflowYAML(f)
}

// LoadWorkflowsYAML reads every YAML document in the file as a workflow
// definition, allowing several workflows per file separated by "---".
func LoadWorkflowsYAML(path string) ([]WorkflowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workflow yaml: %w", err)
	}
	defer f.Close()

	var defs []WorkflowDefinition
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	for {
		var def api.WorkflowDefinition
		if err := dec.Decode(&def); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode workflow yaml: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}
