package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/mkarren/stepflow/pkg/api"
)

// Snapshots and definitions are stored as JSON so they stay inspectable
// with ordinary database tooling and portable across store backends.

// EncodeRun serializes a run snapshot.
func EncodeRun(run *api.RunState) ([]byte, error) {
	data, err := run.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("encode run %s: %w", run.ExecutionID, err)
	}
	return data, nil
}

// DecodeRun rebuilds a run from a stored snapshot.
func DecodeRun(data []byte) (*api.RunState, error) {
	return api.LoadRun(data)
}

// EncodeWorkflow serializes a workflow definition.
func EncodeWorkflow(def api.WorkflowDefinition) ([]byte, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode workflow %s: %w", def.ID, err)
	}
	return data, nil
}

// DecodeWorkflow rebuilds a definition from stored bytes.
func DecodeWorkflow(data []byte) (api.WorkflowDefinition, error) {
	var def api.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("decode workflow: %w", err)
	}
	return def, nil
}
