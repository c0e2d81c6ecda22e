package stepflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mkarren/stepflow/pkg/api"
	"github.com/stretchr/testify/require"
)

const orderWorkflowYAML = `
id: order-fulfillment
name: Order Fulfillment
pattern: dependency_graph
timeout_seconds: 300
global_config:
  region: eu-west-1
trigger:
  enabled: true
  mode: cron
  cron: "0 9 * * MON-FRI"
  timezone: America/New_York
steps:
  - step_id: reserve
    step_type: inventory_reserve
    parameters:
      warehouse: ams-1
  - step_id: charge
    step_type: payment_charge
    dependencies: [reserve]
    retry:
      max_attempts: 3
      strategy: exponential_backoff
      base_delay_seconds: 1
      max_delay_seconds: 60
      jitter: true
    timeout_seconds: 30
  - step_id: ship
    step_type: shipping_dispatch
    dependencies: [charge]
    critical: false
    conditions:
      - expr: "charge.output.status == captured"
    input_mapping:
      order: trigger.order_id
`

func TestParseWorkflowYAML(t *testing.T) {
	t.Parallel()

	def, err := ParseWorkflowYAML(strings.NewReader(orderWorkflowYAML))
	require.NoError(t, err)

	require.Equal(t, "order-fulfillment", def.ID)
	require.Equal(t, PatternGraph, def.EffectivePattern())
	require.Equal(t, 300, def.TimeoutSeconds)
	require.Equal(t, "eu-west-1", def.GlobalConfig["region"])

	require.NotNil(t, def.Trigger)
	require.True(t, def.Trigger.Enabled)
	require.Equal(t, api.TriggerCron, def.Trigger.Mode)
	require.Equal(t, "0 9 * * MON-FRI", def.Trigger.Cron)
	require.Equal(t, "America/New_York", def.Trigger.Timezone)

	require.Len(t, def.Steps, 3)

	charge, ok := def.Step("charge")
	require.True(t, ok)
	require.Equal(t, []string{"reserve"}, charge.Dependencies)
	require.Equal(t, 3, charge.Retry.MaxAttempts)
	require.Equal(t, api.RetryExponential, charge.Retry.Strategy)
	require.True(t, charge.Retry.Jitter)
	require.Equal(t, 30, charge.TimeoutSeconds)

	ship, ok := def.Step("ship")
	require.True(t, ok)
	require.False(t, ship.IsCritical())
	require.Len(t, ship.Conditions, 1)
	require.Equal(t, "charge.output.status == captured", ship.Conditions[0].Expr)
	require.Equal(t, "trigger.order_id", ship.InputMapping["order"])
}

func TestParseWorkflowYAML_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	// "step" instead of "steps" is a typo that must not vanish silently.
	_, err := ParseWorkflowYAML(strings.NewReader(`
id: typo
step:
  - step_id: a
    step_type: noop
`))
	require.Error(t, err)
}

func TestLoadWorkflowsYAML_MultiDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: first
steps:
  - step_id: a
    step_type: noop
---
id: second
pattern: sequential
steps:
  - step_id: b
    step_type: noop
`), 0o644))

	defs, err := LoadWorkflowsYAML(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	require.Equal(t, "first", defs[0].ID)
	require.Equal(t, "second", defs[1].ID)
	require.Equal(t, PatternSequential, defs[1].EffectivePattern())
}

func TestLoadWorkflowYAML_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadWorkflowYAML(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
