package stepflow

import (
	"context"
	"testing"
	"time"

	"github.com/mkarren/stepflow/pkg/api"
	"github.com/stretchr/testify/require"
)

func TestWorkflowBuilder_WiresSteps(t *testing.T) {
	t.Parallel()

	def := NewWorkflow("order-fulfillment").
		Named("Order Fulfillment").
		Pattern(PatternGraph).
		Timeout(300).
		GlobalConfig("region", "eu-west-1").
		Step("reserve", "inventory_reserve").
		Param("warehouse", "ams-1").
		Step("charge", "payment_charge").After("reserve").
		Retry(Retry(3).WithExponentialBackoff(time.Second, 2.0, time.Minute).Policy()).
		StepTimeout(30).
		Step("ship", "shipping_dispatch").After("charge").
		When("charge.output.status == captured").
		NonCritical().
		MapInput("order", "trigger.order_id").
		Build()

	require.Equal(t, "order-fulfillment", def.ID)
	require.Equal(t, "Order Fulfillment", def.Name)
	require.Equal(t, PatternGraph, def.Pattern)
	require.Equal(t, 300, def.TimeoutSeconds)
	require.Equal(t, "eu-west-1", def.GlobalConfig["region"])
	require.Len(t, def.Steps, 3)

	reserve := def.Steps[0]
	require.Equal(t, 0, reserve.Order)
	require.Equal(t, "ams-1", reserve.Parameters["warehouse"])
	require.True(t, reserve.IsCritical())

	charge := def.Steps[1]
	require.Equal(t, 1, charge.Order)
	require.Equal(t, []string{"reserve"}, charge.Dependencies)
	require.Equal(t, 3, charge.Retry.MaxAttempts)
	require.Equal(t, api.RetryExponential, charge.Retry.Strategy)
	require.Equal(t, 30, charge.TimeoutSeconds)

	ship := def.Steps[2]
	require.Equal(t, []string{"charge"}, ship.Dependencies)
	require.Len(t, ship.Conditions, 1)
	require.Equal(t, "charge.output.status == captured", ship.Conditions[0].Expr)
	require.False(t, ship.IsCritical())
	require.Equal(t, "trigger.order_id", ship.InputMapping["order"])
}

func TestWorkflowBuilder_TriggerHelpers(t *testing.T) {
	t.Parallel()

	interval := NewWorkflow("heartbeat").
		EveryInterval(60).
		Step("ping", "http_ping").
		Build()
	require.NotNil(t, interval.Trigger)
	require.True(t, interval.Trigger.Enabled)
	require.Equal(t, api.TriggerInterval, interval.Trigger.Mode)
	require.Equal(t, 60, interval.Trigger.IntervalSeconds)

	cron := NewWorkflow("digest").
		Cron("0 9 * * MON-FRI", "America/New_York").
		Step("send", "mail_send").
		Build()
	require.NotNil(t, cron.Trigger)
	require.Equal(t, api.TriggerCron, cron.Trigger.Mode)
	require.Equal(t, "0 9 * * MON-FRI", cron.Trigger.Cron)
	require.Equal(t, "America/New_York", cron.Trigger.Timezone)
}

func TestWorkflowBuilder_Panics(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() { NewWorkflow("") })
	require.Panics(t, func() { NewWorkflow("wf").Step("", "noop") })
	require.Panics(t, func() { NewWorkflow("wf").Step("a", "") })
	require.Panics(t, func() { NewWorkflow("wf").After("a") })
	require.Panics(t, func() { NewWorkflow("wf").When("x == 1") })
}

func TestWorkflowBuilder_MustRegisterPanicsOnInvalidGraph(t *testing.T) {
	t.Parallel()

	eng, err := NewInMemoryEngine(Options{})
	require.NoError(t, err)
	require.NoError(t, RegisterLocalStep(eng, "noop", func(ctx context.Context, step StepDefinition, input map[string]any, run *RunState) (map[string]any, error) {
		return nil, nil
	}))

	ctx := context.Background()

	// a <-> b is a cycle; validation rejects it at registration time.
	require.Panics(t, func() {
		NewWorkflow("cyclic").
			Step("a", "noop").After("b").
			Step("b", "noop").After("a").
			MustRegister(ctx, eng)
	})

	require.NotPanics(t, func() {
		NewWorkflow("acyclic").
			Step("a", "noop").
			Step("b", "noop").After("a").
			MustRegister(ctx, eng)
	})
}
