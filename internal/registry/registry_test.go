package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mkarren/stepflow/internal/retry"
	"github.com/mkarren/stepflow/pkg/api"
)

func localConfig(stepType string, h api.StepHandler) api.StepTypeConfig {
	return api.StepTypeConfig{Type: stepType, Name: stepType, Kind: api.KindLocal, Handler: h}
}

func TestRegisterValidatesPerKind(t *testing.T) {
	r := New(nil)

	cases := []struct {
		name string
		cfg  api.StepTypeConfig
		ok   bool
	}{
		{"local with handler", localConfig("ok", func(ctx context.Context, step api.StepDefinition, input map[string]any, run *api.RunState) (map[string]any, error) {
			return nil, nil
		}), true},
		{"local without handler", api.StepTypeConfig{Type: "bad", Kind: api.KindLocal}, false},
		{"rpc with endpoint", api.StepTypeConfig{Type: "rpc_ok", Kind: api.KindRPC, Endpoint: "http://svc/step"}, true},
		{"rpc without endpoint", api.StepTypeConfig{Type: "rpc_bad", Kind: api.KindRPC}, false},
		{"grpc with invoker name", api.StepTypeConfig{Type: "grpc_ok", Kind: api.KindGRPC, Invoker: "billing"}, true},
		{"grpc without invoker name", api.StepTypeConfig{Type: "grpc_bad", Kind: api.KindGRPC}, false},
		{"empty type", api.StepTypeConfig{Kind: api.KindLocal}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Register(tc.cfg)
			if tc.ok && err != nil {
				t.Fatalf("Register failed: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if !r.Has("ok") || r.Has("bad") {
		t.Fatal("Has disagrees with registration outcomes")
	}
}

func TestExecuteNormalizesOutcomes(t *testing.T) {
	ctx := context.Background()
	r := New(nil)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	must(r.Register(localConfig("done", func(ctx context.Context, step api.StepDefinition, input map[string]any, run *api.RunState) (map[string]any, error) {
		return map[string]any{"rows": 3}, nil
	})))
	must(r.Register(localConfig("waiting", func(ctx context.Context, step api.StepDefinition, input map[string]any, run *api.RunState) (map[string]any, error) {
		return map[string]any{"status": "waiting", "reason": "approval"}, nil
	})))
	must(r.Register(localConfig("boom", func(ctx context.Context, step api.StepDefinition, input map[string]any, run *api.RunState) (map[string]any, error) {
		return nil, errors.New("kaboom")
	})))

	res, err := r.Execute(ctx, api.StepDefinition{ID: "s1", Type: "done"}, nil, nil)
	if err != nil || res.Status != api.StepCompleted {
		t.Fatalf("completed dispatch wrong: %+v err=%v", res, err)
	}
	if res.Output["rows"] != 3 {
		t.Fatalf("output lost: %v", res.Output)
	}

	res, err = r.Execute(ctx, api.StepDefinition{ID: "s2", Type: "waiting"}, nil, nil)
	if err != nil || res.Status != api.StepWaiting {
		t.Fatalf("waiting dispatch wrong: %+v err=%v", res, err)
	}

	res, err = r.Execute(ctx, api.StepDefinition{ID: "s3", Type: "boom"}, nil, nil)
	if err == nil {
		t.Fatal("handler error must propagate")
	}
	if res.Status != api.StepFailed || res.Error == "" {
		t.Fatalf("failed dispatch should carry a FAILED result: %+v", res)
	}

	_, err = r.Execute(ctx, api.StepDefinition{ID: "s4", Type: "ghost"}, nil, nil)
	if !errors.Is(err, api.ErrUnknownStepType) {
		t.Fatalf("expected ErrUnknownStepType, got %v", err)
	}
}

func TestHTTPDispatchPostsEnvelope(t *testing.T) {
	ctx := context.Background()

	var received struct {
		StepConfig       api.StepDefinition `json:"step_config"`
		InputData        map[string]any     `json:"input_data"`
		ExecutionContext map[string]any     `json:"execution_context"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := json.NewDecoder(req.Body).Decode(&received); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"charged": true}`))
	}))
	defer srv.Close()

	r := New(nil)
	if err := r.Register(api.StepTypeConfig{Type: "charge", Kind: api.KindRPC, Endpoint: srv.URL}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	run := api.NewRun(api.WorkflowDefinition{ID: "wf", Steps: []api.StepDefinition{{ID: "s1", Type: "charge"}}}, nil)
	step := api.StepDefinition{ID: "s1", Type: "charge", Parameters: map[string]any{"currency": "EUR"}}

	res, err := r.Execute(ctx, step, map[string]any{"amount": 12.5}, run)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != api.StepCompleted || res.Output["charged"] != true {
		t.Fatalf("unexpected result: %+v", res)
	}

	if received.StepConfig.ID != "s1" {
		t.Fatalf("envelope missing step config: %+v", received.StepConfig)
	}
	if received.InputData["amount"] != 12.5 {
		t.Fatalf("envelope missing input: %v", received.InputData)
	}
	if received.ExecutionContext["execution_id"] != run.ExecutionID {
		t.Fatalf("envelope missing execution context: %v", received.ExecutionContext)
	}
}

func TestHTTPStatusCodesMapToRetryClasses(t *testing.T) {
	ctx := context.Background()

	newEndpoint := func(status int) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(status)
		}))
	}

	cases := []struct {
		status int
		want   retry.Class
	}{
		{http.StatusInternalServerError, retry.ClassRetryable},
		{http.StatusBadGateway, retry.ClassRetryable},
		{http.StatusTooManyRequests, retry.ClassRetryable},
		{http.StatusBadRequest, retry.ClassNonRetryable},
		{http.StatusNotFound, retry.ClassNonRetryable},
	}

	for _, tc := range cases {
		srv := newEndpoint(tc.status)
		r := New(nil)
		if err := r.Register(api.StepTypeConfig{Type: "remote", Kind: api.KindAPI, Endpoint: srv.URL}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		_, err := r.Execute(ctx, api.StepDefinition{ID: "s", Type: "remote"}, nil, nil)
		if err == nil {
			t.Fatalf("status %d should error", tc.status)
		}
		if got := retry.Classify(err); got != tc.want {
			t.Fatalf("status %d classified %s, want %s", tc.status, got, tc.want)
		}
		srv.Close()
	}
}

func TestHTTPTransportErrorIsRetryable(t *testing.T) {
	r := New(nil)
	// Nothing listens here; the dial fails.
	if err := r.Register(api.StepTypeConfig{Type: "remote", Kind: api.KindRPC, Endpoint: "http://127.0.0.1:1/step"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := r.Execute(context.Background(), api.StepDefinition{ID: "s", Type: "remote"}, nil, nil)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if retry.Classify(err) != retry.ClassRetryable {
		t.Fatalf("transport faults must be retryable, got %s", retry.Classify(err))
	}
}

func TestInvokerDispatchResolvesAtCallTime(t *testing.T) {
	ctx := context.Background()
	r := New(nil)

	// The step type can be registered before its invoker exists.
	if err := r.Register(api.StepTypeConfig{Type: "ledger", Kind: api.KindGRPC, Invoker: "billing"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := r.Execute(ctx, api.StepDefinition{ID: "s", Type: "ledger"}, nil, nil)
	if err == nil {
		t.Fatal("missing invoker must error")
	}

	called := false
	err = r.RegisterInvoker("billing", api.InvokerFunc(func(ctx context.Context, step api.StepDefinition, input map[string]any, execCtx map[string]any) (map[string]any, error) {
		called = true
		return map[string]any{"posted": true}, nil
	}))
	if err != nil {
		t.Fatalf("RegisterInvoker failed: %v", err)
	}

	res, err := r.Execute(ctx, api.StepDefinition{ID: "s", Type: "ledger"}, nil, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !called || res.Output["posted"] != true {
		t.Fatalf("invoker not used: called=%v res=%+v", called, res)
	}
}
