package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/admission"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/supervisor"
)

const manifestJSON = `{
  "name": "weather-agent",
  "version": "1.0.0",
  "kind": "function-sandboxed",
  "entry_point": "main.py",
  "operations": {
    "execute": {
      "inputSchema": {"type":"object","properties":{"city":{"type":"string"}},"required":["city"]},
      "outputSchema": {"type":"object","properties":{"tempC":{"type":"number"}},"required":["tempC"]}
    }
  },
  "pricing": {"kind": "free"}
}`

type fakeDeployer struct {
	dep *store.Deployment
	err error
}

func (f *fakeDeployer) EnsureDeployed(ctx context.Context, agent *store.Agent, hiring *store.Hiring) (*store.Deployment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.dep, nil
}

type fakeExecSupervisor struct {
	output   []byte
	exitCode int
	execErr  error
}

func (f *fakeExecSupervisor) Exec(ctx context.Context, kind store.AgentKind, h supervisor.Handle, manifest store.Manifest, payload []byte, timeout time.Duration) (*supervisor.ExecResult, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &supervisor.ExecResult{Output: f.output, ExitCode: f.exitCode}, nil
}

func (f *fakeExecSupervisor) Stop(ctx context.Context, kind store.AgentKind, h supervisor.Handle, grace time.Duration) error {
	return nil
}

func setup(t *testing.T) (*Dispatcher, store.Store, *store.Agent, *store.Hiring, *fakeExecSupervisor) {
	t.Helper()
	st := store.NewFake()
	adm := admission.New(st, nil)
	ctx := context.Background()

	agent, err := adm.AdmitAgent(ctx, []byte("bundle-bytes"), []byte(manifestJSON))
	require.NoError(t, err)
	agent, err = adm.ApproveAgent(ctx, agent.ID)
	require.NoError(t, err)

	hiring, err := st.Repos().Hirings().Create(ctx, &store.Hiring{AgentID: agent.ID, UserID: "user-1", Status: store.HiringStatusActive})
	require.NoError(t, err)

	dep := &store.Deployment{HiringID: hiring.ID, Kind: store.AgentKindFunctionSandboxed, State: store.DeploymentRunning, ContainerHandle: "h-1"}
	sup := &fakeExecSupervisor{output: []byte(`{"tempC": 21.5}`), exitCode: 0}
	deployer := &fakeDeployer{dep: dep}

	cfg := DefaultConfig()
	cfg.ExecutionTimeout = 2 * time.Second
	d := New(st, adm, deployer, sup, cfg, nil)
	return d, st, agent, hiring, sup
}

func TestExecute_HappyPathCompletes(t *testing.T) {
	d, _, _, hiring, _ := setup(t)

	exec, err := d.Execute(context.Background(), hiring.ID, "execute", []byte(`{"city":"Paris"}`))
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCompleted, exec.State)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(exec.Output, &out))
	require.EqualValues(t, 21.5, out["tempC"])
}

func TestExecute_RejectsInvalidInput(t *testing.T) {
	d, _, _, hiring, _ := setup(t)

	_, err := d.Execute(context.Background(), hiring.ID, "execute", []byte(`{}`))
	require.Error(t, err)
}

func TestExecute_HiringNotActiveFailsFast(t *testing.T) {
	d, st, _, hiring, _ := setup(t)
	hiring.Status = store.HiringStatusSuspended
	_, err := st.Repos().Hirings().Update(context.Background(), hiring)
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), hiring.ID, "execute", []byte(`{"city":"Paris"}`))
	require.Error(t, err)
}

func TestExecute_AgentExitCodeFailsExecution(t *testing.T) {
	d, _, _, hiring, sup := setup(t)
	sup.exitCode = 1

	exec, err := d.Execute(context.Background(), hiring.ID, "execute", []byte(`{"city":"Paris"}`))
	require.Error(t, err)
	require.Equal(t, store.ExecutionFailed, exec.State)
}

func TestExecute_EndpointKindInvokesOverHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tempC": 10}`))
	}))
	defer upstream.Close()

	st := store.NewFake()
	adm := admission.New(st, nil)
	ctx := context.Background()
	endpointManifest := `{
	  "name": "endpoint-agent", "version": "1.0.0", "kind": "endpoint-server",
	  "entry_point": "server",
	  "operations": {"execute": {"inputSchema": {"type":"object"}, "outputSchema": {"type":"object"}}},
	  "deployment": {"health_path": "/health", "port": 8080, "operation_paths": {"execute": "/run"}},
	  "pricing": {"kind": "free"}
	}`
	agent, err := adm.AdmitAgent(ctx, []byte("bundle-bytes"), []byte(endpointManifest))
	require.NoError(t, err)
	agent, err = adm.ApproveAgent(ctx, agent.ID)
	require.NoError(t, err)

	hiring, err := st.Repos().Hirings().Create(ctx, &store.Hiring{AgentID: agent.ID, Status: store.HiringStatusActive})
	require.NoError(t, err)

	dep := &store.Deployment{HiringID: hiring.ID, Kind: store.AgentKindEndpointServer, State: store.DeploymentRunning, ProxyRoute: "/p/dep-1"}
	deployer := &fakeDeployer{dep: dep}
	cfg := DefaultConfig()
	cfg.ProxyBaseURL = upstream.URL
	d := New(st, adm, deployer, &fakeExecSupervisor{}, cfg, nil)

	exec, err := d.Execute(ctx, hiring.ID, "execute", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCompleted, exec.State)
}

func TestExecutionStatus_ReturnsPersistedExecution(t *testing.T) {
	d, _, _, hiring, _ := setup(t)

	exec, err := d.Execute(context.Background(), hiring.ID, "execute", []byte(`{"city":"Paris"}`))
	require.NoError(t, err)

	status, err := d.ExecutionStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, exec.ID, status.ID)
	require.Equal(t, store.ExecutionCompleted, status.State)
}

func TestExecutionStatus_UnknownIDFails(t *testing.T) {
	d, _, _, _, _ := setup(t)

	_, err := d.ExecutionStatus(context.Background(), "no-such-execution")
	require.Error(t, err)
}
