package hiring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/admission"
	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

const testManifest = `{
  "name": "weather-agent",
  "version": "1.0.0",
  "kind": "endpoint-server",
  "entry_point": "server",
  "operations": {
    "execute": {"inputSchema": {"type":"object"}, "outputSchema": {"type":"object"}},
    "initialize": {"inputSchema": {"type":"object","properties":{"apiKey":{"type":"string"}},"required":["apiKey"]}, "outputSchema": {"type":"object"}}
  },
  "deployment": {"health_path": "/health", "port": 8080, "operation_paths": {}},
  "pricing": {"kind": "free"}
}`

type fakeDeployer struct {
	deployCalls   int
	undeployCalls int
	deployErr     error
	undeployErr   error
}

func (f *fakeDeployer) EnsureDeployed(ctx context.Context, agent *store.Agent, hiring *store.Hiring) (*store.Deployment, error) {
	f.deployCalls++
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	return &store.Deployment{HiringID: hiring.ID, State: store.DeploymentRunning}, nil
}

func (f *fakeDeployer) Undeploy(ctx context.Context, hiringID string, grace time.Duration) error {
	f.undeployCalls++
	return f.undeployErr
}

func setupManager(t *testing.T) (*Manager, store.Store, *store.Agent, *fakeDeployer) {
	t.Helper()
	st := store.NewFake()
	adm := admission.New(st, nil)
	ctx := context.Background()

	agent, err := adm.AdmitAgent(ctx, []byte("bundle-bytes"), []byte(testManifest))
	require.NoError(t, err)
	agent, err = adm.ApproveAgent(ctx, agent.ID)
	require.NoError(t, err)

	deployer := &fakeDeployer{}
	m := New(st, adm, deployer, DefaultConfig(), nil)
	return m, st, agent, deployer
}

// waitForAsync gives the scheduled goroutine a chance to run; fakeDeployer
// calls are synchronous inside the goroutine so a short sleep is enough in
// a unit test that isn't asserting on strict timing.
func waitForAsync() { time.Sleep(50 * time.Millisecond) }

func TestHire_HappyPathSchedulesDeploy(t *testing.T) {
	m, _, agent, deployer := setupManager(t)

	hiring, err := m.Hire(context.Background(), "user-1", agent.ID, []byte(`{"apiKey":"k"}`))
	require.NoError(t, err)
	require.Equal(t, store.HiringStatusActive, hiring.Status)

	waitForAsync()
	require.Equal(t, 1, deployer.deployCalls)
}

func TestHire_RejectsInvalidInitializeConfig(t *testing.T) {
	m, _, agent, _ := setupManager(t)

	_, err := m.Hire(context.Background(), "user-1", agent.ID, []byte(`{}`))
	require.Error(t, err)
}

func TestHire_RejectsUnapprovedAgent(t *testing.T) {
	st := store.NewFake()
	adm := admission.New(st, nil)
	ctx := context.Background()
	agent, err := adm.AdmitAgent(ctx, []byte("bundle-bytes"), []byte(testManifest))
	require.NoError(t, err)

	m := New(st, adm, &fakeDeployer{}, DefaultConfig(), nil)
	_, err = m.Hire(ctx, "user-1", agent.ID, []byte(`{"apiKey":"k"}`))
	require.Error(t, err)
	require.Equal(t, rterrors.CodeAgentNotApproved, rterrors.GetCode(err))
}

func TestSuspendThenResume_SchedulesUndeployThenDeploy(t *testing.T) {
	m, _, agent, deployer := setupManager(t)
	hiring, err := m.Hire(context.Background(), "user-1", agent.ID, []byte(`{"apiKey":"k"}`))
	require.NoError(t, err)
	waitForAsync()

	require.NoError(t, m.Suspend(context.Background(), hiring.ID))
	waitForAsync()
	require.Equal(t, 1, deployer.undeployCalls)

	require.NoError(t, m.Resume(context.Background(), hiring.ID))
	waitForAsync()
	require.Equal(t, 2, deployer.deployCalls)
}

func TestCancel_IsTerminalAndIdempotent(t *testing.T) {
	m, _, agent, deployer := setupManager(t)
	hiring, err := m.Hire(context.Background(), "user-1", agent.ID, []byte(`{"apiKey":"k"}`))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), hiring.ID))
	waitForAsync()
	require.Equal(t, 1, deployer.undeployCalls)

	require.NoError(t, m.Cancel(context.Background(), hiring.ID))

	err = m.Suspend(context.Background(), hiring.ID)
	require.Error(t, err)
	require.Equal(t, rterrors.CodeHiringTerminated, rterrors.GetCode(err))
}

func TestUpdateConfig_FailsWhileDeploymentLive(t *testing.T) {
	m, st, agent, _ := setupManager(t)
	hiring, err := m.Hire(context.Background(), "user-1", agent.ID, []byte(`{"apiKey":"k"}`))
	require.NoError(t, err)

	_, err = st.Repos().Deployments().Create(context.Background(), &store.Deployment{HiringID: hiring.ID, State: store.DeploymentRunning})
	require.NoError(t, err)

	_, err = m.UpdateConfig(context.Background(), hiring.ID, []byte(`{"apiKey":"k2"}`))
	require.Error(t, err)
	require.Equal(t, rterrors.CodeConfigLocked, rterrors.GetCode(err))
}

func TestUpdateConfig_SucceedsWithNoLiveDeployment(t *testing.T) {
	m, _, agent, _ := setupManager(t)
	hiring, err := m.Hire(context.Background(), "user-1", agent.ID, []byte(`{"apiKey":"k"}`))
	require.NoError(t, err)

	updated, err := m.UpdateConfig(context.Background(), hiring.ID, []byte(`{"apiKey":"k2"}`))
	require.NoError(t, err)
	require.Equal(t, []byte(`{"apiKey":"k2"}`), updated.Configuration)
}
