package deployment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/proxy"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/supervisor"
)

// fakeSupervisor is a scriptable stand-in for *supervisor.Supervisor,
// letting the controller's state machine be exercised without a real
// sandbox or container engine.
type fakeSupervisor struct {
	mu          sync.Mutex
	buildErr    error
	startErr    error
	probeResult *supervisor.ProbeResult
	probeErr    error
	stopped     []string
}

func (f *fakeSupervisor) Build(ctx context.Context, bundle []byte, manifest store.Manifest, caps, requested store.ResourceCaps) (*supervisor.BuildResult, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &supervisor.BuildResult{Tag: "fake-tag"}, nil
}

func (f *fakeSupervisor) Start(ctx context.Context, tag string, manifest store.Manifest, env map[string]string, caps store.ResourceCaps) (*supervisor.StartResult, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &supervisor.StartResult{Handle: supervisor.Handle("h-1"), InternalEndpoint: "127.0.0.1:9999"}, nil
}

func (f *fakeSupervisor) Probe(ctx context.Context, kind store.AgentKind, h supervisor.Handle, manifest store.Manifest) (*supervisor.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	if f.probeResult != nil {
		return f.probeResult, nil
	}
	return &supervisor.ProbeResult{Healthy: true}, nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, kind store.AgentKind, h supervisor.Handle, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, string(h))
	return nil
}

func testAgentAndHiring(t *testing.T, st store.Store) (*store.Agent, *store.Hiring) {
	t.Helper()
	ctx := context.Background()
	agent, err := st.Repos().Agents().Create(ctx, &store.Agent{
		CodeDigest: "digest-1",
		Manifest:   store.Manifest{Name: "weather-agent", Version: "1.0.0", Kind: store.AgentKindFunctionSandboxed},
		Status:     store.AgentStatusApproved,
	})
	require.NoError(t, err)

	hiring, err := st.Repos().Hirings().Create(ctx, &store.Hiring{
		AgentID: agent.ID,
		Status:  store.HiringStatusActive,
	})
	require.NoError(t, err)

	return agent, hiring
}

func newTestController(t *testing.T, sup *fakeSupervisor) (*Controller, store.Store) {
	t.Helper()
	st := store.NewFake()
	routes := proxy.NewRouteTable()
	cfg := DefaultConfig()
	cfg.DeployStartup = 2 * time.Second
	cfg.ProbeInterval = 50 * time.Millisecond
	c := New(st, nil, sup, routes, cfg, nil)
	return c, st
}

func TestEnsureDeployed_HappyPathReachesRunning(t *testing.T) {
	sup := &fakeSupervisor{}
	c, st := newTestController(t, sup)
	agent, hiring := testAgentAndHiring(t, st)

	dep, err := c.EnsureDeployed(context.Background(), agent, hiring)
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentRunning, dep.State)
	assert.Equal(t, "127.0.0.1:9999", dep.InternalEndpoint)

	endpoint, ok := c.routes.Lookup(dep.ID)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9999", endpoint)
}

func TestEnsureDeployed_IsIdempotentOnceRunning(t *testing.T) {
	sup := &fakeSupervisor{}
	c, st := newTestController(t, sup)
	agent, hiring := testAgentAndHiring(t, st)

	first, err := c.EnsureDeployed(context.Background(), agent, hiring)
	require.NoError(t, err)

	second, err := c.EnsureDeployed(context.Background(), agent, hiring)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestEnsureDeployed_BuildFailureFailsDeployment(t *testing.T) {
	sup := &fakeSupervisor{buildErr: assert.AnError}
	c, st := newTestController(t, sup)
	agent, hiring := testAgentAndHiring(t, st)

	_, err := c.EnsureDeployed(context.Background(), agent, hiring)
	require.Error(t, err)

	deps, getErr := st.Repos().Deployments().List(context.Background(), store.DeploymentFilter{HiringID: hiring.ID})
	require.NoError(t, getErr)
	require.Len(t, deps, 1)
	dep := deps[0]
	assert.Equal(t, store.DeploymentFailed, dep.State)

	_, ok := c.routes.Lookup(dep.ID)
	assert.False(t, ok)
}

func TestUndeploy_RemovesRouteAndMarksStopped(t *testing.T) {
	sup := &fakeSupervisor{}
	c, st := newTestController(t, sup)
	agent, hiring := testAgentAndHiring(t, st)

	dep, err := c.EnsureDeployed(context.Background(), agent, hiring)
	require.NoError(t, err)

	require.NoError(t, c.Undeploy(context.Background(), hiring.ID, 5*time.Second))

	reloaded, err := st.Repos().Deployments().Get(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentStopped, reloaded.State)

	_, ok := c.routes.Lookup(dep.ID)
	assert.False(t, ok)
	assert.Contains(t, sup.stopped, "h-1")
}

func TestHandleUnhealthy_RestartsUntilBudgetExhausted(t *testing.T) {
	sup := &fakeSupervisor{}
	c, st := newTestController(t, sup)
	c.cfg.UnhealthyThreshold = 1
	c.cfg.MaxRestarts = 1
	agent, hiring := testAgentAndHiring(t, st)

	dep, err := c.EnsureDeployed(context.Background(), agent, hiring)
	require.NoError(t, err)

	dep.ConsecutiveUnhealthy = 1
	dep.LastProbeAt = time.Now()
	_, err = st.Repos().Deployments().Update(context.Background(), dep)
	require.NoError(t, err)

	c.handleUnhealthy(context.Background(), dep.ID, "probe failed")

	assert.Contains(t, sup.stopped, "h-1", "the unhealthy container is stopped before rebuild")
	time.Sleep(100 * time.Millisecond)

	reloaded, err := st.Repos().Deployments().Get(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.RestartsInWindow)

	reloaded.ConsecutiveUnhealthy = 1
	_, err = st.Repos().Deployments().Update(context.Background(), reloaded)
	require.NoError(t, err)

	c.handleUnhealthy(context.Background(), dep.ID, "probe failed again")

	final, err := st.Repos().Deployments().Get(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentFailed, final.State)
}
