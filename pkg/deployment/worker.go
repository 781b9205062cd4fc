package deployment

import (
	"context"
	"time"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/supervisor"
)

// startTask spawns the controller goroutine for a deployment if one isn't
// already running. Exactly one task per deployment owns all state
// mutations for it.
func (c *Controller) startTask(deploymentID string) {
	c.mu.Lock()
	if _, ok := c.tasks[deploymentID]; ok {
		c.mu.Unlock()
		return
	}
	task := &controllerTask{
		deploymentID: deploymentID,
		inbox:        make(chan inboxEvent, 32),
		done:         make(chan struct{}),
	}
	c.tasks[deploymentID] = task
	c.mu.Unlock()

	go c.runTask(task)
}

func (c *Controller) stopTask(deploymentID string) {
	c.mu.Lock()
	task, ok := c.tasks[deploymentID]
	delete(c.tasks, deploymentID)
	c.mu.Unlock()
	if ok {
		close(task.done)
	}
}

func (c *Controller) enqueue(deploymentID string, ev inboxEvent) {
	c.mu.Lock()
	task, ok := c.tasks[deploymentID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case task.inbox <- ev:
	case <-task.done:
	}
}

// runTask is the controller loop: it consumes the deployment's inbox
// strictly in order, driving the build -> start -> probe state machine
// and, once running, a periodic health probe.
func (c *Controller) runTask(task *controllerTask) {
	ctx := context.Background()
	probeTicker := time.NewTicker(c.cfg.ProbeInterval)
	defer probeTicker.Stop()

	for {
		select {
		case <-task.done:
			return
		case ev := <-task.inbox:
			switch ev.kind {
			case eventAdvance:
				c.advance(ctx, task.deploymentID)
			case eventProbeResult:
				c.handleUnhealthy(ctx, task.deploymentID, ev.reason)
			case eventStop:
				return
			}
		case <-probeTicker.C:
			c.probeIfRunning(ctx, task.deploymentID)
		}
	}
}

// advance drives one deployment from pending through building, starting,
// to running (or failed), acquiring the build/start concurrency
// semaphores along the way.
func (c *Controller) advance(ctx context.Context, deploymentID string) {
	repos := c.store.Repos()
	dep, err := repos.Deployments().Get(ctx, deploymentID)
	if err != nil {
		return
	}

	agent, hiring, err := c.loadAgentAndHiring(ctx, dep)
	if err != nil {
		c.fail(ctx, dep, "resolve agent/hiring for deployment: "+err.Error())
		return
	}

	var bundle []byte
	if c.blobs != nil && agent.BundleLocation != "" {
		bundle, err = c.blobs.GetBundle(ctx, agent.BundleLocation)
		if err != nil {
			c.fail(ctx, dep, "fetch bundle blob: "+err.Error())
			return
		}
	}

	if err := c.buildSem.Acquire(ctx, 1); err != nil {
		return
	}
	dep.State = store.DeploymentBuilding
	dep, _ = repos.Deployments().Update(ctx, dep)

	built, err := c.supervisor.Build(ctx, bundle, agent.Manifest, dep.Caps, dep.Caps)
	c.buildSem.Release(1)
	if err != nil {
		c.fail(ctx, dep, "build failed: "+err.Error())
		return
	}

	if err := c.startSem.Acquire(ctx, 1); err != nil {
		return
	}
	dep.State = store.DeploymentStarting
	dep, _ = repos.Deployments().Update(ctx, dep)

	env := map[string]string{"TARSY_HIRING_ID": hiring.ID, "TARSY_AGENT_ID": agent.ID}
	started, err := c.supervisor.Start(ctx, built.Tag, agent.Manifest, env, dep.Caps)
	c.startSem.Release(1)
	if err != nil {
		c.fail(ctx, dep, "start failed: "+err.Error())
		return
	}

	dep.ContainerHandle = string(started.Handle)
	dep.InternalEndpoint = started.InternalEndpoint
	dep.ProxyRoute = "/p/" + dep.ID

	probe, err := c.supervisor.Probe(ctx, dep.Kind, started.Handle, agent.Manifest)
	if err != nil || !probe.Healthy {
		reason := "probe error"
		if probe != nil {
			reason = probe.Reason
		}
		c.fail(ctx, dep, "initial probe unhealthy: "+reason)
		return
	}

	dep.State = store.DeploymentRunning
	dep.LastProbeAt = time.Now()
	dep.LastProbeHealthy = true
	dep.ConsecutiveUnhealthy = 0
	if _, err := repos.Deployments().Update(ctx, dep); err != nil {
		return
	}

	if dep.InternalEndpoint != "" {
		c.routes.Set(dep.ID, dep.InternalEndpoint)
	}
}

func (c *Controller) probeIfRunning(ctx context.Context, deploymentID string) {
	repos := c.store.Repos()
	dep, err := repos.Deployments().Get(ctx, deploymentID)
	if err != nil || dep.State != store.DeploymentRunning {
		return
	}

	agent, _, err := c.loadAgentAndHiring(ctx, dep)
	if err != nil {
		return
	}

	result, err := c.supervisor.Probe(ctx, dep.Kind, supervisor.Handle(dep.ContainerHandle), agent.Manifest)
	dep.LastProbeAt = time.Now()
	if err != nil || !result.Healthy {
		reason := "probe error"
		if result != nil {
			reason = result.Reason
		}
		dep.LastProbeHealthy = false
		dep.LastProbeReason = reason
		dep.ConsecutiveUnhealthy++
		repos.Deployments().Update(ctx, dep)
		c.ReportUnhealthy(ctx, dep.ID, reason)
		return
	}

	dep.LastProbeHealthy = true
	dep.LastProbeReason = ""
	dep.ConsecutiveUnhealthy = 0
	repos.Deployments().Update(ctx, dep)
}

// handleUnhealthy implements the restart policy: once consecutive
// unhealthy probes reach UnhealthyThreshold within UnhealthyWindow, the
// deployment transitions running -> unhealthy -> stopping -> stopped,
// its old container is stopped, and a rebuild is scheduled, bounded by
// MaxRestarts within a sliding RestartWindow (see DESIGN.md's Open
// Question decision on restart-window semantics).
func (c *Controller) handleUnhealthy(ctx context.Context, deploymentID, reason string) {
	repos := c.store.Repos()
	dep, err := repos.Deployments().Get(ctx, deploymentID)
	if err != nil {
		return
	}

	if time.Since(dep.LastProbeAt) > c.cfg.UnhealthyWindow {
		dep.ConsecutiveUnhealthy = 0
	}

	if dep.ConsecutiveUnhealthy < c.cfg.UnhealthyThreshold {
		return
	}

	dep.State = store.DeploymentUnhealthy
	if dep, err = repos.Deployments().Update(ctx, dep); err != nil {
		return
	}

	if time.Since(dep.RestartWindowStart) > c.cfg.RestartWindow {
		dep.RestartsInWindow = 0
		dep.RestartWindowStart = time.Now()
	}

	if dep.RestartsInWindow >= c.cfg.MaxRestarts {
		c.fail(ctx, dep, "unhealthy threshold exceeded and restart budget exhausted: "+reason)
		return
	}

	dep.State = store.DeploymentStopping
	c.routes.Remove(dep.ID)
	if dep, err = repos.Deployments().Update(ctx, dep); err != nil {
		return
	}

	if dep.ContainerHandle != "" {
		if err := c.supervisor.Stop(ctx, dep.Kind, supervisor.Handle(dep.ContainerHandle), c.cfg.StopGrace); err != nil {
			c.log.WarnContext(ctx, "supervisor stop reported an error during restart; rebuilding anyway", "deployment", dep.ID, "error", err)
		}
	}

	dep.State = store.DeploymentStopped
	dep.RestartsInWindow++
	dep.ConsecutiveUnhealthy = 0
	dep.ContainerHandle = ""
	if _, err := repos.Deployments().Update(ctx, dep); err != nil {
		return
	}

	c.enqueue(dep.ID, inboxEvent{kind: eventAdvance})
}

func (c *Controller) fail(ctx context.Context, dep *store.Deployment, reason string) {
	dep.State = store.DeploymentFailed
	dep.LastProbeReason = reason
	c.routes.Remove(dep.ID)
	c.store.Repos().Deployments().Update(ctx, dep)
}

func (c *Controller) loadAgentAndHiring(ctx context.Context, dep *store.Deployment) (*store.Agent, *store.Hiring, error) {
	repos := c.store.Repos()
	hiring, err := repos.Hirings().Get(ctx, dep.HiringID)
	if err != nil {
		return nil, nil, err
	}
	agent, err := repos.Agents().Get(ctx, hiring.AgentID)
	if err != nil {
		return nil, nil, err
	}
	return agent, hiring, nil
}
