// Package deployment is the Deployment Controller (component D): the
// per-deployment state machine, one serialized inbox per active
// deployment, plus the proxy route table the Reverse Proxy reads. A pool
// object owns a set of per-deployment tasks, each consuming its own inbox
// in strict order.
package deployment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/blobstore"
	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/proxy"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/supervisor"
)

// Config tunes the controller's timing and concurrency knobs.
type Config struct {
	DeployStartup      time.Duration // default 120s
	ProbeInterval      time.Duration // default 10s
	UnhealthyThreshold int           // default 3
	UnhealthyWindow    time.Duration // default 60s
	MaxRestarts        int           // default 5
	RestartWindow       time.Duration // default 10m
	MaxConcurrentBuilds int64        // default 2
	MaxConcurrentStarts int64        // default 8
	StopGrace          time.Duration // default 10s
}

// DefaultConfig returns the stated defaults.
func DefaultConfig() Config {
	return Config{
		DeployStartup:        120 * time.Second,
		ProbeInterval:        10 * time.Second,
		UnhealthyThreshold:   3,
		UnhealthyWindow:      60 * time.Second,
		MaxRestarts:          5,
		RestartWindow:        10 * time.Minute,
		MaxConcurrentBuilds:  2,
		MaxConcurrentStarts:  8,
		StopGrace:            10 * time.Second,
	}
}

// inboxEvent is one event appended to a deployment's serialized inbox.
type inboxEvent struct {
	kind     eventKind
	reason   string
	waiters  []chan error // not set or read; EnsureDeployed polls the store instead of waiting here
}

type eventKind int

const (
	eventAdvance eventKind = iota
	eventProbeResult
	eventStop
)

// controllerTask is the single goroutine owning one deployment's state.
type controllerTask struct {
	deploymentID string
	inbox        chan inboxEvent
	done         chan struct{}
}

// supervisorEngine is the slice of *supervisor.Supervisor the controller
// needs, extracted as an interface so tests can substitute a fake rather
// than standing up real sandbox/container engines.
type supervisorEngine interface {
	Build(ctx context.Context, bundle []byte, manifest store.Manifest, caps, requested store.ResourceCaps) (*supervisor.BuildResult, error)
	Start(ctx context.Context, tag string, manifest store.Manifest, env map[string]string, caps store.ResourceCaps) (*supervisor.StartResult, error)
	Probe(ctx context.Context, kind store.AgentKind, h supervisor.Handle, manifest store.Manifest) (*supervisor.ProbeResult, error)
	Stop(ctx context.Context, kind store.AgentKind, h supervisor.Handle, grace time.Duration) error
}

var _ supervisorEngine = (*supervisor.Supervisor)(nil)

// Controller is the Deployment Controller.
type Controller struct {
	store      store.Store
	blobs      *blobstore.Store
	supervisor supervisorEngine
	routes     *proxy.RouteTable
	cfg        Config
	log        *slog.Logger

	buildSem *semaphore.Weighted
	startSem *semaphore.Weighted

	mu          sync.Mutex
	tasks       map[string]*controllerTask // deploymentID -> task
	hiringLocks map[string]*sync.Mutex     // hiringID -> serialization lock (tie-break on re-activation)
}

// New builds a Controller bound to st, sup, and the shared proxy route
// table (populated here, read by the Reverse Proxy).
func New(st store.Store, blobs *blobstore.Store, sup supervisorEngine, routes *proxy.RouteTable, cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		store:       st,
		blobs:       blobs,
		supervisor:  sup,
		routes:      routes,
		cfg:         cfg,
		log:         log,
		buildSem:    semaphore.NewWeighted(cfg.MaxConcurrentBuilds),
		startSem:    semaphore.NewWeighted(cfg.MaxConcurrentStarts),
		tasks:       map[string]*controllerTask{},
		hiringLocks: map[string]*sync.Mutex{},
	}
}

func (c *Controller) hiringLock(hiringID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.hiringLocks[hiringID]
	if !ok {
		l = &sync.Mutex{}
		c.hiringLocks[hiringID] = l
	}
	return l
}

// EnsureDeployed is idempotent: it returns immediately if hiring already
// has a running deployment, otherwise creates one, advances the state
// machine, and blocks the caller (bounded by DeployStartup) until running
// or a terminal failure. Serialized per hiring so a re-activation that
// races a still-stopping prior deployment waits for it to finish
// stopping first.
func (c *Controller) EnsureDeployed(ctx context.Context, agent *store.Agent, hiring *store.Hiring) (*store.Deployment, error) {
	lock := c.hiringLock(hiring.ID)
	lock.Lock()
	defer lock.Unlock()

	repos := c.store.Repos()
	existing, err := repos.Deployments().GetCurrentForHiring(ctx, hiring.ID)
	if err != nil && err != rterrors.ErrNotFound {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "load current deployment")
	}
	if existing != nil {
		if existing.State == store.DeploymentRunning {
			return existing, nil
		}
		if existing.State == store.DeploymentStopping {
			if err := c.awaitStopped(ctx, existing.ID); err != nil {
				return nil, err
			}
		} else {
			return c.awaitRunning(ctx, existing.ID)
		}
	}

	caps := store.ResourceCaps{MemoryBytes: 128 << 20, CPUFraction: 0.25, PIDs: 50}
	if agent.Manifest.Resources != nil {
		caps = *agent.Manifest.Resources
	}

	dep := &store.Deployment{
		HiringID:           hiring.ID,
		Kind:               agent.Manifest.Kind,
		State:              store.DeploymentPending,
		Caps:               caps,
		RestartWindowStart: timeNow(),
	}
	dep.ProxyRoute = "" // assigned once running

	created, err := repos.Deployments().Create(ctx, dep)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "create deployment")
	}

	c.startTask(created.ID)
	c.enqueue(created.ID, inboxEvent{kind: eventAdvance})

	return c.awaitRunning(ctx, created.ID)
}

// awaitRunning polls the deployment's persisted state until it reaches
// running or a terminal state, bounded by DeployStartup. The controller
// task itself keeps progressing in the background after DeployTimeout —
// only the caller gives up.
func (c *Controller) awaitRunning(ctx context.Context, deploymentID string) (*store.Deployment, error) {
	deadline := time.After(c.cfg.DeployStartup)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeDeployTimeout, fmt.Sprintf("deployment did not become running within %s", c.cfg.DeployStartup))
		case <-ticker.C:
			dep, err := c.store.Repos().Deployments().Get(ctx, deploymentID)
			if err != nil {
				return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "poll deployment state")
			}
			switch dep.State {
			case store.DeploymentRunning:
				return dep, nil
			case store.DeploymentFailed:
				return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeDeployFailed, "deployment failed")
			}
		}
	}
}

func (c *Controller) awaitStopped(ctx context.Context, deploymentID string) error {
	deadline := time.After(c.cfg.DeployStartup)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeDeployTimeout, "prior deployment did not stop in time")
		case <-ticker.C:
			dep, err := c.store.Repos().Deployments().Get(ctx, deploymentID)
			if err != nil {
				return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "poll deployment state")
			}
			if dep.State.Terminal() {
				return nil
			}
		}
	}
}

// Undeploy transitions a deployment to stopping, calls the Supervisor's
// Stop, marks it stopped, and releases the proxy route. Best-effort: a
// missing or already-stopped deployment is not an error.
func (c *Controller) Undeploy(ctx context.Context, hiringID string, grace time.Duration) error {
	repos := c.store.Repos()
	dep, err := repos.Deployments().GetCurrentForHiring(ctx, hiringID)
	if err == rterrors.ErrNotFound || dep == nil {
		return nil
	}
	if err != nil {
		return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "load current deployment")
	}
	if dep.State.Terminal() {
		return nil
	}

	dep.State = store.DeploymentStopping
	dep, err = repos.Deployments().Update(ctx, dep)
	if err != nil {
		return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "mark deployment stopping")
	}

	c.routes.Remove(dep.ID)

	if err := c.supervisor.Stop(ctx, dep.Kind, supervisor.Handle(dep.ContainerHandle), grace); err != nil {
		c.log.WarnContext(ctx, "supervisor stop reported an error; treating deployment as stopped anyway", "deployment", dep.ID, "error", err)
	}

	dep.State = store.DeploymentStopped
	if _, err := repos.Deployments().Update(ctx, dep); err != nil {
		return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "mark deployment stopped")
	}

	c.stopTask(dep.ID)
	return nil
}

// ReportUnhealthy appends a probe-failure event to deploymentID's inbox.
// Once consecutive unhealthy probes reach UnhealthyThreshold within
// UnhealthyWindow, the deployment goes unhealthy -> stopping -> stopped
// and is rebuilt, bounded by MaxRestarts within RestartWindow; when the
// restarts are used up it is marked failed instead.
func (c *Controller) ReportUnhealthy(ctx context.Context, deploymentID, reason string) {
	c.enqueue(deploymentID, inboxEvent{kind: eventProbeResult, reason: reason})
}

// List delegates to the store for readers.
func (c *Controller) List(ctx context.Context, filter store.DeploymentFilter) ([]*store.Deployment, error) {
	return c.store.Repos().Deployments().List(ctx, filter)
}

func timeNow() time.Time { return time.Now() }
