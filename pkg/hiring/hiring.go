// Package hiring implements the Hiring Lifecycle Manager (component H):
// the owner of user-to-agent bindings, their status transitions, and their
// coordination with the Deployment Controller. It is a CRUD-plus-status-
// transition service sitting directly on the persistence layer, with the
// Deployment Controller invoked synchronously from status transitions.
package hiring

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/admission"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/deployment"
	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

// deploymentManager is the slice of *deployment.Controller this package
// depends on, carved out the same way pkg/dispatcher carves out
// deploymentEnsurer — so tests substitute a fake rather than standing up a
// real controller and supervisor.
type deploymentManager interface {
	EnsureDeployed(ctx context.Context, agent *store.Agent, hiring *store.Hiring) (*store.Deployment, error)
	Undeploy(ctx context.Context, hiringID string, grace time.Duration) error
}

var _ deploymentManager = (*deployment.Controller)(nil)

// Config bundles the Hiring Lifecycle Manager's tunables.
type Config struct {
	// UndeployGrace bounds how long a best-effort Undeploy waits for a
	// clean container stop before the Deployment Controller force-kills it.
	UndeployGrace time.Duration
	// AsyncDeployTimeout bounds the background EnsureDeployed call Hire and
	// Resume schedule; it does not block the calling goroutine.
	AsyncDeployTimeout time.Duration
}

// DefaultConfig's UndeployGrace matches the Deployment Controller's default
// StopGrace (10s); its AsyncDeployTimeout (60s) is shorter than the
// Controller's default DeployStartup (120s).
func DefaultConfig() Config {
	return Config{UndeployGrace: 10 * time.Second, AsyncDeployTimeout: 60 * time.Second}
}

// Manager is the Hiring Lifecycle Manager.
type Manager struct {
	store     store.Store
	admission *admission.Pipeline
	deployer  deploymentManager
	cfg       Config
	log       *slog.Logger
}

// New builds a Manager.
func New(st store.Store, adm *admission.Pipeline, deployer deploymentManager, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: st, admission: adm, deployer: deployer, cfg: cfg, log: log}
}

// Hire creates a hiring in the active state, validating config against the
// agent's initialize.inputSchema when the agent declares one. Non-
// function-sandboxed kinds get an asynchronous EnsureDeployed; the hiring
// is usable once the Deployment Controller reports running — callers may
// poll, or the first Execute will block on it.
func (m *Manager) Hire(ctx context.Context, userID, agentID string, config []byte) (*store.Hiring, error) {
	agent, err := m.store.Repos().Agents().Get(ctx, agentID)
	if err != nil {
		if err == rterrors.ErrNotFound {
			return nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeNotFound, "agent not found")
		}
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "load agent")
	}
	if agent.Status != store.AgentStatusApproved {
		return nil, rterrors.New(rterrors.CategoryLifecycle, rterrors.CodeAgentNotApproved, "agent is not approved")
	}

	if _, declaresInit := agent.Manifest.Operations["initialize"]; declaresInit {
		var decoded interface{}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &decoded); err != nil {
				return nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeSchemaViolation, "configuration is not valid JSON")
			}
		}
		if err := m.admission.ValidateInput(ctx, agentID, "initialize", decoded); err != nil {
			return nil, err
		}
	}

	hiring, err := m.store.Repos().Hirings().Create(ctx, &store.Hiring{
		AgentID:       agentID,
		UserID:        userID,
		Configuration: config,
		Status:        store.HiringStatusActive,
	})
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "create hiring")
	}

	if agent.Manifest.Kind != store.AgentKindFunctionSandboxed {
		m.scheduleEnsureDeployed(agent, hiring)
	}
	return hiring, nil
}

// Suspend transitions active -> suspended and best-effort undeploys.
func (m *Manager) Suspend(ctx context.Context, hiringID string) error {
	hiring, err := m.getLive(ctx, hiringID)
	if err != nil {
		return err
	}
	if hiring.Status != store.HiringStatusActive {
		return rterrors.New(rterrors.CategoryLifecycle, rterrors.CodeIllegalTransition, "hiring is not active")
	}
	hiring.Status = store.HiringStatusSuspended
	if _, err := m.store.Repos().Hirings().Update(ctx, hiring); err != nil {
		return m.wrapConflict(err, "update hiring")
	}
	m.scheduleUndeploy(hiringID)
	return nil
}

// Resume transitions suspended -> active and re-issues EnsureDeployed.
func (m *Manager) Resume(ctx context.Context, hiringID string) error {
	hiring, err := m.getLive(ctx, hiringID)
	if err != nil {
		return err
	}
	if hiring.Status != store.HiringStatusSuspended {
		return rterrors.New(rterrors.CategoryLifecycle, rterrors.CodeIllegalTransition, "hiring is not suspended")
	}
	hiring.Status = store.HiringStatusActive
	if _, err := m.store.Repos().Hirings().Update(ctx, hiring); err != nil {
		return m.wrapConflict(err, "update hiring")
	}

	agent, err := m.store.Repos().Agents().Get(ctx, hiring.AgentID)
	if err != nil {
		return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "load agent")
	}
	if agent.Manifest.Kind != store.AgentKindFunctionSandboxed {
		m.scheduleEnsureDeployed(agent, hiring)
	}
	return nil
}

// Cancel is terminal and idempotent: cancelling an already-cancelled
// hiring is a no-op, but every other operation on a cancelled hiring fails
// with HiringTerminated (see getLive).
func (m *Manager) Cancel(ctx context.Context, hiringID string) error {
	hiring, err := m.store.Repos().Hirings().Get(ctx, hiringID)
	if err != nil {
		if err == rterrors.ErrNotFound {
			return rterrors.New(rterrors.CategoryValidation, rterrors.CodeNotFound, "hiring not found")
		}
		return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "load hiring")
	}
	if hiring.Status == store.HiringStatusCancelled {
		return nil
	}
	hiring.Status = store.HiringStatusCancelled
	if _, err := m.store.Repos().Hirings().Update(ctx, hiring); err != nil {
		return m.wrapConflict(err, "update hiring")
	}
	m.scheduleUndeploy(hiringID)
	return nil
}

// UpdateConfig is allowed only while no deployment for this hiring is live.
func (m *Manager) UpdateConfig(ctx context.Context, hiringID string, newConfig []byte) (*store.Hiring, error) {
	hiring, err := m.getLive(ctx, hiringID)
	if err != nil {
		return nil, err
	}

	deployments, err := m.store.Repos().Deployments().List(ctx, store.DeploymentFilter{HiringID: hiringID, NonTerminal: true})
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "list deployments")
	}
	if len(deployments) > 0 {
		return nil, rterrors.New(rterrors.CategoryLifecycle, rterrors.CodeConfigLocked, "a deployment is live for this hiring")
	}

	hiring.Configuration = newConfig
	updated, err := m.store.Repos().Hirings().Update(ctx, hiring)
	if err != nil {
		return nil, m.wrapConflict(err, "update hiring")
	}
	return updated, nil
}

// getLive loads hiringID, failing with HiringTerminated if it is cancelled.
func (m *Manager) getLive(ctx context.Context, hiringID string) (*store.Hiring, error) {
	hiring, err := m.store.Repos().Hirings().Get(ctx, hiringID)
	if err != nil {
		if err == rterrors.ErrNotFound {
			return nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeNotFound, "hiring not found")
		}
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "load hiring")
	}
	if hiring.Status == store.HiringStatusCancelled {
		return nil, rterrors.New(rterrors.CategoryLifecycle, rterrors.CodeHiringTerminated, "hiring is cancelled")
	}
	return hiring, nil
}

func (m *Manager) wrapConflict(err error, msg string) error {
	if err == rterrors.ErrConflict {
		return rterrors.Wrap(rterrors.CategoryLifecycle, rterrors.CodeConflict, err, msg+": concurrent modification")
	}
	return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, msg)
}

// scheduleEnsureDeployed runs EnsureDeployed on a detached context so Hire
// and Resume can return immediately without blocking on deployment.
func (m *Manager) scheduleEnsureDeployed(agent *store.Agent, hiring *store.Hiring) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AsyncDeployTimeout)
		defer cancel()
		if _, err := m.deployer.EnsureDeployed(ctx, agent, hiring); err != nil {
			m.log.Error("async deploy failed", "hiring_id", hiring.ID, "agent_id", agent.ID, "error", err)
		}
	}()
}

// scheduleUndeploy runs Undeploy best-effort on a detached context.
func (m *Manager) scheduleUndeploy(hiringID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.UndeployGrace+5*time.Second)
		defer cancel()
		if err := m.deployer.Undeploy(ctx, hiringID, m.cfg.UndeployGrace); err != nil {
			m.log.Warn("best-effort undeploy failed", "hiring_id", hiringID, "error", err)
		}
	}()
}
