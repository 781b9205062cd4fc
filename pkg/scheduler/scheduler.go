// Package scheduler is the Scheduler & Cleanup component (component I): a
// single periodic tick that sweeps four unrelated kinds of drift out of
// the system. A ticker loop selects on ctx.Done()/a stop channel, logs
// failures without aborting the sweep, and ends a pass that changed
// anything with a "scheduler sweep completed" log line carrying the
// per-duty counts.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/supervisor"
)

// deploymentReaper is the narrow slice of the Deployment Controller the
// Scheduler needs: reissuing Undeploy for a hiring whose deployment is
// stuck non-terminal after the hiring itself went cancelled or suspended.
type deploymentReaper interface {
	Undeploy(ctx context.Context, hiringID string, grace time.Duration) error
}

// containerReaper is the narrow slice of the Container Supervisor the
// Scheduler needs for orphan-container discovery: list everything the
// container engine considers running, then stop whatever has no matching
// deployment row.
type containerReaper interface {
	ListContainerHandles(ctx context.Context) ([]supervisor.Handle, error)
	Stop(ctx context.Context, kind store.AgentKind, h supervisor.Handle, grace time.Duration) error
}

var _ containerReaper = (*supervisor.Supervisor)(nil)

// Config tunes the sweep's cadence and thresholds. cmd/tarsyd fills it from
// the loaded configuration at wiring time rather than this package importing
// pkg/config directly, matching every other component's Config/DefaultConfig
// pattern.
type Config struct {
	Interval            time.Duration // default 30s
	StaleExecutionAfter time.Duration // default 10m; compared against executionTimeout*2 by the caller
	OrphanGrace         time.Duration // grace period handed to Stop/Undeploy for reaped items

	// DeploymentReapAfter is the minimum time a deployment must have sat
	// non-terminal since its last update before duty 1 reaps it — long
	// enough that the hiring operation's own best-effort async Undeploy
	// goroutine has had a real chance to finish first, so the Scheduler
	// only acts as a backstop for a goroutine that actually died, not a
	// race against one still in flight.
	DeploymentReapAfter time.Duration // default 1h

	// BudgetCheckInterval throttles duty 3 independently of Interval: a
	// deployment that's deployed with a 5s sweep interval for fast
	// orphan/stale-execution reaping shouldn't also hammer every user's
	// budget row that often, since a budget only ever needs rolling once
	// a calendar month.
	BudgetCheckInterval time.Duration // default 1m
}

// DefaultConfig returns the stated defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		StaleExecutionAfter: 10 * time.Minute,
		OrphanGrace:         10 * time.Second,
		DeploymentReapAfter: time.Hour,
		BudgetCheckInterval: time.Minute,
	}
}

// SweepCounts summarizes one tick's work, for logging and tests.
type SweepCounts struct {
	DeploymentsReaped int
	OrphansReaped     int
	BudgetsRolled     int
	ExecutionsMarkedStale int
}

// Scheduler runs the four periodic cleanup duties on one shared tick.
type Scheduler struct {
	store      store.Store
	deployer   deploymentReaper
	supervisor containerReaper
	cfg        Config
	log        *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.Mutex
	lastTick        time.Time
	lastBudgetCheck time.Time
}

// New builds a Scheduler. supervisor may be nil to skip orphan-container
// reaping entirely (useful in tests that only exercise the other three
// duties and have no container engine to discover handles from).
func New(st store.Store, deployer deploymentReaper, sup containerReaper, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:      st,
		deployer:   deployer,
		supervisor: sup,
		cfg:        cfg,
		log:        log,
		stopCh:     make(chan struct{}),
	}
}

// LastTick returns when the most recent sweep completed, the zero Time if
// none has run yet. Exposed for the runtime health check to flag a
// Scheduler that's stopped ticking as degraded.
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// Run starts the periodic tick in a background goroutine; call Stop to end
// it. All replicas run this independently — every duty below is idempotent,
// so concurrent sweeps from multiple processes never double-apply damage.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop ends the background tick and waits for the in-flight sweep, if any,
// to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Tick runs all four duties once, logging but not aborting on a duty's
// failure so the remaining three still get a chance to run.
func (s *Scheduler) Tick(ctx context.Context) SweepCounts {
	var counts SweepCounts

	n, err := s.reapDeadHiringDeployments(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "reap dead-hiring deployments failed", "error", err)
	}
	counts.DeploymentsReaped = n

	n, err = s.reapOrphanContainers(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "reap orphan containers failed", "error", err)
	}
	counts.OrphansReaped = n

	if s.dueForBudgetCheck() {
		n, err = s.rollBudgetWindows(ctx)
		if err != nil {
			s.log.ErrorContext(ctx, "roll budget windows failed", "error", err)
		}
		counts.BudgetsRolled = n
		s.mu.Lock()
		s.lastBudgetCheck = time.Now()
		s.mu.Unlock()
	}

	n, err = s.markStaleExecutions(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "mark stale executions failed", "error", err)
	}
	counts.ExecutionsMarkedStale = n

	s.mu.Lock()
	s.lastTick = time.Now()
	s.mu.Unlock()

	if counts.DeploymentsReaped+counts.OrphansReaped+counts.BudgetsRolled+counts.ExecutionsMarkedStale > 0 {
		s.log.InfoContext(ctx, "scheduler sweep completed",
			"deployments_reaped", counts.DeploymentsReaped,
			"orphans_reaped", counts.OrphansReaped,
			"budgets_rolled", counts.BudgetsRolled,
			"executions_marked_stale", counts.ExecutionsMarkedStale)
	}
	return counts
}

// dueForBudgetCheck reports whether enough time has passed since the last
// budget-window roll to run it again this tick.
func (s *Scheduler) dueForBudgetCheck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBudgetCheck.IsZero() || time.Since(s.lastBudgetCheck) >= s.cfg.BudgetCheckInterval
}

// reapDeadHiringDeployments re-issues Undeploy for any deployment still
// non-terminal after its hiring went cancelled or suspended — the hiring
// operation schedules Undeploy asynchronously on a best-effort basis, so a
// process crash between the status change and the goroutine running leaves
// exactly this kind of orphan for the Scheduler to close out.
func (s *Scheduler) reapDeadHiringDeployments(ctx context.Context) (int, error) {
	reaped := 0
	for _, status := range []store.HiringStatus{store.HiringStatusCancelled, store.HiringStatusSuspended} {
		hirings, err := s.store.Repos().Hirings().List(ctx, store.HiringFilter{Status: status})
		if err != nil {
			return reaped, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "list hirings")
		}
		for _, h := range hirings {
			deps, err := s.store.Repos().Deployments().List(ctx, store.DeploymentFilter{HiringID: h.ID, NonTerminal: true})
			if err != nil {
				s.log.ErrorContext(ctx, "list deployments for dead hiring failed", "hiring_id", h.ID, "error", err)
				continue
			}
			if len(deps) == 0 {
				continue
			}
			stillSettling := false
			for _, d := range deps {
				if time.Since(d.UpdatedAt) < s.cfg.DeploymentReapAfter {
					stillSettling = true
					break
				}
			}
			if stillSettling {
				continue // give the hiring operation's own async Undeploy goroutine more time
			}
			if err := s.deployer.Undeploy(ctx, h.ID, s.cfg.OrphanGrace); err != nil {
				s.log.ErrorContext(ctx, "reap dead-hiring deployment failed", "hiring_id", h.ID, "error", err)
				continue
			}
			reaped++
		}
	}
	return reaped, nil
}

// reapOrphanContainers stops any container the supervisor's engine still
// considers running that has no corresponding non-terminal deployment row —
// the mirror image of the previous duty: a crash between Start succeeding
// and the deployment row being persisted as running leaves a container with
// nothing pointing at it.
func (s *Scheduler) reapOrphanContainers(ctx context.Context) (int, error) {
	if s.supervisor == nil {
		return 0, nil
	}
	handles, err := s.supervisor.ListContainerHandles(ctx)
	if err != nil {
		return 0, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeStoreUnavailable, err, "list container handles")
	}
	if len(handles) == 0 {
		return 0, nil
	}

	live, err := s.store.Repos().Deployments().List(ctx, store.DeploymentFilter{NonTerminal: true})
	if err != nil {
		return 0, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "list live deployments")
	}
	owned := make(map[string]bool, len(live))
	for _, d := range live {
		owned[d.ContainerHandle] = true
	}

	reaped := 0
	for _, h := range handles {
		if owned[string(h)] {
			continue
		}
		// The handle carries no kind of its own; ListContainerHandles only
		// ever enumerates the container engine's running set (the sandbox
		// engine is not consulted), and Supervisor.Stop only uses kind
		// to pick sandboxed vs. container engine, so any non-sandboxed kind
		// routes here correctly regardless of the orphan's real kind.
		if err := s.supervisor.Stop(ctx, store.AgentKindEndpointServer, h, s.cfg.OrphanGrace); err != nil {
			s.log.ErrorContext(ctx, "stop orphan container failed", "handle", string(h), "error", err)
			continue
		}
		s.log.WarnContext(ctx, "stopped orphan container with no deployment row", "handle", string(h))
		reaped++
	}
	return reaped, nil
}

// rollBudgetWindows resets any UserBudget whose WindowStart has fallen
// behind the current calendar month, carrying the new WindowStart forward
// and zeroing WindowSpend. The fake/real store's GetOrCreate only seeds
// WindowStart once, on first creation, so this is the only place a budget's
// window actually advances month to month.
func (s *Scheduler) rollBudgetWindows(ctx context.Context) (int, error) {
	budgets, err := s.store.Repos().UserBudgets().ListAll(ctx)
	if err != nil {
		return 0, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "list budgets")
	}

	now := time.Now()
	currentWindow := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	rolled := 0
	for _, b := range budgets {
		if !b.WindowStart.Before(currentWindow) {
			continue
		}
		b.WindowStart = currentWindow
		b.WindowSpend = b.WindowSpend.Sub(b.WindowSpend) // zero, keeping decimal's scale/sign conventions
		b.LastReset = now
		if _, err := s.store.Repos().UserBudgets().Update(ctx, b); err != nil {
			if err == rterrors.ErrConflict {
				continue // another replica already rolled this one this tick
			}
			s.log.ErrorContext(ctx, "roll budget window failed", "user_id", b.UserID, "error", err)
			continue
		}
		rolled++
	}
	return rolled, nil
}

// markStaleExecutions fails any execution still running StaleExecutionAfter
// past its start — the caller sets StaleExecutionAfter to executionTimeout*2,
// since a correctly-functioning Execution Dispatcher already times out an
// execution at executionTimeout on its own; anything still running twice
// that long means the dispatcher itself died mid-flight.
func (s *Scheduler) markStaleExecutions(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.StaleExecutionAfter).Unix()
	stale, err := s.store.Repos().Executions().List(ctx, store.ExecutionFilter{
		States:      []store.ExecutionState{store.ExecutionRunning},
		StaleBefore: &cutoff,
	})
	if err != nil {
		return 0, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "list stale executions")
	}

	marked := 0
	for _, e := range stale {
		e.State = store.ExecutionFailed
		e.ErrorMessage = "stale: no dispatcher progress beyond executionTimeout*2"
		now := time.Now()
		e.CompletedAt = &now
		if _, err := s.store.Repos().Executions().Update(ctx, e); err != nil {
			if err == rterrors.ErrConflict {
				continue // already closed out by its own dispatcher or another replica
			}
			s.log.ErrorContext(ctx, "mark stale execution failed", "execution_id", e.ID, "error", err)
			continue
		}
		marked++
	}
	return marked, nil
}
