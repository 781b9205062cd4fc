// Package dispatcher is the Execution Dispatcher (component F): the
// single entry point, `Execute`, that resolves a hiring, ensures its
// deployment is running, validates input/output against the agent's
// declared schemas, invokes the agent by kind, and records cost and
// outcome on the Execution row, stringing several smaller components
// together behind this runtime's nine-step dispatch algorithm.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/admission"
	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/supervisor"
)

// Config tunes dispatch timing and concurrency.
type Config struct {
	ExecutionTimeout                time.Duration // applied to every execution; agents cannot declare their own; default 300s
	MaxConcurrentExecutionsPerHiring int64        // default 32
	ProxyBaseURL                     string       // e.g. "http://127.0.0.1:8080", used for endpoint-server/persistent-stateful invocation via 4.E
}

// DefaultConfig returns the stated defaults.
func DefaultConfig() Config {
	return Config{ExecutionTimeout: 300 * time.Second, MaxConcurrentExecutionsPerHiring: 32}
}

// deploymentEnsurer is the slice of *deployment.Controller the dispatcher
// needs, carved out as an interface so tests substitute a fake rather
// than wiring a real Supervisor underneath a real Controller.
type deploymentEnsurer interface {
	EnsureDeployed(ctx context.Context, agent *store.Agent, hiring *store.Hiring) (*store.Deployment, error)
}

// execSupervisor is the slice of *supervisor.Supervisor the dispatcher
// needs for the function-sandboxed/function-containerized invocation
// paths.
type execSupervisor interface {
	Exec(ctx context.Context, kind store.AgentKind, h supervisor.Handle, manifest store.Manifest, payload []byte, timeout time.Duration) (*supervisor.ExecResult, error)
	Stop(ctx context.Context, kind store.AgentKind, h supervisor.Handle, grace time.Duration) error
}

var _ execSupervisor = (*supervisor.Supervisor)(nil)

// Dispatcher is the Execution Dispatcher.
type Dispatcher struct {
	store      store.Store
	admission  *admission.Pipeline
	deployer   deploymentEnsurer
	supervisor execSupervisor
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger

	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted // hiringID -> concurrency cap
}

// New builds a Dispatcher.
func New(st store.Store, adm *admission.Pipeline, deployer deploymentEnsurer, sup execSupervisor, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:      st,
		admission:  adm,
		deployer:   deployer,
		supervisor: sup,
		cfg:        cfg,
		httpClient: &http.Client{},
		log:        log,
		sems:       map[string]*semaphore.Weighted{},
	}
}

func (d *Dispatcher) semFor(hiringID string) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sems[hiringID]
	if !ok {
		s = semaphore.NewWeighted(d.cfg.MaxConcurrentExecutionsPerHiring)
		d.sems[hiringID] = s
	}
	return s
}

// Execute runs the nine-step dispatch algorithm: resolve the hiring,
// ensure its deployment is running, validate input, invoke the agent,
// validate output, meter and record cost, and persist the outcome.
func (d *Dispatcher) Execute(ctx context.Context, hiringID, operation string, input []byte) (*store.Execution, error) {
	repos := d.store.Repos()

	// 1. Resolve hiring.
	hiring, err := repos.Hirings().Get(ctx, hiringID)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "resolve hiring")
	}
	if hiring.Status == store.HiringStatusCancelled {
		return nil, rterrors.New(rterrors.CategoryLifecycle, rterrors.CodeHiringTerminated, "hiring is cancelled")
	}
	if hiring.Status != store.HiringStatusActive {
		return nil, rterrors.New(rterrors.CategoryLifecycle, rterrors.CodeHiringNotActive, "hiring is not active")
	}

	// 2. Resolve agent; validate input.
	agent, err := repos.Agents().Get(ctx, hiring.AgentID)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "resolve agent")
	}
	var parsedInput interface{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &parsedInput); err != nil {
			return nil, rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeSchemaViolation, err, "input is not valid JSON")
		}
	}
	if err := d.admission.ValidateInput(ctx, agent.ID, operation, parsedInput); err != nil {
		return nil, err
	}

	sem := d.semFor(hiringID)
	if !sem.TryAcquire(1) {
		return nil, rterrors.New(rterrors.CategoryCapacity, rterrors.CodeHiringBusy, "hiring has reached its concurrent-execution cap")
	}
	defer sem.Release(1)

	// 3. Ensure deployment is running (EnsureDeployed blocks up to deployStartup).
	dep, err := d.deployer.EnsureDeployed(ctx, agent, hiring)
	if err != nil {
		return nil, err
	}

	// 4. Allocate the Execution row.
	exec, err := repos.Executions().Create(ctx, &store.Execution{
		AgentID:   agent.ID,
		HiringID:  hiring.ID,
		UserID:    hiring.UserID,
		Operation: operation,
		State:     store.ExecutionPending,
		Input:     input,
	})
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "create execution row")
	}

	// 5. Mark running.
	now := time.Now()
	exec.State = store.ExecutionRunning
	exec.StartedAt = &now
	if exec, err = repos.Executions().Update(ctx, exec); err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "mark execution running")
	}

	timeout := d.cfg.ExecutionTimeout
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 6-7. Invoke by kind, under the wall-clock timeout.
	output, invokeErr := d.invoke(execCtx, agent, dep, operation, input)

	switch {
	case invokeErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded):
		d.bestEffortCancel(agent.Manifest.Kind, dep)
		exec.State = store.ExecutionTimedOut
		exec.ErrorMessage = fmt.Sprintf("execution exceeded %s", timeout)
		return d.finish(ctx, exec)
	case invokeErr != nil && errors.Is(ctx.Err(), context.Canceled):
		d.bestEffortCancel(agent.Manifest.Kind, dep)
		exec.State = store.ExecutionCancelled
		exec.ErrorMessage = "cancelled by caller"
		return d.finish(ctx, exec)
	case invokeErr != nil:
		// 9. On error: record, transition to failed.
		exec.State = store.ExecutionFailed
		exec.ErrorMessage = invokeErr.Error()
		return d.finish(ctx, exec)
	}

	// 8. On success: validate output, sum usage, transition completed.
	var parsedOutput interface{}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &parsedOutput); err != nil {
			exec.State = store.ExecutionFailed
			exec.ErrorMessage = "agent output is not valid JSON: " + err.Error()
			return d.finish(ctx, exec)
		}
	}
	if err := d.admission.ValidateOutput(ctx, agent.ID, operation, parsedOutput); err != nil {
		exec.State = store.ExecutionFailed
		exec.ErrorMessage = err.Error()
		return d.finish(ctx, exec)
	}

	exec.Output = output
	exec.State = store.ExecutionCompleted
	exec.AggregatedCost = sumUsageCost(ctx, repos, exec.ID)
	return d.finish(ctx, exec)
}

// ExecutionStatus returns the current state of a previously dispatched
// execution, for callers polling an async or long-running invocation.
func (d *Dispatcher) ExecutionStatus(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := d.store.Repos().Executions().Get(ctx, executionID)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryLifecycle, rterrors.CodeNotFound, err, "execution not found")
	}
	return exec, nil
}

func (d *Dispatcher) finish(ctx context.Context, exec *store.Execution) (*store.Execution, error) {
	now := time.Now()
	exec.CompletedAt = &now
	updated, err := d.store.Repos().Executions().Update(ctx, exec)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "persist execution outcome")
	}
	if updated.State != store.ExecutionCompleted {
		return updated, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, updated.ErrorMessage)
	}
	return updated, nil
}

func sumUsageCost(ctx context.Context, repos store.Repos, executionID string) decimal.Decimal {
	total := decimal.Zero
	rows, err := repos.UsageRows().ListByExecution(ctx, executionID)
	if err != nil {
		return total
	}
	for _, row := range rows {
		total = total.Add(row.Cost)
	}
	return total
}

// invoke dispatches by agent kind: sandboxed/containerized agents run
// through the Container Supervisor's Exec; endpoint-server and
// persistent-stateful agents are invoked over HTTP via the Reverse Proxy.
func (d *Dispatcher) invoke(ctx context.Context, agent *store.Agent, dep *store.Deployment, operation string, input []byte) ([]byte, error) {
	switch agent.Manifest.Kind {
	case store.AgentKindFunctionSandboxed, store.AgentKindFunctionContainerized:
		result, err := d.supervisor.Exec(ctx, agent.Manifest.Kind, supervisor.Handle(dep.ContainerHandle), agent.Manifest, input, d.cfg.ExecutionTimeout)
		if err != nil {
			return nil, err
		}
		if result.ExitCode != 0 {
			return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, fmt.Sprintf("agent exited with code %d", result.ExitCode))
		}
		return result.Output, nil
	case store.AgentKindEndpointServer, store.AgentKindPersistentStateful:
		return d.invokeOverProxy(ctx, agent, dep, operation, input)
	default:
		return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, "unknown agent kind "+string(agent.Manifest.Kind))
	}
}

func (d *Dispatcher) invokeOverProxy(ctx context.Context, agent *store.Agent, dep *store.Deployment, operation string, input []byte) ([]byte, error) {
	path := operation
	if agent.Manifest.Endpoint != nil {
		if p, ok := agent.Manifest.Endpoint.OperationPaths[operation]; ok {
			path = p
		}
	}
	url := strings.TrimRight(d.cfg.ProxyBaseURL, "/") + dep.ProxyRoute + "/" + strings.TrimLeft(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(input))
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, err, "build operation request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, err, "invoke deployment endpoint")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, err, "read operation response")
	}
	if resp.StatusCode >= 300 {
		return nil, rterrors.New(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, fmt.Sprintf("operation endpoint returned %d: %s", resp.StatusCode, string(body)))
	}
	return body, nil
}

// bestEffortCancel is called on timeout/caller-cancellation: sandboxed and
// containerized agents get a Stop signal; endpoint agents have already had
// their HTTP request aborted by the cancelled context.
func (d *Dispatcher) bestEffortCancel(kind store.AgentKind, dep *store.Deployment) {
	if kind != store.AgentKindFunctionSandboxed && kind != store.AgentKindFunctionContainerized {
		return
	}
	_ = d.supervisor.Stop(context.Background(), kind, supervisor.Handle(dep.ContainerHandle), 2*time.Second)
}
