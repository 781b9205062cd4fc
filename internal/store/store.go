package store

import (
	"context"
)

// Tx is an opaque handle to an in-flight transaction. Callers obtain one
// from Store.Begin and must terminate it with Commit or Rollback.
type Tx interface {
	// Repos returns the typed repositories bound to this transaction. Reads
	// and writes issued through them are only visible to other transactions
	// after Commit.
	Repos() Repos
}

// Store is the Persistent Store contract (component A). The core never
// assumes the underlying engine; PostgresStore and Fake both satisfy it and
// are run through the same contract test suite.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context, tx Tx) error
	Rollback(ctx context.Context, tx Tx) error

	// Repos returns auto-committing, single-statement repository access
	// (reads and writes) for callers that don't need an explicit
	// transaction, e.g. periodic readers in the Scheduler.
	Repos() Repos

	Close() error
}

// Repos groups the typed, per-entity repositories.
type Repos interface {
	Agents() AgentRepo
	Hirings() HiringRepo
	Deployments() DeploymentRepo
	Executions() ExecutionRepo
	UsageRows() UsageRowRepo
	UserBudgets() UserBudgetRepo
	Credentials() CredentialRepo
}

// AgentRepo persists Agent rows.
type AgentRepo interface {
	Create(ctx context.Context, a *Agent) (*Agent, error)
	Get(ctx context.Context, id string) (*Agent, error)
	GetByNameVersion(ctx context.Context, name, version string) (*Agent, error)
	Update(ctx context.Context, a *Agent) (*Agent, error)
	List(ctx context.Context, filter AgentFilter) ([]*Agent, error)
}

// AgentFilter narrows AgentRepo.List.
type AgentFilter struct {
	Status AgentStatus // "" = any
}

// HiringRepo persists Hiring rows.
type HiringRepo interface {
	Create(ctx context.Context, h *Hiring) (*Hiring, error)
	Get(ctx context.Context, id string) (*Hiring, error)
	Update(ctx context.Context, h *Hiring) (*Hiring, error)
	List(ctx context.Context, filter HiringFilter) ([]*Hiring, error)
}

// HiringFilter narrows HiringRepo.List.
type HiringFilter struct {
	UserID  string
	AgentID string
	Status  HiringStatus
}

// DeploymentRepo persists Deployment rows.
type DeploymentRepo interface {
	Create(ctx context.Context, d *Deployment) (*Deployment, error)
	Get(ctx context.Context, id string) (*Deployment, error)
	Update(ctx context.Context, d *Deployment) (*Deployment, error)
	// GetCurrentForHiring returns the deployment in a non-terminal state for
	// hiringID, if any (invariant 1: at most one such row exists).
	GetCurrentForHiring(ctx context.Context, hiringID string) (*Deployment, error)
	List(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error)
}

// DeploymentFilter narrows DeploymentRepo.List.
type DeploymentFilter struct {
	HiringID     string
	States       []DeploymentState
	NonTerminal  bool
}

// ExecutionRepo persists Execution rows.
type ExecutionRepo interface {
	Create(ctx context.Context, e *Execution) (*Execution, error)
	Get(ctx context.Context, id string) (*Execution, error)
	Update(ctx context.Context, e *Execution) (*Execution, error)
	List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
}

// ExecutionFilter narrows ExecutionRepo.List.
type ExecutionFilter struct {
	HiringID string
	States   []ExecutionState
	// StaleBefore, if non-zero, selects running executions whose StartedAt
	// predates this cutoff, for the Scheduler's stale-execution sweep.
	StaleBefore *int64 // unix seconds; pointer so zero-value means unset
}

// UsageRowRepo persists append-only UsageRow records.
type UsageRowRepo interface {
	Append(ctx context.Context, u *UsageRow) (*UsageRow, error)
	ListByExecution(ctx context.Context, executionID string) ([]*UsageRow, error)
	SumCostByExecution(ctx context.Context, executionID string) (totalCostMinor int64, err error)
}

// UserBudgetRepo persists the single UserBudget row per user.
type UserBudgetRepo interface {
	GetOrCreate(ctx context.Context, userID string) (*UserBudget, error)
	Update(ctx context.Context, b *UserBudget) (*UserBudget, error)
	ListAll(ctx context.Context) ([]*UserBudget, error)
}

// CredentialRepo persists encrypted BYOK credential blobs.
type CredentialRepo interface {
	Get(ctx context.Context, userID, provider string) (*Credential, error)
	Upsert(ctx context.Context, c *Credential) (*Credential, error)
}
