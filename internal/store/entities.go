// Package store is the Persistent Store (component A): durable records for
// agents, hirings, deployments, executions, usage rows, and budgets, behind a
// transactional Store interface. Two implementations exist: PostgresStore
// (the real engine, over pgx/sqlx) and Fake (an in-memory stand-in used by
// unit tests); both satisfy the same contract, exercised by
// contract_test.go.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// AgentKind is the invocation-strategy family of an agent.
type AgentKind string

const (
	AgentKindFunctionSandboxed    AgentKind = "function-sandboxed"
	AgentKindFunctionContainerized AgentKind = "function-containerized"
	AgentKindEndpointServer       AgentKind = "endpoint-server"
	AgentKindPersistentStateful   AgentKind = "persistent-stateful"
)

// AgentStatus is the admission lifecycle status of an Agent.
type AgentStatus string

const (
	AgentStatusSubmitted AgentStatus = "submitted"
	AgentStatusApproved  AgentStatus = "approved"
	AgentStatusRejected  AgentStatus = "rejected"
)

// PricingKind tags an Agent's pricing descriptor variant.
type PricingKind string

const (
	PricingFree        PricingKind = "free"
	PricingPerInvoke   PricingKind = "per-invocation"
	PricingPeriodic    PricingKind = "periodic"
)

// Pricing is the tagged-variant pricing descriptor: one of a fixed set of
// kinds, each carrying only the fields that kind needs.
type Pricing struct {
	Kind  PricingKind
	Price decimal.Decimal // zero for PricingFree
}

// OperationSchema is one operation's declared input/output JSON Schema pair.
type OperationSchema struct {
	InputSchema  []byte // raw JSON Schema document
	OutputSchema []byte
}

// ResourceCaps are effective-after-clamping CPU/memory/PID limits.
type ResourceCaps struct {
	MemoryBytes int64
	CPUFraction float64
	PIDs        int
}

// EndpointConfig carries the manifest fields only endpoint/stateful kinds use.
type EndpointConfig struct {
	HealthPath      string
	Port            int
	OperationPaths  map[string]string // operation name -> URL path
}

// Manifest is the canonical, immutable configuration struct assembled from an
// admitted bundle's declarative manifest file.
type Manifest struct {
	Name         string
	Version      string
	Kind         AgentKind
	EntryPoint   string
	Operations   map[string]OperationSchema // at least "execute"
	Requirements []string
	Resources    *ResourceCaps // nil = use kind defaults
	Endpoint     *EndpointConfig
}

// Agent is an admitted, immutable code bundle plus manifest.
type Agent struct {
	ID            string
	CodeDigest    string
	BundleLocation string // opaque blob pointer (minio object key)
	Manifest      Manifest
	Pricing       Pricing
	Status        AgentStatus
	ResourceHints ResourceCaps
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64
}

// HiringStatus is the lifecycle status of a Hiring.
type HiringStatus string

const (
	HiringStatusActive    HiringStatus = "active"
	HiringStatusSuspended HiringStatus = "suspended"
	HiringStatusCancelled HiringStatus = "cancelled"
)

// Hiring is a binding of a user to an agent.
type Hiring struct {
	ID            string
	AgentID       string
	UserID        string // optional; "" if absent
	Configuration []byte // caller-supplied JSON, validated against initialize.inputSchema
	Status        HiringStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64
}

// DeploymentState is a state in the Deployment Controller's state machine.
type DeploymentState string

const (
	DeploymentPending  DeploymentState = "pending"
	DeploymentBuilding DeploymentState = "building"
	DeploymentStarting DeploymentState = "starting"
	DeploymentRunning  DeploymentState = "running"
	DeploymentUnhealthy DeploymentState = "unhealthy"
	DeploymentStopping DeploymentState = "stopping"
	DeploymentStopped  DeploymentState = "stopped"
	DeploymentFailed   DeploymentState = "failed"
)

// Terminal reports whether a DeploymentState has no outgoing transitions.
func (s DeploymentState) Terminal() bool {
	return s == DeploymentStopped || s == DeploymentFailed
}

// NonTerminal reports whether a DeploymentState participates in invariant 1
// ("at most one deployment in a non-terminal state").
func (s DeploymentState) NonTerminal() bool { return !s.Terminal() }

// Deployment is a running materialization of one hiring.
type Deployment struct {
	ID               string
	HiringID         string
	Kind             AgentKind
	State            DeploymentState
	ContainerHandle  string // opaque
	InternalEndpoint string // host:port
	ProxyRoute       string // externally visible prefix, "/p/{id}"
	Caps             ResourceCaps
	LastProbeAt      time.Time
	LastProbeHealthy bool
	LastProbeReason  string
	ConsecutiveUnhealthy int
	RestartsInWindow int
	RestartWindowStart time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int64
}

// ExecutionState is the lifecycle state of an Execution.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionTimedOut  ExecutionState = "timed-out"
	ExecutionCancelled ExecutionState = "cancelled"
)

// Execution is a single invocation record; the unit of cost attribution.
type Execution struct {
	ID             string
	AgentID        string
	HiringID       string // optional
	UserID         string // optional
	Operation      string
	State          ExecutionState
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Input          []byte
	Output         []byte
	ErrorMessage   string
	AggregatedCost decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

// Duration returns CompletedAt - StartedAt, or zero if either is unset.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// ResourceFamily is the kind of external resource a UsageRow attributes.
type ResourceFamily string

const (
	FamilyLLMCompletion ResourceFamily = "LLM-completion"
	FamilyLLMEmbedding  ResourceFamily = "LLM-embedding"
	FamilyVectorOp      ResourceFamily = "vector-op"
	FamilyWebSearch     ResourceFamily = "web-search"
)

// UsageRow is an append-only, attributed external-resource consumption record.
type UsageRow struct {
	ID            string
	ExecutionID   string
	Family        ResourceFamily
	Provider      string
	ModelOrEndpoint string
	OperationType string
	MeteredUnits  map[string]int64 // e.g. {"input_tokens": 120, "output_tokens": 40}
	Cost          decimal.Decimal
	Metadata      map[string]string // request/response digests; never raw secrets
	CreatedAt     time.Time
}

// UserBudget is a per-user spending envelope, one row per user.
type UserBudget struct {
	UserID        string
	PeriodCap     decimal.Decimal
	PerCallCap    decimal.Decimal
	WindowSpend   decimal.Decimal
	WindowStart   time.Time
	LastReset     time.Time
	Version       int64
}

// Credential is an opaque, encrypted-at-rest bring-your-own-key blob.
// Plaintext is decrypted only in-memory, per-call, by the Resource Gateway.
type Credential struct {
	UserID      string
	Provider    string
	Ciphertext  []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     int64
}
