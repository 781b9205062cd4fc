package store

import (
	"context"
	"sync"
	"time"

	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
	"github.com/google/uuid"
)

// Fake is an in-memory Store used by unit tests that don't want a Postgres
// dependency. It satisfies the same contract as PostgresStore and is
// exercised by the shared suite in contract_test.go.
type Fake struct {
	mu          sync.Mutex
	agents      map[string]*Agent
	hirings     map[string]*Hiring
	deployments map[string]*Deployment
	executions  map[string]*Execution
	usageRows   map[string][]*UsageRow
	budgets     map[string]*UserBudget
	credentials map[string]*Credential // key: userID+"/"+provider
}

// NewFake creates an empty in-memory Store.
func NewFake() *Fake {
	return &Fake{
		agents:      map[string]*Agent{},
		hirings:     map[string]*Hiring{},
		deployments: map[string]*Deployment{},
		executions:  map[string]*Execution{},
		usageRows:   map[string][]*UsageRow{},
		budgets:     map[string]*UserBudget{},
		credentials: map[string]*Credential{},
	}
}

// fakeTx is a no-op transaction: the Fake commits every repo call
// immediately, so Begin/Commit/Rollback only bracket the repos() view.
type fakeTx struct{ s *Fake }

func (t *fakeTx) Repos() Repos { return t.s }

func (s *Fake) Begin(ctx context.Context) (Tx, error) { return &fakeTx{s: s}, nil }
func (s *Fake) Commit(ctx context.Context, tx Tx) error   { return nil }
func (s *Fake) Rollback(ctx context.Context, tx Tx) error { return nil }
func (s *Fake) Repos() Repos                              { return s }
func (s *Fake) Close() error                              { return nil }

func (s *Fake) Agents() AgentRepo           { return fakeAgents{s} }
func (s *Fake) Hirings() HiringRepo         { return fakeHirings{s} }
func (s *Fake) Deployments() DeploymentRepo { return fakeDeployments{s} }
func (s *Fake) Executions() ExecutionRepo   { return fakeExecutions{s} }
func (s *Fake) UsageRows() UsageRowRepo     { return fakeUsageRows{s} }
func (s *Fake) UserBudgets() UserBudgetRepo { return fakeUserBudgets{s} }
func (s *Fake) Credentials() CredentialRepo { return fakeCredentials{s} }

func newID() string { return uuid.NewString() }

// --- Agents ---

type fakeAgents struct{ s *Fake }

func (r fakeAgents) Create(ctx context.Context, a *Agent) (*Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.ID == "" {
		a.ID = newID()
	}
	for _, existing := range r.s.agents {
		if existing.Manifest.Name == a.Manifest.Name && existing.Manifest.Version == a.Manifest.Version {
			return nil, rterrors.ErrAlreadyExists
		}
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt, a.Version = now, now, 1
	cp := *a
	r.s.agents[a.ID] = &cp
	out := cp
	return &out, nil
}

func (r fakeAgents) Get(ctx context.Context, id string) (*Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.agents[id]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	out := *a
	return &out, nil
}

func (r fakeAgents) GetByNameVersion(ctx context.Context, name, version string) (*Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.agents {
		if a.Manifest.Name == name && a.Manifest.Version == version {
			out := *a
			return &out, nil
		}
	}
	return nil, rterrors.ErrNotFound
}

func (r fakeAgents) Update(ctx context.Context, a *Agent) (*Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.agents[a.ID]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	if existing.Version != a.Version {
		return nil, rterrors.ErrConflict
	}
	a.Version++
	a.UpdatedAt = time.Now()
	cp := *a
	r.s.agents[a.ID] = &cp
	out := cp
	return &out, nil
}

func (r fakeAgents) List(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Agent
	for _, a := range r.s.agents {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// --- Hirings ---

type fakeHirings struct{ s *Fake }

func (r fakeHirings) Create(ctx context.Context, h *Hiring) (*Hiring, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if h.ID == "" {
		h.ID = newID()
	}
	now := time.Now()
	h.CreatedAt, h.UpdatedAt, h.Version = now, now, 1
	cp := *h
	r.s.hirings[h.ID] = &cp
	out := cp
	return &out, nil
}

func (r fakeHirings) Get(ctx context.Context, id string) (*Hiring, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	h, ok := r.s.hirings[id]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	out := *h
	return &out, nil
}

func (r fakeHirings) Update(ctx context.Context, h *Hiring) (*Hiring, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.hirings[h.ID]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	if existing.Version != h.Version {
		return nil, rterrors.ErrConflict
	}
	h.Version++
	h.UpdatedAt = time.Now()
	cp := *h
	r.s.hirings[h.ID] = &cp
	out := cp
	return &out, nil
}

func (r fakeHirings) List(ctx context.Context, filter HiringFilter) ([]*Hiring, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Hiring
	for _, h := range r.s.hirings {
		if filter.UserID != "" && h.UserID != filter.UserID {
			continue
		}
		if filter.AgentID != "" && h.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && h.Status != filter.Status {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

// --- Deployments ---

type fakeDeployments struct{ s *Fake }

func (r fakeDeployments) Create(ctx context.Context, d *Deployment) (*Deployment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d.State.NonTerminal() {
		for _, existing := range r.s.deployments {
			if existing.HiringID == d.HiringID && existing.State.NonTerminal() {
				return nil, rterrors.ErrAlreadyExists
			}
		}
	}
	if d.ID == "" {
		d.ID = newID()
	}
	now := time.Now()
	d.CreatedAt, d.UpdatedAt, d.Version = now, now, 1
	cp := *d
	r.s.deployments[d.ID] = &cp
	out := cp
	return &out, nil
}

func (r fakeDeployments) Get(ctx context.Context, id string) (*Deployment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deployments[id]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	out := *d
	return &out, nil
}

func (r fakeDeployments) Update(ctx context.Context, d *Deployment) (*Deployment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.deployments[d.ID]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	if existing.Version != d.Version {
		return nil, rterrors.ErrConflict
	}
	d.Version++
	d.UpdatedAt = time.Now()
	cp := *d
	r.s.deployments[d.ID] = &cp
	out := cp
	return &out, nil
}

func (r fakeDeployments) GetCurrentForHiring(ctx context.Context, hiringID string) (*Deployment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.deployments {
		if d.HiringID == hiringID && d.State.NonTerminal() {
			out := *d
			return &out, nil
		}
	}
	return nil, rterrors.ErrNotFound
}

func (r fakeDeployments) List(ctx context.Context, filter DeploymentFilter) ([]*Deployment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Deployment
	for _, d := range r.s.deployments {
		if filter.HiringID != "" && d.HiringID != filter.HiringID {
			continue
		}
		if filter.NonTerminal && d.State.Terminal() {
			continue
		}
		if len(filter.States) > 0 {
			match := false
			for _, st := range filter.States {
				if d.State == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// --- Executions ---

type fakeExecutions struct{ s *Fake }

func (r fakeExecutions) Create(ctx context.Context, e *Execution) (*Execution, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == "" {
		e.ID = newID()
	}
	now := time.Now()
	e.CreatedAt, e.UpdatedAt, e.Version = now, now, 1
	cp := *e
	r.s.executions[e.ID] = &cp
	out := cp
	return &out, nil
}

func (r fakeExecutions) Get(ctx context.Context, id string) (*Execution, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.executions[id]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (r fakeExecutions) Update(ctx context.Context, e *Execution) (*Execution, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.executions[e.ID]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	if existing.Version != e.Version {
		return nil, rterrors.ErrConflict
	}
	e.Version++
	e.UpdatedAt = time.Now()
	cp := *e
	r.s.executions[e.ID] = &cp
	out := cp
	return &out, nil
}

func (r fakeExecutions) List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Execution
	for _, e := range r.s.executions {
		if filter.HiringID != "" && e.HiringID != filter.HiringID {
			continue
		}
		if len(filter.States) > 0 {
			match := false
			for _, st := range filter.States {
				if e.State == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if filter.StaleBefore != nil {
			if e.StartedAt == nil || e.StartedAt.Unix() >= *filter.StaleBefore {
				continue
			}
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// --- UsageRows ---

type fakeUsageRows struct{ s *Fake }

func (r fakeUsageRows) Append(ctx context.Context, u *UsageRow) (*UsageRow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.executions[u.ExecutionID]; !ok {
		return nil, rterrors.ErrNotFound // invariant 4: execution must exist first
	}
	if u.ID == "" {
		u.ID = newID()
	}
	u.CreatedAt = time.Now()
	cp := *u
	r.s.usageRows[u.ExecutionID] = append(r.s.usageRows[u.ExecutionID], &cp)
	out := cp
	return &out, nil
}

func (r fakeUsageRows) ListByExecution(ctx context.Context, executionID string) ([]*UsageRow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rows := r.s.usageRows[executionID]
	out := make([]*UsageRow, len(rows))
	for i, row := range rows {
		cp := *row
		out[i] = &cp
	}
	return out, nil
}

func (r fakeUsageRows) SumCostByExecution(ctx context.Context, executionID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var total int64
	for _, row := range r.s.usageRows[executionID] {
		total += row.Cost.Shift(6).IntPart() // store as 6-decimal fixed point "minor units"
	}
	return total, nil
}

// --- UserBudgets ---

type fakeUserBudgets struct{ s *Fake }

func (r fakeUserBudgets) GetOrCreate(ctx context.Context, userID string) (*UserBudget, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b, ok := r.s.budgets[userID]; ok {
		out := *b
		return &out, nil
	}
	now := time.Now()
	b := &UserBudget{
		UserID:      userID,
		WindowStart: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()),
		LastReset:   now,
		Version:     1,
	}
	r.s.budgets[userID] = b
	out := *b
	return &out, nil
}

func (r fakeUserBudgets) Update(ctx context.Context, b *UserBudget) (*UserBudget, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.budgets[b.UserID]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	if existing.Version != b.Version {
		return nil, rterrors.ErrConflict
	}
	b.Version++
	cp := *b
	r.s.budgets[b.UserID] = &cp
	out := cp
	return &out, nil
}

func (r fakeUserBudgets) ListAll(ctx context.Context) ([]*UserBudget, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*UserBudget
	for _, b := range r.s.budgets {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

// --- Credentials ---

type fakeCredentials struct{ s *Fake }

func credKey(userID, provider string) string { return userID + "/" + provider }

func (r fakeCredentials) Get(ctx context.Context, userID, provider string) (*Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.credentials[credKey(userID, provider)]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (r fakeCredentials) Upsert(ctx context.Context, c *Credential) (*Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := credKey(c.UserID, c.Provider)
	now := time.Now()
	if existing, ok := r.s.credentials[key]; ok {
		c.CreatedAt = existing.CreatedAt
		c.Version = existing.Version + 1
	} else {
		c.CreatedAt = now
		c.Version = 1
	}
	c.UpdatedAt = now
	cp := *c
	r.s.credentials[key] = &cp
	out := cp
	return &out, nil
}
