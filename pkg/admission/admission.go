// Package admission is the Admission & Validation Pipeline (component B):
// bundle intake, manifest verification, content-digest computation, and
// synchronous per-call JSON Schema validation against an approved agent's
// declared operation schemas.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/admission/schema"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/blobstore"
	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

// Pipeline is the Admission & Validation Pipeline. One instance is shared
// by every caller; it holds no per-request state beyond a read-through
// cache of compiled schemas keyed by agent id.
type Pipeline struct {
	store  store.Store
	blobs  *blobstore.Store

	mu     sync.RWMutex
	cache  map[string]map[string]compiledOperation // agentID -> operation -> compiled
}

// New builds a Pipeline bound to the given Store and blob backing store.
func New(st store.Store, blobs *blobstore.Store) *Pipeline {
	return &Pipeline{
		store: st,
		blobs: blobs,
		cache: make(map[string]map[string]compiledOperation),
	}
}

// AdmitAgent verifies manifest shape, computes the bundle's content digest,
// rejects duplicate (name, version) pairs, stores the bundle blob, and
// persists the agent with status "submitted".
func (p *Pipeline) AdmitAgent(ctx context.Context, bundle []byte, manifestRaw []byte) (*store.Agent, error) {
	doc, err := parseManifest(manifestRaw)
	if err != nil {
		return nil, err
	}

	compiled, err := compileOperations(doc)
	if err != nil {
		return nil, err
	}

	if len(bundle) == 0 {
		return nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeBundleRejected, "bundle is empty")
	}

	repos := p.store.Repos()
	if existing, err := repos.Agents().GetByNameVersion(ctx, doc.Name, doc.Version); err == nil && existing != nil {
		return nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeDuplicateVersion, fmt.Sprintf("agent %s@%s already submitted", doc.Name, doc.Version))
	} else if err != nil && err != rterrors.ErrNotFound {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "check for duplicate agent")
	}

	digest := contentDigest(bundle)

	var location string
	if p.blobs != nil {
		location, err = p.blobs.PutBundle(ctx, digest, bundle)
		if err != nil {
			return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeBundleRejected, err, "store bundle blob")
		}
	}

	pricing, err := toPricing(doc.Pricing)
	if err != nil {
		return nil, err
	}

	manifest := toManifest(doc, compiled)

	resourceHints := store.ResourceCaps{}
	if manifest.Resources != nil {
		resourceHints = *manifest.Resources
	}

	agent := &store.Agent{
		CodeDigest:     digest,
		BundleLocation: location,
		Manifest:       manifest,
		Pricing:        pricing,
		Status:         store.AgentStatusSubmitted,
		ResourceHints:  resourceHints,
	}

	created, err := repos.Agents().Create(ctx, agent)
	if err != nil {
		if err == rterrors.ErrAlreadyExists {
			return nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeDuplicateVersion, fmt.Sprintf("agent %s@%s already submitted", doc.Name, doc.Version))
		}
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "persist agent")
	}

	p.mu.Lock()
	p.cache[created.ID] = compiled
	p.mu.Unlock()

	return created, nil
}

// ApproveAgent transitions a submitted agent to approved. Approval is
// one-way: an already-approved agent cannot be re-rejected; creators
// republish as a new (name, version) instead.
func (p *Pipeline) ApproveAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	return p.transition(ctx, agentID, store.AgentStatusApproved, func(a *store.Agent) error {
		if a.Status == store.AgentStatusRejected {
			return rterrors.New(rterrors.CategoryLifecycle, rterrors.CodeIllegalTransition, "rejected agents cannot be approved; republish a new version")
		}
		return nil
	})
}

// RejectAgent transitions a submitted agent to rejected. Forbidden once an
// agent has already been approved (approvals are one-way).
func (p *Pipeline) RejectAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	return p.transition(ctx, agentID, store.AgentStatusRejected, func(a *store.Agent) error {
		if a.Status == store.AgentStatusApproved {
			return rterrors.New(rterrors.CategoryLifecycle, rterrors.CodeIllegalTransition, "approved agents cannot be rejected")
		}
		return nil
	})
}

func (p *Pipeline) transition(ctx context.Context, agentID string, to store.AgentStatus, guard func(*store.Agent) error) (*store.Agent, error) {
	repos := p.store.Repos()
	agent, err := repos.Agents().Get(ctx, agentID)
	if err != nil {
		if err == rterrors.ErrNotFound {
			return nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeNotFound, "agent not found")
		}
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "load agent")
	}
	if err := guard(agent); err != nil {
		return nil, err
	}
	agent.Status = to
	updated, err := repos.Agents().Update(ctx, agent)
	if err != nil {
		if err == rterrors.ErrConflict {
			return nil, rterrors.Wrap(rterrors.CategoryLifecycle, rterrors.CodeConflict, err, "agent modified concurrently")
		}
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "update agent status")
	}
	return updated, nil
}

// ValidateInput fetches operation's declared inputSchema for agentID and
// validates payload against it, returning SchemaViolation with a
// path-addressed first error on mismatch.
func (p *Pipeline) ValidateInput(ctx context.Context, agentID, operation string, payload interface{}) error {
	ops, err := p.operationsFor(ctx, agentID)
	if err != nil {
		return err
	}
	op, ok := ops[operation]
	if !ok {
		return rterrors.New(rterrors.CategoryValidation, rterrors.CodeNotFound, fmt.Sprintf("agent declares no operation %q", operation))
	}
	if verr := op.input.Validate(payload); verr != nil {
		return rterrors.New(rterrors.CategoryValidation, rterrors.CodeSchemaViolation, verr.Message).WithPath(verr.Path)
	}
	return nil
}

// ValidateOutput is ValidateInput's symmetric counterpart over outputSchema.
// Strict mode (rejecting unknown fields) is always on — schema.Schema
// enforces it whenever a "properties" set is declared.
func (p *Pipeline) ValidateOutput(ctx context.Context, agentID, operation string, payload interface{}) error {
	ops, err := p.operationsFor(ctx, agentID)
	if err != nil {
		return err
	}
	op, ok := ops[operation]
	if !ok {
		return rterrors.New(rterrors.CategoryValidation, rterrors.CodeNotFound, fmt.Sprintf("agent declares no operation %q", operation))
	}
	if verr := op.output.Validate(payload); verr != nil {
		return rterrors.New(rterrors.CategoryValidation, rterrors.CodeSchemaViolation, verr.Message).WithPath(verr.Path)
	}
	return nil
}

// operationsFor returns agentID's compiled operation schemas, recompiling
// from the persisted manifest on a cache miss (e.g. after a process
// restart, since the cache is in-memory only).
func (p *Pipeline) operationsFor(ctx context.Context, agentID string) (map[string]compiledOperation, error) {
	p.mu.RLock()
	ops, ok := p.cache[agentID]
	p.mu.RUnlock()
	if ok {
		return ops, nil
	}

	agent, err := p.store.Repos().Agents().Get(ctx, agentID)
	if err != nil {
		if err == rterrors.ErrNotFound {
			return nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeNotFound, "agent not found")
		}
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "load agent")
	}

	recompiled := make(map[string]compiledOperation, len(agent.Manifest.Operations))
	for name, op := range agent.Manifest.Operations {
		in, err := schema.Compile(op.InputSchema)
		if err != nil {
			return nil, rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeManifestInvalid, err, fmt.Sprintf("operation %q inputSchema", name))
		}
		out, err := schema.Compile(op.OutputSchema)
		if err != nil {
			return nil, rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeManifestInvalid, err, fmt.Sprintf("operation %q outputSchema", name))
		}
		recompiled[name] = compiledOperation{raw: op, input: in, output: out}
	}

	p.mu.Lock()
	p.cache[agentID] = recompiled
	p.mu.Unlock()

	return recompiled, nil
}

// contentDigest returns the sha256 content hash of a bundle, used as the
// Agent's code digest.
func contentDigest(bundle []byte) string {
	sum := sha256.Sum256(bundle)
	return hex.EncodeToString(sum[:])
}

func toPricing(doc pricingDoc) (store.Pricing, error) {
	switch doc.Kind {
	case string(store.PricingFree):
		return store.Pricing{Kind: store.PricingFree}, nil
	case string(store.PricingPerInvoke), string(store.PricingPeriodic):
		price, err := decimal.NewFromString(doc.Price)
		if err != nil {
			return store.Pricing{}, rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeManifestInvalid, err, "pricing.price is not a valid decimal")
		}
		return store.Pricing{Kind: store.PricingKind(doc.Kind), Price: price}, nil
	default:
		return store.Pricing{}, rterrors.New(rterrors.CategoryValidation, rterrors.CodeManifestInvalid, fmt.Sprintf("unknown pricing kind %q", doc.Kind))
	}
}
