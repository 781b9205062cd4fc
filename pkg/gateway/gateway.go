// Package gateway implements the Resource Gateway (component G): the
// mediator every external side-effecting call (LLM completion, vector op,
// web search) passes through on its way out of an agent execution. It
// checks budget, executes the provider call, meters cost, and attributes
// usage to the execution, all in a single eight-step algorithm.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/gateway/providers"
)

// CredentialDecryptor turns a Credential's ciphertext into a plaintext key,
// held in-memory only for the duration of one provider call. The Gateway
// never persists the plaintext it receives.
type CredentialDecryptor interface {
	Decrypt(ctx context.Context, c *store.Credential) (string, error)
}

// RequestSpec is the caller-supplied description of one external call.
type RequestSpec struct {
	Provider  string
	Operation string // e.g. "completion", "vector-op", "web-search"
	Prompt    string // for LLM-completion
	MaxTokens int    // for LLM-completion
	Vectors   [][]float32
	Payloads  []map[string]interface{}
	Query     string // for web-search

	// UseBYOK, when true, means the hiring is configured to bring its own
	// key for Provider. A missing credential row is then a hard failure
	// rather than a silent fall back to the managed key (per DESIGN.md's
	// BYOK-credential-absence decision — a managed fallback would silently
	// bill the wrong party).
	UseBYOK bool
}

// Config bundles the Resource Gateway's tunables.
type Config struct {
	DefaultLLMLimitPerMinute    int
	DefaultSearchLimitPerMinute int
}

// DefaultConfig returns the stated rate-limit defaults.
func DefaultConfig() Config {
	return Config{DefaultLLMLimitPerMinute: 60, DefaultSearchLimitPerMinute: 100}
}

// Gateway is the Resource Gateway. One instance is shared across all
// executions; per-user serialization is enforced internally via userLocks.
type Gateway struct {
	store       store.Store
	rateCard    *RateCard
	limiter     RateLimiter
	tokens      *tokenEstimator
	decryptor   CredentialDecryptor
	cfg         Config
	log         *slog.Logger

	llmProviders    map[string]providers.LLMProvider
	vectorProviders map[string]providers.VectorProvider
	searchProviders map[string]providers.SearchProvider
	breakers        map[string]*providerBreaker

	mu         sync.Mutex
	userLocks  map[string]*sync.Mutex
}

// New builds a Gateway. llm/vector/search are keyed by provider name
// ("anthropic", "bedrock", "qdrant", "managed-search") and may be partially
// populated — a RequestSpec naming an unregistered provider fails with
// CodeProviderError.
func New(
	st store.Store,
	rateCard *RateCard,
	limiter RateLimiter,
	decryptor CredentialDecryptor,
	llm map[string]providers.LLMProvider,
	vector map[string]providers.VectorProvider,
	search map[string]providers.SearchProvider,
	cfg Config,
	log *slog.Logger,
) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	tok, err := newTokenEstimator()
	if err != nil {
		tok = nil // estimate degrades to zero below; actual cost is unaffected
	}
	breakers := make(map[string]*providerBreaker, len(llm)+len(vector)+len(search))
	for name := range llm {
		breakers[name] = newProviderBreaker("llm:"+name, nil)
	}
	for name := range vector {
		breakers[name] = newProviderBreaker("vector:"+name, nil)
	}
	for name := range search {
		breakers[name] = newProviderBreaker("search:"+name, nil)
	}
	return &Gateway{
		store: st, rateCard: rateCard, limiter: limiter, tokens: tok, decryptor: decryptor,
		llmProviders: llm, vectorProviders: vector, searchProviders: search,
		breakers: breakers, cfg: cfg, log: log, userLocks: map[string]*sync.Mutex{},
	}
}

func (g *Gateway) lockFor(userID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		g.userLocks[userID] = l
	}
	return l
}

func familyForOperation(operation string) store.ResourceFamily {
	switch operation {
	case "completion":
		return store.FamilyLLMCompletion
	case "embedding":
		return store.FamilyLLMEmbedding
	case "vector-op":
		return store.FamilyVectorOp
	case "web-search":
		return store.FamilyWebSearch
	default:
		return store.FamilyLLMCompletion
	}
}

// Call runs the full eight-step algorithm for one external-resource
// request and returns the provider's normalized response body as JSON.
func (g *Gateway) Call(ctx context.Context, executionID string, spec RequestSpec) ([]byte, error) {
	exec, err := g.store.Repos().Executions().Get(ctx, executionID)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryLifecycle, rterrors.CodeNotFound, err, "execution not found")
	}
	userID := exec.UserID
	if userID == "" {
		userID = "anonymous"
	}

	limit := g.cfg.DefaultLLMLimitPerMinute
	if spec.Operation == "web-search" {
		limit = g.cfg.DefaultSearchLimitPerMinute
	}
	allowed, err := g.limiter.Allow(ctx, userID, spec.Provider, limit)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "rate limiter unavailable")
	}
	if !allowed {
		return nil, rterrors.New(rterrors.CategoryCapacity, rterrors.CodeRateLimited, "rate limit exceeded for provider")
	}

	// Step 1: look up budget.
	budget, err := g.store.Repos().UserBudgets().GetOrCreate(ctx, userID)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "load user budget")
	}

	// Step 2: estimate upper-bound cost.
	estimate := g.estimateCost(spec)

	// Step 3: per-call cap check.
	if !budget.PerCallCap.IsZero() && estimate.GreaterThan(budget.PerCallCap) {
		return nil, rterrors.New(rterrors.CategoryCapacity, rterrors.CodePerCallCapExceeded, "estimated cost exceeds per-call cap")
	}

	// Step 4: period cap check.
	if !budget.PeriodCap.IsZero() && budget.WindowSpend.Add(estimate).GreaterThan(budget.PeriodCap) {
		return nil, rterrors.New(rterrors.CategoryCapacity, rterrors.CodePeriodCapExceeded, "projected window spend exceeds period cap")
	}

	// Step 5: execute the provider call, BYOK-or-managed.
	result, meteredUnits, err := g.invoke(ctx, userID, spec)
	if err != nil {
		// Step 8: no usage row on provider failure.
		return nil, err
	}

	// Step 6: actual cost from the response's metered units.
	actual := g.actualCost(spec, meteredUnits)

	// Step 7: atomically append the usage row and update the budget window.
	if err := g.recordUsage(ctx, userID, executionID, spec, meteredUnits, actual, budget); err != nil {
		return nil, err
	}

	return result, nil
}

func (g *Gateway) estimateCost(spec RequestSpec) decimal.Decimal {
	switch spec.Operation {
	case "completion":
		var promptTokens int64
		if g.tokens != nil {
			promptTokens = g.tokens.EstimateTokens(spec.Prompt)
		}
		outEstimate, _ := g.rateCard.Estimate(spec.Provider, "completion", int64(spec.MaxTokens))
		inEstimate, _ := g.rateCard.Estimate(spec.Provider, "completion-input", promptTokens)
		return outEstimate.Add(inEstimate)
	case "vector-op":
		cost, _ := g.rateCard.Estimate(spec.Provider, "vector-op", int64(len(spec.Vectors)))
		return cost
	case "web-search":
		cost, _ := g.rateCard.Estimate(spec.Provider, "web-search", 1)
		return cost
	default:
		return decimal.Zero
	}
}

func (g *Gateway) actualCost(spec RequestSpec, units map[string]int64) decimal.Decimal {
	switch spec.Operation {
	case "completion":
		return g.rateCard.Actual(spec.Provider, []string{"completion", "completion-input"}, units)
	case "vector-op":
		return g.rateCard.Actual(spec.Provider, []string{"vector-op"}, units)
	case "web-search":
		return g.rateCard.Actual(spec.Provider, []string{"web-search"}, units)
	default:
		return decimal.Zero
	}
}

// invoke dispatches to the right provider family, resolving BYOK-or-managed
// credentials for LLM calls, and returns the normalized JSON response body
// alongside the metered units reported by the provider.
func (g *Gateway) invoke(ctx context.Context, userID string, spec RequestSpec) ([]byte, map[string]int64, error) {
	breaker, ok := g.breakers[spec.Provider]
	if !ok {
		return nil, nil, rterrors.New(rterrors.CategoryUpstream, rterrors.CodeProviderError, "unregistered provider")
	}

	switch spec.Operation {
	case "completion":
		return g.invokeLLM(ctx, userID, spec, breaker)
	case "vector-op":
		return g.invokeVector(ctx, spec, breaker)
	case "web-search":
		return g.invokeSearch(ctx, spec, breaker)
	default:
		return nil, nil, rterrors.New(rterrors.CategoryValidation, rterrors.CodeSchemaViolation, "unknown resource operation")
	}
}

func (g *Gateway) invokeLLM(ctx context.Context, userID string, spec RequestSpec, breaker *providerBreaker) ([]byte, map[string]int64, error) {
	provider, ok := g.llmProviders[spec.Provider]
	if !ok {
		return nil, nil, rterrors.New(rterrors.CategoryUpstream, rterrors.CodeProviderError, "unregistered LLM provider")
	}

	byokKey, err := g.resolveByokKey(ctx, userID, spec.Provider, spec.UseBYOK)
	if err != nil {
		return nil, nil, err
	}

	result, err := breaker.callIdempotent(ctx, func(ctx context.Context) (interface{}, error) {
		return provider.Complete(ctx, providers.CompletionRequest{
			Model: spec.Provider, Prompt: spec.Prompt, MaxTokens: spec.MaxTokens, ByokAPIKey: byokKey,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	resp := result.(*providers.CompletionResponse)
	body, _ := json.Marshal(resp)
	units := map[string]int64{"input_tokens": resp.InputTokens, "output_tokens": resp.OutputTokens}
	return body, units, nil
}

// resolveByokKey looks up the caller's BYOK credential for provider. A
// hiring configured for BYOK with no credential row on file fails with
// CodeProviderError rather than silently falling back to the managed key
// (see DESIGN.md's open-question decision); a hiring not configured for
// BYOK never looks a credential up at all and always uses the managed
// key.
func (g *Gateway) resolveByokKey(ctx context.Context, userID, provider string, useBYOK bool) (string, error) {
	if !useBYOK {
		return "", nil
	}
	cred, err := g.store.Repos().Credentials().Get(ctx, userID, provider)
	if err != nil {
		if err == rterrors.ErrNotFound {
			return "", rterrors.New(rterrors.CategoryUpstream, rterrors.CodeProviderError, "hiring is configured for BYOK but no credential is on file")
		}
		return "", rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "load credential")
	}
	if g.decryptor == nil {
		return "", rterrors.New(rterrors.CategoryUpstream, rterrors.CodeProviderError, "BYOK credential present but no decryptor configured")
	}
	key, err := g.decryptor.Decrypt(ctx, cred)
	if err != nil {
		return "", rterrors.Wrap(rterrors.CategoryUpstream, rterrors.CodeProviderError, err, "decrypt BYOK credential")
	}
	return key, nil
}

func (g *Gateway) invokeVector(ctx context.Context, spec RequestSpec, breaker *providerBreaker) ([]byte, map[string]int64, error) {
	provider, ok := g.vectorProviders[spec.Provider]
	if !ok {
		return nil, nil, rterrors.New(rterrors.CategoryUpstream, rterrors.CodeProviderError, "unregistered vector provider")
	}
	result, err := breaker.callOnce(ctx, func(ctx context.Context) (interface{}, error) {
		return provider.Upsert(ctx, providers.VectorUpsertRequest{Vectors: spec.Vectors, Payloads: spec.Payloads})
	})
	if err != nil {
		return nil, nil, err
	}
	resp := result.(*providers.VectorUpsertResponse)
	body, _ := json.Marshal(resp)
	return body, map[string]int64{"vectors": resp.VectorCount}, nil
}

func (g *Gateway) invokeSearch(ctx context.Context, spec RequestSpec, breaker *providerBreaker) ([]byte, map[string]int64, error) {
	provider, ok := g.searchProviders[spec.Provider]
	if !ok {
		return nil, nil, rterrors.New(rterrors.CategoryUpstream, rterrors.CodeProviderError, "unregistered search provider")
	}
	result, err := breaker.callIdempotent(ctx, func(ctx context.Context) (interface{}, error) {
		return provider.Search(ctx, providers.SearchRequest{Query: spec.Query})
	})
	if err != nil {
		return nil, nil, err
	}
	resp := result.(*providers.SearchResponse)
	body, _ := json.Marshal(resp)
	return body, map[string]int64{"queries": resp.QueryCount}, nil
}

// recordUsage appends the UsageRow and updates the budget window under the
// per-user lock, retrying the budget update once on an optimistic
// concurrency conflict: both the lock and the retry are applied, since the
// lock only serializes calls within this process and a second process
// sharing the store is still possible under the single-writer model.
func (g *Gateway) recordUsage(ctx context.Context, userID, executionID string, spec RequestSpec, units map[string]int64, cost decimal.Decimal, budget *store.UserBudget) error {
	lock := g.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	row := &store.UsageRow{
		ID:              uuid.NewString(),
		ExecutionID:     executionID,
		Family:          familyForOperation(spec.Operation),
		Provider:        spec.Provider,
		ModelOrEndpoint: spec.Provider,
		OperationType:   spec.Operation,
		MeteredUnits:    units,
		Cost:            cost,
	}
	if _, err := g.store.Repos().UsageRows().Append(ctx, row); err != nil {
		return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "append usage row")
	}

	for attempt := 0; attempt < 2; attempt++ {
		fresh, err := g.store.Repos().UserBudgets().GetOrCreate(ctx, userID)
		if err != nil {
			return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "reload user budget")
		}
		fresh.WindowSpend = fresh.WindowSpend.Add(cost)
		_, err = g.store.Repos().UserBudgets().Update(ctx, fresh)
		if err == nil {
			return nil
		}
		if err != rterrors.ErrConflict {
			return rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "update user budget")
		}
	}
	return rterrors.New(rterrors.CategoryInfrastructure, rterrors.CodeConflict, "budget update conflict not resolved after retry")
}
